package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/flashbots/ledger-router/protocol"
)

// ErrHandshakeRejected is returned by a Transport when the shard refused
// the handshake (as opposed to being unreachable).
var ErrHandshakeRejected = errors.New("shard rejected handshake")

// Transport carries router messages to a shard.
type Transport interface {
	Auth(ctx context.Context, uri string, req *protocol.AuthRequest) (*protocol.AuthResponse, error)
	Query(ctx context.Context, uri string, req *protocol.ShardQueryRequest) (*protocol.ShardQueryResponse, error)
}

// HTTPTransport talks to shards over their JSON HTTP interface.
type HTTPTransport struct {
	Client *http.Client
}

func (t *HTTPTransport) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

func (t *HTTPTransport) Auth(ctx context.Context, uri string, req *protocol.AuthRequest) (*protocol.AuthResponse, error) {
	var resp protocol.AuthResponse
	if err := t.post(ctx, uri, "/v1/auth", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) Query(ctx context.Context, uri string, req *protocol.ShardQueryRequest) (*protocol.ShardQueryResponse, error) {
	var resp protocol.ShardQueryResponse
	if err := t.post(ctx, uri, "/v1/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) post(ctx context.Context, uri, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(uri, "/")+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client().Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return ErrHandshakeRejected
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s%s returned %d: %s", uri, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
