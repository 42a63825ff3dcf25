package client

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

// ErrRouterUnavailable is returned when the router answers 503.
var ErrRouterUnavailable = errors.New("router unavailable")

// routerAPI calls the router's client-facing routes.
type routerAPI struct {
	baseURL string
	client  *http.Client
}

func (a *routerAPI) shards(ctx context.Context) (*protocol.ShardListResponse, error) {
	var out protocol.ShardListResponse
	if err := a.do(ctx, http.MethodGet, "/v1/shards", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *routerAPI) auth(ctx context.Context, req *protocol.AuthRequest) (*protocol.AuthResponse, error) {
	var out protocol.AuthResponse
	if err := a.do(ctx, http.MethodPost, "/v1/auth", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *routerAPI) query(ctx context.Context, req *protocol.MultiShardRequest) (*protocol.MultiShardResponse, error) {
	var out protocol.MultiShardResponse
	if err := a.do(ctx, http.MethodPost, "/v1/query", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *routerAPI) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.baseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		io.Copy(io.Discard, resp.Body)
		return ErrRouterUnavailable
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
