package shard

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flashbots/ledger-router/crypto"
	"github.com/flashbots/ledger-router/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func setupTestHandler(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()

	svc := newTestService(t, nil)
	r := chi.NewRouter()
	NewHandler(svc, "admin:secret", slog.New(slog.NewTextHandler(io.Discard, nil))).RegisterRoutes(r)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return svc, ts
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func httpHandshake(t *testing.T, url string, role protocol.Role) *crypto.Channel {
	t.Helper()

	_, sk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id, err := crypto.NewIdentity(sk, 0)
	require.NoError(t, err)
	data, err := json.Marshal(&protocol.HandshakeData{Role: role})
	require.NoError(t, err)

	init, msg1, err := crypto.NewInitiator(id, data)
	require.NoError(t, err)

	resp := postJSON(t, url+"/v1/auth", &protocol.AuthRequest{Message: msg1})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	authResp, err := protocol.DecodeMessage[protocol.AuthResponse](resp.Body)
	require.NoError(t, err)

	ch, _, err := init.Finish(authResp.Message)
	require.NoError(t, err)
	return ch
}

func TestHandler_AuthAndQuery(t *testing.T) {
	_, ts := setupTestHandler(t)

	router := httpHandshake(t, ts.URL, protocol.RoleRouter)
	client := httpHandshake(t, ts.URL, protocol.RoleClient)

	resp := postJSON(t, ts.URL+"/v1/query", wrapQuery(t, router, client, testKey(2)))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	qr, err := protocol.DecodeMessage[protocol.ShardQueryResponse](resp.Body)
	require.NoError(t, err)
	sub := unwrapReply(t, router, client, qr)
	require.Equal(t, protocol.ResultFound, sub.Results[0].Code)
	require.Equal(t, uint64(1), sub.Results[0].LocatedAt)
}

func TestHandler_RejectedHandshake(t *testing.T) {
	_, ts := setupTestHandler(t)

	resp := postJSON(t, ts.URL+"/v1/auth", &protocol.AuthRequest{Message: []byte("nope")})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err := http.Post(ts.URL+"/v1/auth", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_MalformedQueryIsInvalidArgument(t *testing.T) {
	_, ts := setupTestHandler(t)

	resp, err := http.Post(ts.URL+"/v1/query", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	qr, err := protocol.DecodeMessage[protocol.ShardQueryResponse](resp.Body)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusInvalidArgument, qr.Status)
	require.Nil(t, qr.Envelope)
}

func TestHandler_RegistrationData(t *testing.T) {
	svc, ts := setupTestHandler(t)

	resp, err := http.Get(ts.URL + "/registration-data")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	signed, err := protocol.DecodeMessage[protocol.Signed[protocol.ShardRegistration]](resp.Body)
	require.NoError(t, err)
	reg, signer, err := signed.Recover()
	require.NoError(t, err)
	require.True(t, signer.Equal(svc.PublicKey()))
	require.Equal(t, testURI, reg.URI)
}

func TestHandler_RotateRequiresAdmin(t *testing.T) {
	svc, ts := setupTestHandler(t)

	resp, err := http.Post(ts.URL+"/admin/rotate", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, uint64(0), svc.KeyEpoch())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/admin/rotate", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, uint64(1), svc.KeyEpoch())
}
