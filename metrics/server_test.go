package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsServer_ServesRegistry(t *testing.T) {
	srv, err := New("ledger-router-test", "127.0.0.1:0")
	require.NoError(t, err)

	// registering the build info twice is fine
	_, err = New("ledger-router-test", "127.0.0.1:0")
	require.NoError(t, err)

	RouterOutcomes.WithLabelValues("NotReady").Inc()

	ts := httptest.NewServer(srv.srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "ledger_router_build_info")
	require.Contains(t, string(body), `ledger_router_router_shard_outcomes_total{kind="NotReady"}`)
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(ProtocolViolations.WithLabelValues("nonce_reuse"))
	ProtocolViolations.WithLabelValues("nonce_reuse").Inc()
	require.Equal(t, before+1, testutil.ToFloat64(ProtocolViolations.WithLabelValues("nonce_reuse")))
}
