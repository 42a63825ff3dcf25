package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flashbots/ledger-router/attestation"
	"github.com/flashbots/ledger-router/crypto"
	"github.com/flashbots/ledger-router/metrics"
	"github.com/flashbots/ledger-router/protocol"
	"github.com/flashbots/ledger-router/testutil"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func newEndpointConfig(t *testing.T, transport Transport) *EndpointConfig {
	t.Helper()

	id, err := testutil.GenerateTestIdentity()
	require.NoError(t, err)

	if transport == nil {
		transport = &HTTPTransport{}
	}
	return &EndpointConfig{
		Identity:  id,
		Transport: transport,
		Verifier: &attestation.Verifier{
			Provider: &attestation.DummyProvider{},
			Source:   attestation.DemoSource(),
		},
		Log: testutil.QuietLogger(),
	}
}

// controlTransport wraps a Transport so tests can stall or corrupt calls.
type controlTransport struct {
	Transport
	stallAuth    atomic.Bool
	stallQuery   atomic.Bool
	corruptReply atomic.Bool
	authCalls    atomic.Int32
}

func newControlTransport() *controlTransport {
	return &controlTransport{Transport: &HTTPTransport{}}
}

func (c *controlTransport) Auth(ctx context.Context, uri string, req *protocol.AuthRequest) (*protocol.AuthResponse, error) {
	c.authCalls.Inc()
	if c.stallAuth.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.Transport.Auth(ctx, uri, req)
}

func (c *controlTransport) Query(ctx context.Context, uri string, req *protocol.ShardQueryRequest) (*protocol.ShardQueryResponse, error) {
	if c.stallQuery.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	resp, err := c.Transport.Query(ctx, uri, req)
	if err == nil && c.corruptReply.Load() && resp.Envelope != nil {
		resp.Envelope.Ciphertext[0] ^= 0xff
	}
	return resp, err
}

func queryOnce(t *testing.T, ep *Endpoint, ch *crypto.Channel) protocol.Outcome {
	t.Helper()
	return ep.Query(context.Background(), testutil.EncryptKeys(t, ch, testutil.TestKey(1)), time.Second)
}

func TestEndpoint_AuthReplacesChannel(t *testing.T) {
	sh := testutil.StartShard(t, testutil.WithBlocks(3))
	ep := NewEndpoint(newEndpointConfig(t, nil), sh.URI, sh.Service.PublicKey())

	require.Equal(t, StateUnauthenticated, ep.State())
	require.NoError(t, ep.Auth(context.Background()))
	require.Equal(t, StateAuthenticated, ep.State())

	first := ep.channel()
	require.NoError(t, ep.Auth(context.Background()))
	second := ep.channel()

	require.NotSame(t, first, second)
	require.True(t, first.Closed())
	require.False(t, second.Closed())
}

func TestEndpoint_QueryAutoAuthenticates(t *testing.T) {
	sh := testutil.StartShard(t, testutil.WithBlocks(3))
	ep := NewEndpoint(newEndpointConfig(t, nil), sh.URI, sh.Service.PublicKey())
	client := sh.ClientChannel(t)

	out := queryOnce(t, ep, client)
	require.Equal(t, protocol.OutcomeSuccess, out.Kind)
	require.Equal(t, sh.URI, out.ShardURI)
	require.Equal(t, StateAuthenticated, ep.State())

	resp := testutil.DecryptSubResponse(t, client, out.Envelope)
	require.Equal(t, uint64(3), resp.Freshness)
	require.Equal(t, protocol.ResultFound, resp.Results[0].Code)
	require.Equal(t, uint64(0), resp.Results[0].LocatedAt)
}

func TestEndpoint_IdentityMismatchFailsAuthentication(t *testing.T) {
	sh := testutil.StartShard(t)
	other, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	ep := NewEndpoint(newEndpointConfig(t, nil), sh.URI, other)
	err = ep.Auth(context.Background())

	var he *crypto.HandshakeError
	require.ErrorAs(t, err, &he)
	require.Equal(t, StateAuthenticationFailed, ep.State())

	out := queryOnce(t, ep, sh.ClientChannel(t))
	require.Equal(t, protocol.OutcomeAuthenticationError, out.Kind)
	require.Nil(t, out.Envelope)
}

func TestEndpoint_MissingEvidenceFailsAuthentication(t *testing.T) {
	sh := testutil.StartShard(t, testutil.WithoutAttestation())
	ep := NewEndpoint(newEndpointConfig(t, nil), sh.URI, sh.Service.PublicKey())

	err := ep.Auth(context.Background())
	require.ErrorIs(t, err, attestation.ErrNoEvidence)
	require.Equal(t, StateAuthenticationFailed, ep.State())

	// without a verifier the same shard is accepted
	cfg := newEndpointConfig(t, nil)
	cfg.Verifier = nil
	ep = NewEndpoint(cfg, sh.URI, sh.Service.PublicKey())
	require.NoError(t, ep.Auth(context.Background()))
}

func TestEndpoint_CancelledAuthThenQueryReauthenticates(t *testing.T) {
	sh := testutil.StartShard(t, testutil.WithBlocks(2))
	transport := newControlTransport()
	ep := NewEndpoint(newEndpointConfig(t, transport), sh.URI, sh.Service.PublicKey())

	require.NoError(t, ep.Auth(context.Background()))
	old := ep.channel()

	transport.stallAuth.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ep.Auth(ctx) }()

	require.Eventually(t, func() bool { return transport.authCalls.Load() == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, StateUnauthenticated, ep.State())
	require.Nil(t, ep.channel())
	require.True(t, old.Closed())

	transport.stallAuth.Store(false)
	out := queryOnce(t, ep, sh.ClientChannel(t))
	require.Equal(t, protocol.OutcomeSuccess, out.Kind)
	require.Equal(t, StateAuthenticated, ep.State())
	require.Equal(t, int32(3), transport.authCalls.Load())
}

func TestEndpoint_ShardAuthErrorResetsEndpoint(t *testing.T) {
	sh := testutil.StartShard(t, testutil.WithBlocks(2))
	ep := NewEndpoint(newEndpointConfig(t, nil), sh.URI, sh.Service.PublicKey())

	require.Equal(t, protocol.OutcomeSuccess, queryOnce(t, ep, sh.ClientChannel(t)).Kind)

	require.NoError(t, sh.Service.RotateKeys())

	// stale router channel
	client := sh.ClientChannel(t)
	out := queryOnce(t, ep, client)
	require.Equal(t, protocol.OutcomeAuthenticationError, out.Kind)
	require.Equal(t, StateUnauthenticated, ep.State())

	out = queryOnce(t, ep, client)
	require.Equal(t, protocol.OutcomeSuccess, out.Kind)
}

func TestEndpoint_TransportFailuresAreNotReady(t *testing.T) {
	sh := testutil.StartShard(t, testutil.WithBlocks(2))
	transport := newControlTransport()
	ep := NewEndpoint(newEndpointConfig(t, transport), sh.URI, sh.Service.PublicKey())
	client := sh.ClientChannel(t)

	require.Equal(t, protocol.OutcomeSuccess, queryOnce(t, ep, client).Kind)

	transport.stallQuery.Store(true)
	out := ep.Query(context.Background(), testutil.EncryptKeys(t, client, testutil.TestKey(1)), 20*time.Millisecond)
	require.Equal(t, protocol.OutcomeNotReady, out.Kind)
	require.Equal(t, StateAuthenticated, ep.State())
	transport.stallQuery.Store(false)

	sh.Server.Close()
	out = queryOnce(t, ep, client)
	require.Equal(t, protocol.OutcomeNotReady, out.Kind)
}

func TestEndpoint_UnreachableShardIsNotReady(t *testing.T) {
	sh := testutil.StartShard(t)
	client := sh.ClientChannel(t)
	sh.Server.Close()

	ep := NewEndpoint(newEndpointConfig(t, nil), sh.URI, sh.Service.PublicKey())
	out := queryOnce(t, ep, client)
	require.Equal(t, protocol.OutcomeNotReady, out.Kind)
	require.Equal(t, StateUnauthenticated, ep.State())
}

func TestEndpoint_TamperedReplyIsInvalidArgument(t *testing.T) {
	sh := testutil.StartShard(t, testutil.WithBlocks(2))
	transport := newControlTransport()
	ep := NewEndpoint(newEndpointConfig(t, transport), sh.URI, sh.Service.PublicKey())

	transport.corruptReply.Store(true)
	out := queryOnce(t, ep, sh.ClientChannel(t))
	require.Equal(t, protocol.OutcomeInvalidArgument, out.Kind)
	require.Nil(t, out.Envelope)
}

func TestEndpoint_ShardStatusesPassThrough(t *testing.T) {
	sh := testutil.StartShard(t, testutil.WithBlocks(2), testutil.WithMinReadyBlocks(10))
	ep := NewEndpoint(newEndpointConfig(t, nil), sh.URI, sh.Service.PublicKey())
	client := sh.ClientChannel(t)

	require.Equal(t, protocol.OutcomeNotReady, queryOnce(t, ep, client).Kind)

	// a replayed client envelope is rejected by the shard
	sh2 := testutil.StartShard(t, testutil.WithBlocks(2))
	ep2 := NewEndpoint(newEndpointConfig(t, nil), sh2.URI, sh2.Service.PublicKey())
	client2 := sh2.ClientChannel(t)
	env := testutil.EncryptKeys(t, client2, testutil.TestKey(1))

	require.Equal(t, protocol.OutcomeSuccess, ep2.Query(context.Background(), env, time.Second).Kind)
	require.Equal(t, protocol.OutcomeInvalidArgument, ep2.Query(context.Background(), env, time.Second).Kind)
}

func TestEndpoint_Closed(t *testing.T) {
	sh := testutil.StartShard(t)
	ep := NewEndpoint(newEndpointConfig(t, nil), sh.URI, sh.Service.PublicKey())
	require.NoError(t, ep.Auth(context.Background()))
	ch := ep.channel()

	ep.Close()
	require.True(t, ch.Closed())
	require.ErrorIs(t, ep.Auth(context.Background()), ErrEndpointClosed)

	out := queryOnce(t, ep, sh.ClientChannel(t))
	require.Equal(t, protocol.OutcomeNotReady, out.Kind)
}

// holdTransport parks the reply of the first query it forwards until
// released, so other queries can run while it is in flight.
type holdTransport struct {
	Transport
	armed    atomic.Bool
	held     chan struct{}
	release  chan struct{}
	authSeen atomic.Int32
}

func newHoldTransport() *holdTransport {
	h := &holdTransport{
		Transport: &HTTPTransport{},
		held:      make(chan struct{}),
		release:   make(chan struct{}),
	}
	h.armed.Store(true)
	return h
}

func (h *holdTransport) Auth(ctx context.Context, uri string, req *protocol.AuthRequest) (*protocol.AuthResponse, error) {
	h.authSeen.Inc()
	return h.Transport.Auth(ctx, uri, req)
}

func (h *holdTransport) Query(ctx context.Context, uri string, req *protocol.ShardQueryRequest) (*protocol.ShardQueryResponse, error) {
	resp, err := h.Transport.Query(ctx, uri, req)
	if h.armed.CompareAndSwap(true, false) {
		close(h.held)
		<-h.release
	}
	return resp, err
}

func TestEndpoint_UnknownClientChannelKeepsRouterChannel(t *testing.T) {
	sh := testutil.StartShard(t, testutil.WithBlocks(3))
	stranger := testutil.StartShard(t)
	transport := newHoldTransport()
	ep := NewEndpoint(newEndpointConfig(t, transport), sh.URI, sh.Service.PublicKey())

	client := sh.ClientChannel(t)
	env := testutil.EncryptKeys(t, client, testutil.TestKey(1))
	legit := make(chan protocol.Outcome, 1)
	go func() {
		legit <- ep.Query(context.Background(), env, 5*time.Second)
	}()
	<-transport.held
	ch := ep.channel()
	require.NotNil(t, ch)

	// client channels the shard never saw
	unknown := stranger.ClientChannel(t)
	for i := 0; i < 4; i++ {
		out := queryOnce(t, ep, unknown)
		require.Equal(t, protocol.OutcomeAuthenticationError, out.Kind)
		require.Nil(t, out.Envelope)
	}

	require.Equal(t, int32(1), transport.authSeen.Load())
	require.Same(t, ch, ep.channel())
	require.False(t, ch.Closed())
	require.Equal(t, StateAuthenticated, ep.State())

	close(transport.release)
	out := <-legit
	require.Equal(t, protocol.OutcomeSuccess, out.Kind)
	sub := testutil.DecryptSubResponse(t, client, out.Envelope)
	require.Equal(t, protocol.ResultFound, sub.Results[0].Code)
}

func TestEndpoint_ReplyOnSupersededChannelIsNotReady(t *testing.T) {
	sh := testutil.StartShard(t, testutil.WithBlocks(3))
	transport := newHoldTransport()
	ep := NewEndpoint(newEndpointConfig(t, transport), sh.URI, sh.Service.PublicKey())

	client := sh.ClientChannel(t)
	env := testutil.EncryptKeys(t, client, testutil.TestKey(1))
	pending := make(chan protocol.Outcome, 1)
	go func() {
		pending <- ep.Query(context.Background(), env, 5*time.Second)
	}()
	<-transport.held

	before := promtestutil.ToFloat64(metrics.ProtocolViolations.WithLabelValues(crypto.UnknownChannel.String()))
	require.NoError(t, ep.Auth(context.Background()))
	close(transport.release)

	require.Equal(t, protocol.OutcomeNotReady, (<-pending).Kind)
	require.Equal(t, before, promtestutil.ToFloat64(metrics.ProtocolViolations.WithLabelValues(crypto.UnknownChannel.String())))

	require.Equal(t, protocol.OutcomeSuccess, queryOnce(t, ep, client).Kind)
}
