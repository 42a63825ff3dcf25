package shard

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/flashbots/ledger-router/attestation"
	"github.com/flashbots/ledger-router/crypto"
	"github.com/flashbots/ledger-router/ledger"
	"github.com/flashbots/ledger-router/metrics"
	"github.com/flashbots/ledger-router/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const testURI = "http://shard-0.test"

func testKey(b byte) protocol.Key {
	var k protocol.Key
	k[0] = b
	return k
}

func newTestOracle(t *testing.T, blocks int) *ledger.MemoryOracle {
	t.Helper()

	o := ledger.NewMemoryOracle(ledger.BlockRange{})
	for i := 0; i < blocks; i++ {
		require.NoError(t, o.Append(context.Background(), &ledger.Block{
			Index: uint64(i),
			Keys:  []protocol.Key{testKey(byte(i + 1))},
		}))
	}
	return o
}

func newTestService(t *testing.T, mutate func(*Config)) *Service {
	t.Helper()

	_, sk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	cfg := &Config{
		URI:        testURI,
		SigningKey: sk,
		Provider:   &attestation.DummyProvider{},
		Oracle:     newTestOracle(t, 5),
	}
	if mutate != nil {
		mutate(cfg)
	}

	svc, err := New(cfg)
	require.NoError(t, err)
	return svc
}

type peerChannel struct {
	ch   *crypto.Channel
	peer *crypto.Peer
	data protocol.HandshakeData
}

func handshake(t *testing.T, svc *Service, role protocol.Role) *peerChannel {
	t.Helper()

	_, sk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id, err := crypto.NewIdentity(sk, 0)
	require.NoError(t, err)

	data, err := json.Marshal(&protocol.HandshakeData{Role: role})
	require.NoError(t, err)

	init, msg1, err := crypto.NewInitiator(id, data)
	require.NoError(t, err)

	msg2, err := svc.Auth(context.Background(), msg1)
	require.NoError(t, err)

	ch, peer, err := init.Finish(msg2)
	require.NoError(t, err)

	pc := &peerChannel{ch: ch, peer: peer}
	require.NoError(t, json.Unmarshal(peer.Data, &pc.data))
	return pc
}

func wrapQuery(t *testing.T, router, client *crypto.Channel, keys ...protocol.Key) *protocol.ShardQueryRequest {
	t.Helper()

	plaintext, err := protocol.EncodeSubRequest(&protocol.SubRequest{Keys: keys})
	require.NoError(t, err)
	inner, err := client.Encrypt(nil, plaintext)
	require.NoError(t, err)
	innerJSON, err := json.Marshal(inner)
	require.NoError(t, err)
	outer, err := router.Encrypt([]byte(testURI), innerJSON)
	require.NoError(t, err)

	return &protocol.ShardQueryRequest{Envelope: outer}
}

func unwrapReply(t *testing.T, router, client *crypto.Channel, resp *protocol.ShardQueryResponse) *protocol.SubResponse {
	t.Helper()

	require.Equal(t, protocol.StatusSuccess, resp.Status)
	require.NotNil(t, resp.Envelope)
	require.Equal(t, []byte(testURI), resp.Envelope.AAD)

	innerJSON, err := router.Decrypt(resp.Envelope)
	require.NoError(t, err)
	var inner crypto.Envelope
	require.NoError(t, json.Unmarshal(innerJSON, &inner))
	plaintext, err := client.Decrypt(&inner)
	require.NoError(t, err)

	sub, err := protocol.DecodeSubResponse(plaintext)
	require.NoError(t, err)
	return sub
}

func TestService_QueryAnswersFromOracle(t *testing.T) {
	svc := newTestService(t, nil)
	router := handshake(t, svc, protocol.RoleRouter)
	client := handshake(t, svc, protocol.RoleClient)

	resp := svc.Query(context.Background(), wrapQuery(t, router.ch, client.ch, testKey(3), testKey(99)))
	sub := unwrapReply(t, router.ch, client.ch, resp)

	require.Equal(t, uint64(5), sub.Freshness)
	require.Equal(t, uint64(5), sub.GlobalItemCount)
	require.Len(t, sub.Results, 2)
	require.Equal(t, protocol.ResultFound, sub.Results[0].Code)
	require.Equal(t, uint64(2), sub.Results[0].LocatedAt)
	require.Equal(t, protocol.ResultNotFound, sub.Results[1].Code)
	require.Zero(t, sub.Results[1].LocatedAt)
}

func TestService_HandshakeCarriesSessionEvidence(t *testing.T) {
	svc := newTestService(t, nil)
	pc := handshake(t, svc, protocol.RoleClient)

	require.Equal(t, "dummy-tdx", pc.data.AttestationType)
	require.True(t, pc.peer.IdentityKey.Equal(svc.PublicKey()))

	v := &attestation.Verifier{Provider: &attestation.DummyProvider{}, Source: attestation.DemoSource()}
	require.NoError(t, v.VerifySession(pc.peer.StaticKey, pc.peer.IdentityKey, pc.data.Evidence))
}

func TestService_HandshakeRequiresRole(t *testing.T) {
	svc := newTestService(t, nil)

	_, sk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id, err := crypto.NewIdentity(sk, 0)
	require.NoError(t, err)

	_, msg1, err := crypto.NewInitiator(id, []byte(`{"role":"admin"}`))
	require.NoError(t, err)

	_, err = svc.Auth(context.Background(), msg1)
	var he *crypto.HandshakeError
	require.ErrorAs(t, err, &he)
	require.ErrorIs(t, err, ErrUnknownRole)

	_, err = svc.Auth(context.Background(), []byte("garbage"))
	require.ErrorAs(t, err, &he)
}

func TestService_UnknownChannelIsAuthenticationError(t *testing.T) {
	svc := newTestService(t, nil)
	other := newTestService(t, nil)

	router := handshake(t, other, protocol.RoleRouter)
	client := handshake(t, other, protocol.RoleClient)

	resp := svc.Query(context.Background(), wrapQuery(t, router.ch, client.ch, testKey(1)))
	require.Equal(t, protocol.StatusAuthenticationError, resp.Status)
	require.Equal(t, protocol.ScopeRouter, resp.Scope)
	require.Nil(t, resp.Envelope)

	// router channel known, client channel unknown
	ownRouter := handshake(t, svc, protocol.RoleRouter)
	resp = svc.Query(context.Background(), wrapQuery(t, ownRouter.ch, client.ch, testKey(1)))
	require.Equal(t, protocol.StatusAuthenticationError, resp.Status)
	require.Equal(t, protocol.ScopeClient, resp.Scope)

	// the router channel is still usable
	ownClient := handshake(t, svc, protocol.RoleClient)
	resp = svc.Query(context.Background(), wrapQuery(t, ownRouter.ch, ownClient.ch, testKey(1)))
	unwrapReply(t, ownRouter.ch, ownClient.ch, resp)
}

func TestService_RolesAreEnforced(t *testing.T) {
	svc := newTestService(t, nil)
	client := handshake(t, svc, protocol.RoleClient)
	client2 := handshake(t, svc, protocol.RoleClient)
	router := handshake(t, svc, protocol.RoleRouter)
	router2 := handshake(t, svc, protocol.RoleRouter)

	before := testutil.ToFloat64(metrics.ProtocolViolations.WithLabelValues("wrong_role"))

	resp := svc.Query(context.Background(), wrapQuery(t, client.ch, client2.ch, testKey(1)))
	require.Equal(t, protocol.StatusInvalidArgument, resp.Status)

	resp = svc.Query(context.Background(), wrapQuery(t, router.ch, router2.ch, testKey(1)))
	require.Equal(t, protocol.StatusInvalidArgument, resp.Status)

	require.Equal(t, before+2, testutil.ToFloat64(metrics.ProtocolViolations.WithLabelValues("wrong_role")))
}

func TestService_ReplayIsInvalidArgument(t *testing.T) {
	svc := newTestService(t, nil)
	router := handshake(t, svc, protocol.RoleRouter)
	client := handshake(t, svc, protocol.RoleClient)

	req := wrapQuery(t, router.ch, client.ch, testKey(1))

	first := svc.Query(context.Background(), req)
	require.Equal(t, protocol.StatusSuccess, first.Status)

	second := svc.Query(context.Background(), req)
	require.Equal(t, protocol.StatusInvalidArgument, second.Status)
	require.Nil(t, second.Envelope)
}

func TestService_TamperedAndMisaddressed(t *testing.T) {
	svc := newTestService(t, nil)
	router := handshake(t, svc, protocol.RoleRouter)
	client := handshake(t, svc, protocol.RoleClient)

	req := wrapQuery(t, router.ch, client.ch, testKey(1))
	req.Envelope.Ciphertext[0] ^= 0xff
	require.Equal(t, protocol.StatusInvalidArgument, svc.Query(context.Background(), req).Status)

	req = wrapQuery(t, router.ch, client.ch, testKey(1))
	req.Envelope.AAD = []byte("http://elsewhere")
	require.Equal(t, protocol.StatusInvalidArgument, svc.Query(context.Background(), req).Status)

	require.Equal(t, protocol.StatusInvalidArgument, svc.Query(context.Background(), &protocol.ShardQueryRequest{}).Status)

	// outer decrypts but does not carry an envelope
	outer, err := router.ch.Encrypt([]byte(testURI), []byte("not json"))
	require.NoError(t, err)
	require.Equal(t, protocol.StatusInvalidArgument, svc.Query(context.Background(), &protocol.ShardQueryRequest{Envelope: outer}).Status)

	// inner decrypts but is not a sub-request
	inner, err := client.ch.Encrypt(nil, []byte{0xff})
	require.NoError(t, err)
	innerJSON, err := json.Marshal(inner)
	require.NoError(t, err)
	outer, err = router.ch.Encrypt([]byte(testURI), innerJSON)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusInvalidArgument, svc.Query(context.Background(), &protocol.ShardQueryRequest{Envelope: outer}).Status)
}

func TestService_NotReadyBelowFloor(t *testing.T) {
	svc := newTestService(t, func(cfg *Config) {
		cfg.MinReadyBlocks = 10
	})
	router := handshake(t, svc, protocol.RoleRouter)
	client := handshake(t, svc, protocol.RoleClient)

	require.ErrorIs(t, svc.Ready(context.Background()), ErrNotReady)

	resp := svc.Query(context.Background(), wrapQuery(t, router.ch, client.ch, testKey(1)))
	require.Equal(t, protocol.StatusNotReady, resp.Status)
	require.Nil(t, resp.Envelope)
}

func TestService_WaitsForIngest(t *testing.T) {
	svc := newTestService(t, func(cfg *Config) {
		cfg.WaitForIngest = true
	})
	require.ErrorIs(t, svc.Ready(context.Background()), ErrNotReady)

	svc.MarkCaughtUp()
	require.NoError(t, svc.Ready(context.Background()))
}

func TestService_CompleteRangeIsReady(t *testing.T) {
	svc := newTestService(t, func(cfg *Config) {
		cfg.Range = ledger.BlockRange{Start: 0, End: 5}
		cfg.MinReadyBlocks = 100
	})
	require.NoError(t, svc.Ready(context.Background()))
}

func TestService_RotateKeysDropsChannels(t *testing.T) {
	svc := newTestService(t, nil)
	router := handshake(t, svc, protocol.RoleRouter)
	client := handshake(t, svc, protocol.RoleClient)
	oldStatic := router.peer.StaticKey

	require.NoError(t, svc.RotateKeys())
	require.Equal(t, uint64(1), svc.KeyEpoch())

	resp := svc.Query(context.Background(), wrapQuery(t, router.ch, client.ch, testKey(1)))
	require.Equal(t, protocol.StatusAuthenticationError, resp.Status)

	router = handshake(t, svc, protocol.RoleRouter)
	client = handshake(t, svc, protocol.RoleClient)
	require.NotEqual(t, oldStatic, router.peer.StaticKey)
	require.True(t, router.peer.IdentityKey.Equal(svc.PublicKey()))

	v := &attestation.Verifier{Provider: &attestation.DummyProvider{}}
	require.NoError(t, v.VerifySession(router.peer.StaticKey, router.peer.IdentityKey, router.data.Evidence))

	resp = svc.Query(context.Background(), wrapQuery(t, router.ch, client.ch, testKey(1)))
	unwrapReply(t, router.ch, client.ch, resp)
}

func TestService_ChannelTablesAreBoundedPerRole(t *testing.T) {
	svc := newTestService(t, func(cfg *Config) {
		cfg.MaxChannels = 2
		cfg.MaxRouterChannels = 1
	})
	router := handshake(t, svc, protocol.RoleRouter)
	first := handshake(t, svc, protocol.RoleClient)
	for i := 0; i < 8; i++ {
		handshake(t, svc, protocol.RoleClient)
	}
	latest := handshake(t, svc, protocol.RoleClient)

	// client churn evicts old clients but never the router session
	resp := svc.Query(context.Background(), wrapQuery(t, router.ch, first.ch, testKey(1)))
	require.Equal(t, protocol.StatusAuthenticationError, resp.Status)
	require.Equal(t, protocol.ScopeClient, resp.Scope)

	resp = svc.Query(context.Background(), wrapQuery(t, router.ch, latest.ch, testKey(1)))
	unwrapReply(t, router.ch, latest.ch, resp)

	// a second router does evict the first
	router2 := handshake(t, svc, protocol.RoleRouter)
	resp = svc.Query(context.Background(), wrapQuery(t, router.ch, latest.ch, testKey(1)))
	require.Equal(t, protocol.StatusAuthenticationError, resp.Status)
	require.Equal(t, protocol.ScopeRouter, resp.Scope)

	resp = svc.Query(context.Background(), wrapQuery(t, router2.ch, latest.ch, testKey(1)))
	unwrapReply(t, router2.ch, latest.ch, resp)
}

func TestService_RegistrationData(t *testing.T) {
	svc := newTestService(t, nil)

	signed, err := svc.RegistrationData()
	require.NoError(t, err)

	reg, signer, err := signed.Recover()
	require.NoError(t, err)
	require.True(t, signer.Equal(svc.PublicKey()))
	require.Equal(t, testURI, reg.URI)
	require.True(t, reg.IdentityKey.Equal(svc.PublicKey()))
	require.NoError(t, reg.Validate())

	v := &attestation.Verifier{Provider: &attestation.DummyProvider{}}
	_, err = v.Verify(reg.Attestation, attestation.RegistrationReportData(reg.URI, reg.IdentityKey))
	require.NoError(t, err)
}

func TestService_NoProviderSendsNoEvidence(t *testing.T) {
	svc := newTestService(t, func(cfg *Config) {
		cfg.Provider = nil
	})
	pc := handshake(t, svc, protocol.RoleClient)
	require.Empty(t, pc.data.Evidence)
	require.Empty(t, pc.data.AttestationType)

	signed, err := svc.RegistrationData()
	require.NoError(t, err)
	require.Empty(t, signed.UnsafeObject().Attestation)
}
