package router

import (
	"context"
	"fmt"
	"testing"

	"github.com/flashbots/ledger-router/attestation"
	"github.com/flashbots/ledger-router/crypto"
	"github.com/flashbots/ledger-router/protocol"
	"github.com/stretchr/testify/require"
)

func testVerifier() *attestation.Verifier {
	return &attestation.Verifier{
		Provider: &attestation.DummyProvider{},
		Source:   attestation.DemoSource(),
	}
}

func newTestRegistry(t *testing.T, store RegistryStore) *Registry {
	t.Helper()
	r := NewRegistry(newEndpointConfig(t, nil), store, testVerifier(), nil)
	t.Cleanup(r.Close)
	return r
}

// signedRegistration builds a registration for uri whose attestation binds
// attestedURI, signed by a fresh key.
func signedRegistration(t *testing.T, uri, attestedURI string) (*protocol.Signed[protocol.ShardRegistration], crypto.PrivateKey) {
	t.Helper()

	pk, sk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	provider := &attestation.DummyProvider{}
	evidence, err := provider.Attest(attestation.RegistrationReportData(attestedURI, pk))
	require.NoError(t, err)

	signed, err := protocol.NewSigned(sk, &protocol.ShardRegistration{
		URI:             uri,
		IdentityKey:     pk,
		AttestationType: provider.AttestationType(),
		Attestation:     evidence,
	})
	require.NoError(t, err)
	return signed, sk
}

func validRegistration(t *testing.T, uri string) *protocol.Signed[protocol.ShardRegistration] {
	signed, _ := signedRegistration(t, uri, uri)
	return signed
}

func uris(r *Registry) []string {
	var out []string
	for _, d := range r.List() {
		out = append(out, d.URI)
	}
	return out
}

func TestRegistry_RegisterKeepsOrder(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	for i := range 3 {
		require.NoError(t, r.Register(ctx, validRegistration(t, fmt.Sprintf("http://shard-%d.test", i))))
	}

	require.Equal(t, []string{"http://shard-0.test", "http://shard-1.test", "http://shard-2.test"}, uris(r))

	for _, d := range r.List() {
		require.Equal(t, StateUnauthenticated, d.State)
		require.Equal(t, "Unauthenticated", d.StateName)
	}
}

func TestRegistry_ReRegisterReplacesInPlace(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, validRegistration(t, "http://a.test")))
	require.NoError(t, r.Register(ctx, validRegistration(t, "http://b.test")))

	before, err := r.Snapshot()
	require.NoError(t, err)
	old := before[0]

	replacement := validRegistration(t, "http://a.test")
	require.NoError(t, r.Register(ctx, replacement))

	after, err := r.Snapshot()
	require.NoError(t, err)
	require.Equal(t, []string{"http://a.test", "http://b.test"}, uris(r))
	require.NotSame(t, old, after[0])
	require.True(t, after[0].IdentityKey().Equal(replacement.Object.IdentityKey))
	require.Same(t, before[1], after[1])

	require.ErrorIs(t, old.Auth(ctx), ErrEndpointClosed)

	// the earlier snapshot is unaffected
	require.Same(t, old, before[0])
}

func TestRegistry_Remove(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	for _, uri := range []string{"http://a.test", "http://b.test", "http://c.test"} {
		require.NoError(t, r.Register(ctx, validRegistration(t, uri)))
	}
	snap, err := r.Snapshot()
	require.NoError(t, err)

	require.NoError(t, r.Remove(ctx, "http://b.test"))
	require.Equal(t, []string{"http://a.test", "http://c.test"}, uris(r))
	require.ErrorIs(t, snap[1].Auth(ctx), ErrEndpointClosed)

	require.ErrorIs(t, r.Remove(ctx, "http://b.test"), ErrShardNotFound)
}

func TestRegistry_RejectsInvalidRegistrations(t *testing.T) {
	ctx := context.Background()

	tamperedSig := validRegistration(t, "http://a.test")
	tamperedSig.Signature = append(crypto.Signature{}, tamperedSig.Signature...)
	tamperedSig.Signature[0] ^= 0xff

	otherSigner := validRegistration(t, "http://a.test")
	_, otherKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	otherSigner, err = protocol.NewSigned(otherKey, otherSigner.Object)
	require.NoError(t, err)

	wrongURI, _ := signedRegistration(t, "http://a.test", "http://b.test")

	pk, sk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	noEvidence, err := protocol.NewSigned(sk, &protocol.ShardRegistration{URI: "http://a.test", IdentityKey: pk})
	require.NoError(t, err)

	relative, _ := signedRegistration(t, "shard-a", "shard-a")

	cases := map[string]*protocol.Signed[protocol.ShardRegistration]{
		"tampered signature":   tamperedSig,
		"signer not identity":  otherSigner,
		"attested other uri":   wrongURI,
		"missing attestation":  noEvidence,
		"relative uri":         relative,
		"missing registration": {},
	}

	for name, signed := range cases {
		t.Run(name, func(t *testing.T) {
			r := newTestRegistry(t, nil)
			err := r.Register(ctx, signed)
			require.ErrorIs(t, err, ErrRegistrationRejected)
			require.Empty(t, r.List())
		})
	}
}

func TestRegistry_WithoutVerifierAcceptsUnattested(t *testing.T) {
	r := NewRegistry(newEndpointConfig(t, nil), nil, nil, nil)
	defer r.Close()

	pk, sk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signed, err := protocol.NewSigned(sk, &protocol.ShardRegistration{URI: "http://a.test", IdentityKey: pk})
	require.NoError(t, err)

	require.NoError(t, r.Register(context.Background(), signed))
	require.Len(t, r.List(), 1)
}

func TestRegistry_LoadRestoresOrder(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	first := newTestRegistry(t, store)
	for _, uri := range []string{"http://c.test", "http://a.test", "http://b.test"} {
		require.NoError(t, first.Register(ctx, validRegistration(t, uri)))
	}
	require.NoError(t, first.Register(ctx, validRegistration(t, "http://c.test")))
	require.NoError(t, first.Remove(ctx, "http://a.test"))

	// a stored record that no longer verifies is skipped
	bad, _ := signedRegistration(t, "http://d.test", "http://elsewhere.test")
	require.NoError(t, store.SaveShard(ctx, bad))

	second := newTestRegistry(t, store)
	require.NoError(t, second.Load(ctx))
	require.Equal(t, []string{"http://c.test", "http://b.test"}, uris(second))
}

func TestRegistry_Closed(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)
	require.NoError(t, r.Register(ctx, validRegistration(t, "http://a.test")))

	snap, err := r.Snapshot()
	require.NoError(t, err)

	r.Close()
	r.Close()

	_, err = r.Snapshot()
	require.ErrorIs(t, err, ErrRegistryUnavailable)
	require.ErrorIs(t, r.Register(ctx, validRegistration(t, "http://b.test")), ErrRegistryUnavailable)
	require.ErrorIs(t, r.Remove(ctx, "http://a.test"), ErrRegistryUnavailable)
	require.ErrorIs(t, r.Load(ctx), ErrRegistryUnavailable)
	require.ErrorIs(t, snap[0].Auth(ctx), ErrEndpointClosed)
}
