package testutil

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/flashbots/ledger-router/attestation"
	"github.com/flashbots/ledger-router/crypto"
	"github.com/flashbots/ledger-router/ledger"
	"github.com/flashbots/ledger-router/protocol"
	"github.com/flashbots/ledger-router/shard"
	"github.com/go-chi/chi/v5"
)

// QuietLogger discards everything.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// GenerateRandomBytes returns length random bytes.
func GenerateRandomBytes(length int) ([]byte, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

// GenerateTestKeyPair generates an Ed25519 key pair.
func GenerateTestKeyPair() (crypto.PublicKey, crypto.PrivateKey, error) {
	return crypto.GenerateKeyPair()
}

// GenerateTestIdentity returns an identity at key epoch 0.
func GenerateTestIdentity() (*crypto.Identity, error) {
	_, sk, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return crypto.NewIdentity(sk, 0)
}

// TestKey returns a key whose first byte is b.
func TestKey(b byte) protocol.Key {
	var k protocol.Key
	k[0] = b
	return k
}

// ShardOption customises a test shard.
type ShardOption func(*shard.Config)

// WithBlocks ingests blocks [0, n); block i introduces TestKey(i+1).
func WithBlocks(n int) ShardOption {
	return func(cfg *shard.Config) {
		o := ledger.NewMemoryOracle(cfg.Range)
		for i := cfg.Range.Start; i < cfg.Range.Start+uint64(n); i++ {
			o.Append(context.Background(), &ledger.Block{Index: i, Keys: []protocol.Key{TestKey(byte(i + 1))}})
		}
		cfg.Oracle = o
	}
}

// WithOracle serves from the given oracle.
func WithOracle(o ledger.Oracle) ShardOption {
	return func(cfg *shard.Config) {
		cfg.Oracle = o
	}
}

// WithMinReadyBlocks sets the readiness floor.
func WithMinReadyBlocks(n uint64) ShardOption {
	return func(cfg *shard.Config) {
		cfg.MinReadyBlocks = n
	}
}

// WithoutAttestation starts the shard without an attestation provider.
func WithoutAttestation() ShardOption {
	return func(cfg *shard.Config) {
		cfg.Provider = nil
	}
}

// Shard is an in-process shard served over httptest.
type Shard struct {
	URI     string
	Service *shard.Service
	Server  *httptest.Server
}

// StartShard starts a shard with a DummyProvider and an empty memory
// oracle, closed with the test.
func StartShard(t testing.TB, opts ...ShardOption) *Shard {
	t.Helper()

	_, sk, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewUnstartedServer(nil)
	uri := "http://" + ts.Listener.Addr().String()

	cfg := &shard.Config{
		URI:        uri,
		SigningKey: sk,
		Provider:   &attestation.DummyProvider{},
		Log:        QuietLogger(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Oracle == nil {
		cfg.Oracle = ledger.NewMemoryOracle(cfg.Range)
	}

	svc, err := shard.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	shard.NewHandler(svc, "admin:secret", QuietLogger()).RegisterRoutes(r)
	ts.Config.Handler = r
	ts.Start()

	t.Cleanup(func() {
		ts.Close()
		svc.Close()
	})

	return &Shard{URI: uri, Service: svc, Server: ts}
}

// Registration returns the shard's signed registration.
func (s *Shard) Registration(t testing.TB) *protocol.Signed[protocol.ShardRegistration] {
	t.Helper()
	signed, err := s.Service.RegistrationData()
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

// ClientChannel establishes a client-role channel directly with the shard,
// bypassing the router relay.
func (s *Shard) ClientChannel(t testing.TB) *crypto.Channel {
	t.Helper()

	id, err := GenerateTestIdentity()
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(&protocol.HandshakeData{Role: protocol.RoleClient})

	init, msg1, err := crypto.NewInitiator(id, data)
	if err != nil {
		t.Fatal(err)
	}
	msg2, err := s.Service.Auth(context.Background(), msg1)
	if err != nil {
		t.Fatal(err)
	}
	ch, _, err := init.Finish(msg2)
	if err != nil {
		t.Fatal(err)
	}
	return ch
}

// EncryptKeys seals a sub-request for keys on a client channel.
func EncryptKeys(t testing.TB, ch *crypto.Channel, keys ...protocol.Key) *crypto.Envelope {
	t.Helper()

	plaintext, err := protocol.EncodeSubRequest(&protocol.SubRequest{Keys: keys})
	if err != nil {
		t.Fatal(err)
	}
	env, err := ch.Encrypt(nil, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

// DecryptSubResponse opens a Success outcome's envelope on a client channel.
func DecryptSubResponse(t testing.TB, ch *crypto.Channel, env *crypto.Envelope) *protocol.SubResponse {
	t.Helper()

	plaintext, err := ch.Decrypt(env)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := protocol.DecodeSubResponse(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}
