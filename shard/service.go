package shard

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flashbots/ledger-router/attestation"
	"github.com/flashbots/ledger-router/crypto"
	"github.com/flashbots/ledger-router/ledger"
	"github.com/flashbots/ledger-router/metrics"
	"github.com/flashbots/ledger-router/protocol"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"
)

const (
	// DefaultMaxChannels bounds the client channel table when
	// Config.MaxChannels is unset.
	DefaultMaxChannels = 4096
	// DefaultMaxRouterChannels bounds the router channel table.
	DefaultMaxRouterChannels = 64
)

var (
	// ErrNotReady is returned by Ready while the shard is still catching up.
	ErrNotReady = errors.New("shard not ready")
	// ErrUnknownRole is returned when a handshake declares no valid role.
	ErrUnknownRole = errors.New("handshake declares unknown role")
)

// Config configures a shard Service.
type Config struct {
	// URI is the address the router knows this shard by. Outer envelopes
	// must carry it as associated data.
	URI string

	SigningKey crypto.PrivateKey
	KeyEpoch   uint64

	// Provider produces handshake and registration evidence. Nil sends no
	// evidence.
	Provider attestation.Provider

	Oracle ledger.Oracle
	Range  ledger.BlockRange

	// MinReadyBlocks is the number of blocks of the range that must be
	// ingested before queries are answered.
	MinReadyBlocks uint64

	// WaitForIngest keeps the shard not ready until an ingestor reports it
	// has caught up with its source.
	WaitForIngest bool

	// MaxChannels and MaxRouterChannels size the client and router channel
	// tables. Client handshakes never evict router sessions.
	MaxChannels       int
	MaxRouterChannels int

	Log *slog.Logger
}

type session struct {
	ch   *crypto.Channel
	role protocol.Role
	peer crypto.PublicKey
}

// Service answers handshakes and encrypted sub-requests for one shard.
type Service struct {
	cfg    *Config
	log    *slog.Logger
	oracle ledger.Oracle

	// guards identity and evidence; held for reading across a handshake so a
	// rotation never wipes a key in use
	mu       sync.RWMutex
	identity *crypto.Identity
	evidence []byte

	// channels held per role, keyed by hex channel id
	routers  *lru.Cache[string, *session]
	clients  *lru.Cache[string, *session]
	caughtUp atomic.Bool
}

// New creates a shard service. The caller owns cfg.Oracle.
func New(cfg *Config) (*Service, error) {
	if cfg.Oracle == nil {
		return nil, errors.New("shard requires an oracle")
	}

	identity, err := crypto.NewIdentity(cfg.SigningKey, cfg.KeyEpoch)
	if err != nil {
		return nil, fmt.Errorf("deriving identity: %w", err)
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		cfg:      cfg,
		log:      log.With("shard", cfg.URI),
		oracle:   cfg.Oracle,
		identity: identity,
	}

	s.evidence, err = s.attest(identity)
	if err != nil {
		return nil, err
	}

	if s.routers, err = newChannelTable(cfg.MaxRouterChannels, DefaultMaxRouterChannels); err != nil {
		return nil, err
	}
	if s.clients, err = newChannelTable(cfg.MaxChannels, DefaultMaxChannels); err != nil {
		return nil, err
	}

	s.caughtUp.Store(!cfg.WaitForIngest)
	return s, nil
}

func newChannelTable(size, def int) (*lru.Cache[string, *session], error) {
	if size <= 0 {
		size = def
	}
	return lru.NewWithEvict(size, func(_ string, sess *session) {
		sess.ch.Close()
	})
}

func (s *Service) table(role protocol.Role) *lru.Cache[string, *session] {
	if role == protocol.RoleRouter {
		return s.routers
	}
	return s.clients
}

func (s *Service) updateChannelGauges() {
	metrics.ShardChannels.WithLabelValues(string(protocol.RoleRouter)).Set(float64(s.routers.Len()))
	metrics.ShardChannels.WithLabelValues(string(protocol.RoleClient)).Set(float64(s.clients.Len()))
}

func (s *Service) attest(identity *crypto.Identity) ([]byte, error) {
	if s.cfg.Provider == nil {
		return nil, nil
	}
	evidence, err := s.cfg.Provider.Attest(attestation.SessionReportData(identity.Static.Public, identity.PublicKey()))
	if err != nil {
		return nil, fmt.Errorf("attesting static key: %w", err)
	}
	return evidence, nil
}

// PublicKey returns the shard's identity key.
func (s *Service) PublicKey() crypto.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.PublicKey()
}

// Auth runs the responder side of a handshake. The initiator declares its
// role in the handshake payload; the reply carries attestation evidence
// for the shard's current static key.
func (s *Service) Auth(_ context.Context, msg1 []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reply, err := json.Marshal(&protocol.HandshakeData{
		AttestationType: s.attestationType(),
		Evidence:        s.evidence,
	})
	if err != nil {
		return nil, err
	}

	ch, msg2, peer, err := crypto.Respond(s.identity, msg1, reply)
	if err != nil {
		metrics.Handshakes.WithLabelValues("shard", "rejected").Inc()
		return nil, err
	}

	var data protocol.HandshakeData
	if err := json.Unmarshal(peer.Data, &data); err != nil || !data.Role.Valid() {
		ch.Close()
		metrics.Handshakes.WithLabelValues("shard", "rejected").Inc()
		return nil, &crypto.HandshakeError{Err: ErrUnknownRole}
	}

	s.table(data.Role).Add(ch.IDString(), &session{ch: ch, role: data.Role, peer: peer.IdentityKey})
	metrics.Handshakes.WithLabelValues("shard", "ok").Inc()
	s.updateChannelGauges()

	s.log.Debug("channel established", "role", data.Role, "peer", peer.IdentityKey.String(), "channel", ch.IDString())
	return msg2, nil
}

func (s *Service) attestationType() string {
	if s.cfg.Provider == nil {
		return ""
	}
	return s.cfg.Provider.AttestationType()
}

// Query answers one router-wrapped sub-request. It never returns an error:
// every failure maps to a status, and only Success carries an envelope.
func (s *Service) Query(ctx context.Context, req *protocol.ShardQueryRequest) *protocol.ShardQueryResponse {
	resp := s.query(ctx, req)
	metrics.ShardQueries.WithLabelValues(resp.Status.String()).Inc()
	return resp
}

func statusReply(status protocol.ShardStatus) *protocol.ShardQueryResponse {
	return &protocol.ShardQueryResponse{Status: status}
}

// authReply tells the router which channel has to be re-established.
func authReply(scope protocol.ChannelScope) *protocol.ShardQueryResponse {
	return &protocol.ShardQueryResponse{Status: protocol.StatusAuthenticationError, Scope: scope}
}

func (s *Service) query(ctx context.Context, req *protocol.ShardQueryRequest) *protocol.ShardQueryResponse {
	if req == nil || req.Envelope == nil {
		s.violation("missing_envelope", nil)
		return statusReply(protocol.StatusInvalidArgument)
	}

	router, resp := s.lookup(req.Envelope.ChannelID, protocol.RoleRouter)
	if resp != nil {
		return resp
	}
	if s.cfg.URI != "" && string(req.Envelope.AAD) != s.cfg.URI {
		s.violation("aad_mismatch", nil)
		return statusReply(protocol.StatusInvalidArgument)
	}

	outer, err := router.ch.Decrypt(req.Envelope)
	if err != nil {
		return s.decryptFailure(err, protocol.ScopeRouter)
	}

	if err := s.Ready(ctx); err != nil {
		return statusReply(protocol.StatusNotReady)
	}

	var inner crypto.Envelope
	if err := json.Unmarshal(outer, &inner); err != nil {
		s.violation("decode", err)
		return statusReply(protocol.StatusInvalidArgument)
	}

	client, resp := s.lookup(inner.ChannelID, protocol.RoleClient)
	if resp != nil {
		return resp
	}

	plaintext, err := client.ch.Decrypt(&inner)
	if err != nil {
		return s.decryptFailure(err, protocol.ScopeClient)
	}

	subReq, err := protocol.DecodeSubRequest(plaintext)
	if err != nil {
		s.violation("decode", err)
		return statusReply(protocol.StatusInvalidArgument)
	}

	subResp, err := s.answer(ctx, subReq)
	if err != nil {
		s.log.Warn("oracle unavailable", "err", err)
		return statusReply(protocol.StatusNotReady)
	}

	encoded, err := protocol.EncodeSubResponse(subResp)
	if err != nil {
		s.log.Error("encoding sub-response", "err", err)
		return statusReply(protocol.StatusInvalidArgument)
	}

	innerReply, err := client.ch.Encrypt(nil, encoded)
	if err != nil {
		return s.channelFailure(client, err)
	}
	innerJSON, err := json.Marshal(innerReply)
	if err != nil {
		return statusReply(protocol.StatusInvalidArgument)
	}
	outerReply, err := router.ch.Encrypt([]byte(s.cfg.URI), innerJSON)
	if err != nil {
		return s.channelFailure(router, err)
	}

	return &protocol.ShardQueryResponse{Status: protocol.StatusSuccess, Envelope: outerReply}
}

// lookup finds a live session for id in the table of role. A channel held
// under the other role is a protocol violation; a missing one asks the peer
// of that layer to re-authenticate.
func (s *Service) lookup(id []byte, role protocol.Role) (*session, *protocol.ShardQueryResponse) {
	scope, other := protocol.ScopeRouter, protocol.RoleClient
	if role == protocol.RoleClient {
		scope, other = protocol.ScopeClient, protocol.RoleRouter
	}
	if len(id) == 0 {
		return nil, authReply(scope)
	}

	key := hex.EncodeToString(id)
	if sess, ok := s.table(role).Get(key); ok && !sess.ch.Closed() {
		return sess, nil
	}
	if _, ok := s.table(other).Peek(key); ok {
		s.violation("wrong_role", nil)
		return nil, statusReply(protocol.StatusInvalidArgument)
	}
	return nil, authReply(scope)
}

// decryptFailure maps a decryption failure to the reply sent to the router.
// A channel closed between lookup and use is reported like an unknown one.
func (s *Service) decryptFailure(err error, scope protocol.ChannelScope) *protocol.ShardQueryResponse {
	var de *crypto.DecryptError
	if errors.As(err, &de) && de.Reason == crypto.UnknownChannel {
		return authReply(scope)
	}

	reason := "decrypt"
	if de != nil {
		reason = de.Reason.String()
	}
	s.violation(reason, err)
	return statusReply(protocol.StatusInvalidArgument)
}

// channelFailure drops a channel that can no longer encrypt, so its peer
// re-authenticates.
func (s *Service) channelFailure(sess *session, err error) *protocol.ShardQueryResponse {
	s.log.Warn("dropping channel", "channel", sess.ch.IDString(), "role", sess.role, "err", err)
	s.table(sess.role).Remove(sess.ch.IDString())
	s.updateChannelGauges()

	if sess.role == protocol.RoleRouter {
		return authReply(protocol.ScopeRouter)
	}
	return authReply(protocol.ScopeClient)
}

func (s *Service) violation(reason string, err error) {
	metrics.ProtocolViolations.WithLabelValues(reason).Inc()
	s.log.Error("protocol_violation", "reason", reason, "err", err)
}

func (s *Service) answer(ctx context.Context, req *protocol.SubRequest) (*protocol.SubResponse, error) {
	freshness, err := s.oracle.Freshness(ctx)
	if err != nil {
		return nil, err
	}

	resp := &protocol.SubResponse{
		Freshness:       freshness.Blocks,
		GlobalItemCount: freshness.Items,
		Results:         make([]protocol.ItemResult, len(req.Keys)),
	}
	for i, key := range req.Keys {
		item := protocol.ItemResult{Key: key, Code: protocol.ResultNotFound}
		res, err := s.oracle.Lookup(ctx, key)
		switch {
		case err != nil:
			s.log.Warn("lookup failed", "key", key.String(), "err", err)
			item.Code = protocol.ResultError
		case res.FoundAt != nil:
			item.Code = protocol.ResultFound
			item.LocatedAt = *res.FoundAt
		}
		resp.Results[i] = item
	}
	return resp, nil
}

// Ready returns nil once the shard has ingested enough of its range to
// answer queries.
func (s *Service) Ready(ctx context.Context) error {
	if !s.caughtUp.Load() {
		return fmt.Errorf("%w: ingestion has not caught up", ErrNotReady)
	}

	freshness, err := s.oracle.Freshness(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	metrics.ShardFreshness.Set(float64(freshness.Blocks))

	if s.cfg.Range.Complete(freshness.Blocks) {
		return nil
	}
	if freshness.Blocks-s.cfg.Range.Start < s.cfg.MinReadyBlocks {
		return fmt.Errorf("%w: %d of %d blocks ingested", ErrNotReady, freshness.Blocks-s.cfg.Range.Start, s.cfg.MinReadyBlocks)
	}
	return nil
}

// MarkCaughtUp records that ingestion reached the head of its source.
func (s *Service) MarkCaughtUp() {
	if !s.caughtUp.Swap(true) {
		s.log.Info("ingestion caught up")
	}
}

// RotateKeys moves the shard to the next key epoch. Every channel, router
// and client alike, is closed; peers see AuthenticationError and
// re-authenticate against the new static key.
func (s *Service) RotateKeys() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.identity.Rotate()
	if err != nil {
		return err
	}
	evidence, err := s.attest(next)
	if err != nil {
		next.Wipe()
		return err
	}

	s.identity.Wipe()
	s.identity = next
	s.evidence = evidence

	s.routers.Purge()
	s.clients.Purge()
	s.updateChannelGauges()

	s.log.Info("rotated static key", "epoch", next.Epoch)
	return nil
}

// KeyEpoch returns the current key epoch.
func (s *Service) KeyEpoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.Epoch
}

// RegistrationData returns the signed registration an administrator
// forwards to the router. The attestation binds the uri to the identity
// key.
func (s *Service) RegistrationData() (*protocol.Signed[protocol.ShardRegistration], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg := &protocol.ShardRegistration{
		URI:         s.cfg.URI,
		IdentityKey: s.identity.PublicKey(),
	}
	if s.cfg.Provider != nil {
		evidence, err := s.cfg.Provider.Attest(attestation.RegistrationReportData(reg.URI, reg.IdentityKey))
		if err != nil {
			return nil, fmt.Errorf("attesting registration: %w", err)
		}
		reg.AttestationType = s.cfg.Provider.AttestationType()
		reg.Attestation = evidence
	}

	return protocol.NewSigned(s.identity.SigningKey, reg)
}

// Close drops every channel. The oracle is left open.
func (s *Service) Close() {
	s.routers.Purge()
	s.clients.Purge()
	s.updateChannelGauges()

	s.mu.Lock()
	s.identity.Wipe()
	s.mu.Unlock()
}
