package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flashbots/ledger-router/attestation"
	"github.com/flashbots/ledger-router/crypto"
	"github.com/flashbots/ledger-router/metrics"
	"github.com/flashbots/ledger-router/protocol"
)

// ErrEndpointClosed is returned by Auth once the endpoint was removed.
var ErrEndpointClosed = errors.New("endpoint closed")

// State is the authentication state of a shard endpoint.
type State uint8

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateAuthenticationFailed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "Unauthenticated"
	case StateAuthenticated:
		return "Authenticated"
	case StateAuthenticationFailed:
		return "AuthenticationFailed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ShardDescriptor is a point-in-time view of an endpoint.
type ShardDescriptor struct {
	URI         string           `json:"uri"`
	IdentityKey crypto.PublicKey `json:"identity_key"`
	State       State            `json:"-"`
	StateName   string           `json:"state"`
}

// Endpoint is the router's connection to one shard. It owns the
// router-to-shard channel; the channel never leaves the endpoint.
type Endpoint struct {
	uri         string
	identityKey crypto.PublicKey
	identity    *crypto.Identity
	transport   Transport
	verifier    *attestation.Verifier
	log         *slog.Logger

	// serialises handshakes
	authMu sync.Mutex

	mu     sync.RWMutex
	state  State
	ch     *crypto.Channel
	closed bool
}

// EndpointConfig holds what an endpoint needs besides its registration.
type EndpointConfig struct {
	// Identity is the router's own identity used as handshake initiator.
	Identity  *crypto.Identity
	Transport Transport
	// Verifier checks the shard's handshake evidence. A nil verifier
	// accepts shards without evidence.
	Verifier *attestation.Verifier
	Log      *slog.Logger
}

// NewEndpoint creates an unauthenticated endpoint. If identityKey is set,
// handshakes with any other shard identity are rejected.
func NewEndpoint(cfg *EndpointConfig, uri string, identityKey crypto.PublicKey) *Endpoint {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Endpoint{
		uri:         uri,
		identityKey: identityKey,
		identity:    cfg.Identity,
		transport:   cfg.Transport,
		verifier:    cfg.Verifier,
		log:         log.With("shard", uri),
	}
}

func (e *Endpoint) URI() string {
	return e.uri
}

func (e *Endpoint) IdentityKey() crypto.PublicKey {
	return e.identityKey
}

func (e *Endpoint) Descriptor() ShardDescriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return ShardDescriptor{
		URI:         e.uri,
		IdentityKey: e.identityKey,
		State:       e.state,
		StateName:   e.state.String(),
	}
}

func (e *Endpoint) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Auth runs a fresh handshake with the shard. On success the new channel
// replaces the previous one, which is closed. Cancellation and transport
// failures leave the endpoint Unauthenticated; a rejected or unverifiable
// handshake leaves it AuthenticationFailed. In both cases the previous
// channel is dropped.
func (e *Endpoint) Auth(ctx context.Context) error {
	e.authMu.Lock()
	defer e.authMu.Unlock()
	return e.auth(ctx)
}

func (e *Endpoint) auth(ctx context.Context) error {
	if e.isClosed() {
		return ErrEndpointClosed
	}

	ch, err := e.handshake(ctx)
	if err != nil {
		var he *crypto.HandshakeError
		if errors.As(err, &he) && ctx.Err() == nil {
			e.reset(StateAuthenticationFailed)
			metrics.Handshakes.WithLabelValues("router", "rejected").Inc()
			e.log.Warn("shard handshake rejected", "err", err)
		} else {
			e.reset(StateUnauthenticated)
			metrics.Handshakes.WithLabelValues("router", "failed").Inc()
			e.log.Debug("shard handshake failed", "err", err)
		}
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		ch.Close()
		return ErrEndpointClosed
	}
	old := e.ch
	e.ch = ch
	e.state = StateAuthenticated
	e.mu.Unlock()

	if old != nil {
		old.Close()
	}
	metrics.Handshakes.WithLabelValues("router", "ok").Inc()
	e.log.Debug("shard authenticated", "channel", ch.IDString())
	return nil
}

// handshake returns a verified channel or an error. Transport and context
// errors are returned as is; anything the shard got wrong is a
// HandshakeError.
func (e *Endpoint) handshake(ctx context.Context) (*crypto.Channel, error) {
	data, err := json.Marshal(&protocol.HandshakeData{Role: protocol.RoleRouter})
	if err != nil {
		return nil, err
	}

	init, msg1, err := crypto.NewInitiator(e.identity, data)
	if err != nil {
		return nil, err
	}

	resp, err := e.transport.Auth(ctx, e.uri, &protocol.AuthRequest{Message: msg1})
	if errors.Is(err, ErrHandshakeRejected) {
		return nil, &crypto.HandshakeError{Err: err}
	}
	if err != nil {
		return nil, err
	}

	ch, peer, err := init.Finish(resp.Message)
	if err != nil {
		return nil, err
	}

	if err := e.verifyPeer(peer); err != nil {
		ch.Close()
		return nil, &crypto.HandshakeError{Err: err}
	}

	// a reply that arrives after cancellation is discarded
	if err := ctx.Err(); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

func (e *Endpoint) verifyPeer(peer *crypto.Peer) error {
	if len(e.identityKey) != 0 && !e.identityKey.Equal(peer.IdentityKey) {
		return fmt.Errorf("shard identity %s does not match registered %s", peer.IdentityKey, e.identityKey)
	}

	var data protocol.HandshakeData
	if len(peer.Data) > 0 {
		if err := json.Unmarshal(peer.Data, &data); err != nil {
			return fmt.Errorf("decoding handshake data: %w", err)
		}
	}
	return e.verifier.VerifySession(peer.StaticKey, peer.IdentityKey, data.Evidence)
}

func (e *Endpoint) reset(state State) {
	e.mu.Lock()
	old := e.ch
	e.ch = nil
	e.state = state
	e.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// invalidate drops ch if it is still the current channel.
func (e *Endpoint) invalidate(ch *crypto.Channel) {
	e.mu.Lock()
	if e.ch == ch {
		e.ch = nil
		e.state = StateUnauthenticated
	}
	e.mu.Unlock()
	ch.Close()
}

func (e *Endpoint) channel() *crypto.Channel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != StateAuthenticated {
		return nil
	}
	return e.ch
}

func (e *Endpoint) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// ensureChannel returns the current channel, authenticating first if
// needed. Concurrent callers share one handshake.
func (e *Endpoint) ensureChannel(ctx context.Context) (*crypto.Channel, error) {
	if ch := e.channel(); ch != nil {
		return ch, nil
	}

	e.authMu.Lock()
	defer e.authMu.Unlock()

	if ch := e.channel(); ch != nil {
		return ch, nil
	}
	if err := e.auth(ctx); err != nil {
		return nil, err
	}
	if ch := e.channel(); ch != nil {
		return ch, nil
	}
	return nil, ErrEndpointClosed
}

// Query forwards a client envelope to the shard and maps the reply to an
// outcome. It never fails: every error is expressed as an outcome kind.
func (e *Endpoint) Query(ctx context.Context, env *crypto.Envelope, timeout time.Duration) protocol.Outcome {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch, err := e.ensureChannel(ctx)
	if err != nil {
		var he *crypto.HandshakeError
		if errors.As(err, &he) {
			return protocol.AuthenticationError(e.uri)
		}
		return protocol.NotReady(e.uri)
	}

	inner, err := json.Marshal(env)
	if err != nil {
		return protocol.InvalidArgument(e.uri)
	}

	outer, err := ch.Encrypt([]byte(e.uri), inner)
	if err != nil {
		// closed by a concurrent re-auth or out of nonces; the next query
		// handshakes again
		e.invalidate(ch)
		return protocol.NotReady(e.uri)
	}

	resp, err := e.transport.Query(ctx, e.uri, &protocol.ShardQueryRequest{Envelope: outer})
	if err != nil {
		e.log.Debug("shard query failed", "err", err)
		return protocol.NotReady(e.uri)
	}

	switch resp.Status.OutcomeKind() {
	case protocol.OutcomeSuccess:
		return e.openReply(ch, resp.Envelope)
	case protocol.OutcomeAuthenticationError:
		// only the shard's view of our own channel concerns the endpoint;
		// a stale client channel is the client's to repair
		if resp.Scope != protocol.ScopeClient {
			e.invalidate(ch)
		}
		return protocol.AuthenticationError(e.uri)
	case protocol.OutcomeNotReady:
		return protocol.NotReady(e.uri)
	default:
		return protocol.InvalidArgument(e.uri)
	}
}

func (e *Endpoint) openReply(ch *crypto.Channel, env *crypto.Envelope) protocol.Outcome {
	if env == nil {
		e.violation("missing_envelope", nil)
		return protocol.InvalidArgument(e.uri)
	}
	if !bytes.Equal(env.AAD, []byte(e.uri)) {
		e.violation("aad_mismatch", nil)
		return protocol.InvalidArgument(e.uri)
	}

	plaintext, err := ch.Decrypt(env)
	if err != nil {
		reason := "decrypt"
		var de *crypto.DecryptError
		if errors.As(err, &de) {
			if de.Reason == crypto.UnknownChannel && ch.Closed() {
				// superseded by a re-auth while this reply was in flight
				return protocol.NotReady(e.uri)
			}
			reason = de.Reason.String()
		}
		e.violation(reason, err)
		return protocol.InvalidArgument(e.uri)
	}

	var inner crypto.Envelope
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		e.violation("decode", err)
		return protocol.InvalidArgument(e.uri)
	}
	return protocol.Success(e.uri, &inner)
}

func (e *Endpoint) violation(reason string, err error) {
	metrics.ProtocolViolations.WithLabelValues(reason).Inc()
	e.log.Error("protocol_violation", "reason", reason, "err", err)
}

// Close drops the channel and zeroes its keys. A closed endpoint never
// authenticates again.
func (e *Endpoint) Close() {
	e.mu.Lock()
	e.closed = true
	old := e.ch
	e.ch = nil
	e.state = StateUnauthenticated
	e.mu.Unlock()

	if old != nil {
		old.Close()
	}
}
