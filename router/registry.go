package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/flashbots/ledger-router/attestation"
	"github.com/flashbots/ledger-router/metrics"
	"github.com/flashbots/ledger-router/protocol"
	"go.uber.org/atomic"
)

var (
	// ErrRegistryUnavailable is returned once the registry is closed.
	ErrRegistryUnavailable = errors.New("shard registry unavailable")
	ErrShardNotFound       = errors.New("shard not registered")
	// ErrRegistrationRejected wraps every reason a signed registration is
	// refused.
	ErrRegistrationRejected = errors.New("registration rejected")
)

// Registry is the router's ordered set of shard endpoints.
//
// Writers are serialised by a mutex and publish a new immutable slice;
// readers load the current slice without locking.
type Registry struct {
	endpoints *EndpointConfig
	store     RegistryStore
	// Verifier checks registration attestations. Nil accepts registrations
	// without attestation.
	verifier *attestation.Verifier
	log      *slog.Logger

	mu       sync.Mutex
	snapshot atomic.Pointer[[]*Endpoint]
	closed   atomic.Bool
}

// NewRegistry creates an empty registry. Call Load to restore persisted
// registrations.
func NewRegistry(endpoints *EndpointConfig, store RegistryStore, verifier *attestation.Verifier, log *slog.Logger) *Registry {
	if store == nil {
		store = NewInMemoryStore()
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		endpoints: endpoints,
		store:     store,
		verifier:  verifier,
		log:       log,
	}
	empty := []*Endpoint{}
	r.snapshot.Store(&empty)
	return r
}

// Load replaces the in-memory set with the persisted registrations, in
// their stored order. Registrations that no longer verify are skipped.
func (r *Registry) Load(ctx context.Context) error {
	stored, err := r.store.LoadShards(ctx)
	if err != nil {
		return fmt.Errorf("loading registrations: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return ErrRegistryUnavailable
	}

	next := make([]*Endpoint, 0, len(stored))
	for _, signed := range stored {
		reg, err := r.verify(signed)
		if err != nil {
			r.log.Warn("skipping stored registration", "err", err)
			continue
		}
		next = append(next, NewEndpoint(r.endpoints, reg.URI, reg.IdentityKey))
	}

	for _, ep := range *r.snapshot.Load() {
		ep.Close()
	}
	r.publish(next)
	return nil
}

// Register verifies a signed registration and adds the shard.
func (r *Registry) Register(ctx context.Context, signed *protocol.Signed[protocol.ShardRegistration]) error {
	if _, err := r.verify(signed); err != nil {
		return err
	}
	return r.add(ctx, signed)
}

func (r *Registry) verify(signed *protocol.Signed[protocol.ShardRegistration]) (*protocol.ShardRegistration, error) {
	reg, signer, err := signed.Recover()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationRejected, err)
	}
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationRejected, err)
	}
	if !signer.Equal(reg.IdentityKey) {
		return nil, fmt.Errorf("%w: signer does not match identity key", ErrRegistrationRejected)
	}
	if _, err := r.verifier.Verify(reg.Attestation, attestation.RegistrationReportData(reg.URI, reg.IdentityKey)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationRejected, err)
	}
	return reg, nil
}

// add persists the registration and publishes it. An already registered
// uri is replaced in place and its old endpoint closed.
func (r *Registry) add(ctx context.Context, signed *protocol.Signed[protocol.ShardRegistration]) error {
	reg := signed.Object

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return ErrRegistryUnavailable
	}

	if err := r.store.SaveShard(ctx, signed); err != nil {
		return fmt.Errorf("persisting registration: %w", err)
	}

	ep := NewEndpoint(r.endpoints, reg.URI, reg.IdentityKey)

	current := *r.snapshot.Load()
	next := slices.Clone(current)

	var replaced *Endpoint
	if idx := indexOf(current, reg.URI); idx >= 0 {
		replaced = next[idx]
		next[idx] = ep
	} else {
		next = append(next, ep)
	}
	r.publish(next)

	if replaced != nil {
		replaced.Close()
	}
	r.log.Info("shard registered", "shard", reg.URI, "identity", reg.IdentityKey.String(), "replaced", replaced != nil)
	return nil
}

// Remove unregisters a shard and closes its endpoint.
func (r *Registry) Remove(ctx context.Context, uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return ErrRegistryUnavailable
	}

	current := *r.snapshot.Load()
	idx := indexOf(current, uri)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrShardNotFound, uri)
	}

	if err := r.store.DeleteShard(ctx, uri); err != nil {
		return fmt.Errorf("deleting registration: %w", err)
	}

	removed := current[idx]
	r.publish(slices.Delete(slices.Clone(current), idx, idx+1))
	removed.Close()

	r.log.Info("shard removed", "shard", uri)
	return nil
}

func (r *Registry) publish(next []*Endpoint) {
	r.snapshot.Store(&next)
	metrics.RegistrySize.Set(float64(len(next)))
}

func indexOf(endpoints []*Endpoint, uri string) int {
	return slices.IndexFunc(endpoints, func(ep *Endpoint) bool {
		return ep.URI() == uri
	})
}

// Snapshot returns the current endpoints in registration order. The slice
// must not be modified.
func (r *Registry) Snapshot() ([]*Endpoint, error) {
	if r.closed.Load() {
		return nil, ErrRegistryUnavailable
	}
	return *r.snapshot.Load(), nil
}

// List describes the registered shards in order.
func (r *Registry) List() []ShardDescriptor {
	current := *r.snapshot.Load()
	out := make([]ShardDescriptor, len(current))
	for i, ep := range current {
		out[i] = ep.Descriptor()
	}
	return out
}

// Close closes every endpoint. Later calls fail with
// ErrRegistryUnavailable.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Swap(true) {
		return
	}
	for _, ep := range *r.snapshot.Load() {
		ep.Close()
	}
}
