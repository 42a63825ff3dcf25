package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flashbots/ledger-router/crypto"
	"github.com/flashbots/ledger-router/metrics"
	"github.com/flashbots/ledger-router/protocol"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultShardTimeout bounds each per-shard query when none is configured.
const DefaultShardTimeout = 5 * time.Second

// ErrRequestCancelled is returned by Submit when the caller's context ends
// before every shard resolved.
var ErrRequestCancelled = errors.New("request cancelled")

// Router fans a client's multi-shard request out to every registered shard
// and returns exactly one outcome per shard.
type Router struct {
	registry     *Registry
	shardTimeout time.Duration
	log          *slog.Logger
}

func New(registry *Registry, shardTimeout time.Duration, log *slog.Logger) *Router {
	if shardTimeout <= 0 {
		shardTimeout = DefaultShardTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{registry: registry, shardTimeout: shardTimeout, log: log}
}

func (r *Router) Registry() *Registry {
	return r.registry
}

// Submit forwards each query to its shard concurrently. The response holds
// one outcome per shard of the registry snapshot taken at call start, in
// registration order. Shards the request does not address get
// InvalidArgument. Only a closed registry or a cancelled request fail the
// call.
func (r *Router) Submit(ctx context.Context, req *protocol.MultiShardRequest) (*protocol.MultiShardResponse, error) {
	start := time.Now()
	requestID := uuid.New().String()
	log := r.log.With("request_id", requestID)

	endpoints, err := r.registry.Snapshot()
	if err != nil {
		metrics.RouterSubmits.WithLabelValues("unavailable").Inc()
		return nil, err
	}

	envelopes := assignQueries(endpoints, req)
	outcomes := make([]protocol.Outcome, len(endpoints))

	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range endpoints {
		env := envelopes[i]
		if env == nil {
			outcomes[i] = protocol.InvalidArgument(ep.URI())
			continue
		}
		g.Go(func() error {
			outcomes[i] = ep.Query(gctx, env, r.shardTimeout)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		metrics.RouterSubmits.WithLabelValues("cancelled").Inc()
		log.Info("request cancelled", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrRequestCancelled, err)
	}

	for _, o := range outcomes {
		metrics.RouterOutcomes.WithLabelValues(o.Kind.String()).Inc()
		log.Debug("shard outcome", "shard", o.ShardURI, "kind", o.Kind.String())
	}
	metrics.RouterSubmits.WithLabelValues("ok").Inc()
	metrics.RouterSubmitDuration.Observe(time.Since(start).Seconds())

	return &protocol.MultiShardResponse{Outcomes: outcomes}, nil
}

// assignQueries matches queries to endpoints by ShardURI. When no query
// names a shard and there is one query per endpoint, they are matched by
// position. A uri addressed more than once is left unassigned.
func assignQueries(endpoints []*Endpoint, req *protocol.MultiShardRequest) []*crypto.Envelope {
	out := make([]*crypto.Envelope, len(endpoints))
	if req == nil {
		return out
	}

	named := false
	for _, q := range req.Queries {
		if q.ShardURI != "" {
			named = true
			break
		}
	}

	if !named {
		if len(req.Queries) == len(endpoints) {
			for i, q := range req.Queries {
				out[i] = q.Envelope
			}
		}
		return out
	}

	byURI := make(map[string]*crypto.Envelope, len(req.Queries))
	duplicate := make(map[string]bool)
	for _, q := range req.Queries {
		if q.ShardURI == "" || q.Envelope == nil {
			continue
		}
		if _, seen := byURI[q.ShardURI]; seen {
			duplicate[q.ShardURI] = true
		}
		byURI[q.ShardURI] = q.Envelope
	}

	for i, ep := range endpoints {
		if duplicate[ep.URI()] {
			continue
		}
		out[i] = byURI[ep.URI()]
	}
	return out
}
