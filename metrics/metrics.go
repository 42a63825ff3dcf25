// Package metrics defines the prometheus collectors shared by the router,
// shard and client, and a small server exposing them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ledger_router"

var (
	// RouterSubmits counts multi-shard requests by result ("ok", "cancelled", "rejected").
	RouterSubmits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "router_submits_total",
		Help:      "Multi-shard requests handled by the router",
	}, []string{"result"})

	// RouterOutcomes counts per-shard outcomes produced by the router.
	RouterOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "router_shard_outcomes_total",
		Help:      "Per-shard outcomes by kind",
	}, []string{"kind"})

	RouterSubmitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "router_submit_duration_seconds",
		Help:      "Time to fan out a request and collect every shard outcome",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	// Handshakes counts channel establishment attempts by side and result.
	Handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshakes_total",
		Help:      "Channel handshakes by side and result",
	}, []string{"side", "result"})

	// ProtocolViolations counts envelopes rejected by a shard.
	ProtocolViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_violations_total",
		Help:      "Envelopes rejected for decode, replay or authentication failures",
	}, []string{"reason"})

	ShardQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shard_queries_total",
		Help:      "Queries answered by the shard, by status",
	}, []string{"status"})

	ShardFreshness = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "shard_freshness_blocks",
		Help:      "Number of blocks ingested by this shard",
	})

	ShardChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "shard_channels",
		Help:      "Live channels held by this shard, by peer role",
	}, []string{"role"})

	IngestPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "shard_ingest_pending_blocks",
		Help:      "Blocks read from the source but not yet appended",
	})

	RegistrySize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registry_shards",
		Help:      "Shard endpoints currently registered with the router",
	})

	// FreshnessAnomalies counts observed freshness regressions ("shard" or "set").
	FreshnessAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "client_freshness_anomalies_total",
		Help:      "Freshness values lower than previously observed",
	}, []string{"scope"})
)
