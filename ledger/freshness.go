package ledger

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/flashbots/ledger-router/protocol"
)

// FreshnessAnomaly reports a freshness value lower than one observed
// earlier, which indicates a shard rollback. ShardURI is empty when the
// anomaly concerns the merged bound of a shard set.
type FreshnessAnomaly struct {
	ShardURI string
	ShardSet []string
	Previous uint64
	Observed uint64
}

func (a FreshnessAnomaly) String() string {
	if a.ShardURI != "" {
		return fmt.Sprintf("shard %s freshness went from %d to %d", a.ShardURI, a.Previous, a.Observed)
	}
	return fmt.Sprintf("shard set %v freshness went from %d to %d", a.ShardSet, a.Previous, a.Observed)
}

// FreshnessTracker remembers the highest freshness seen per shard and per
// shard set. Block counts are monotonic per shard, so any decrease is
// reported rather than accepted.
type FreshnessTracker struct {
	mu     sync.Mutex
	shards map[string]uint64
	sets   map[string]uint64
}

func NewFreshnessTracker() *FreshnessTracker {
	return &FreshnessTracker{
		shards: make(map[string]uint64),
		sets:   make(map[string]uint64),
	}
}

// Observe records the freshness of one merged response and returns any
// anomalies, shards first in uri order and the shard set last.
func (t *FreshnessTracker) Observe(successes map[string]*protocol.SubResponse) []FreshnessAnomaly {
	if len(successes) == 0 {
		return nil
	}

	uris := make([]string, 0, len(successes))
	for uri := range successes {
		uris = append(uris, uri)
	}
	slices.Sort(uris)

	t.mu.Lock()
	defer t.mu.Unlock()

	var anomalies []FreshnessAnomaly
	for _, uri := range uris {
		observed := successes[uri].Freshness
		prev, seen := t.shards[uri]
		if seen && observed < prev {
			anomalies = append(anomalies, FreshnessAnomaly{
				ShardURI: uri,
				Previous: prev,
				Observed: observed,
			})
			continue
		}
		t.shards[uri] = observed
	}

	setKey := strings.Join(uris, "\n")
	observed, _ := MinFreshness(successes)
	prev, seen := t.sets[setKey]
	if seen && observed < prev {
		anomalies = append(anomalies, FreshnessAnomaly{
			ShardSet: uris,
			Previous: prev,
			Observed: observed,
		})
	} else {
		t.sets[setKey] = observed
	}

	return anomalies
}

// Forget drops the history of a shard, for example after it was removed
// and re-provisioned from scratch.
func (t *FreshnessTracker) Forget(uri string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.shards, uri)
	for key := range t.sets {
		if slices.Contains(strings.Split(key, "\n"), uri) {
			delete(t.sets, key)
		}
	}
}
