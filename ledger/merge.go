package ledger

import (
	"errors"
	"slices"

	"github.com/flashbots/ledger-router/protocol"
)

// ErrInsufficientCoverage is returned by Merge when no shard answered. It is
// distinct from a key that was legitimately not found.
var ErrInsufficientCoverage = errors.New("insufficient coverage: no shard returned a result")

// QueryResult is the merged answer for one logical key.
type QueryResult struct {
	Key       protocol.Key
	Code      protocol.ResultCode
	LocatedAt *uint64
	// FreshnessBound never exceeds the freshness of any shard that
	// contributed to the result.
	FreshnessBound  uint64
	GlobalItemCount uint64
}

// Merge combines decoded sub-responses keyed by shard uri into one result
// per requested key, in request order.
//
// A Found result from any shard wins; if several shards report the key the
// lowest block wins. Otherwise a per-key Error from any shard (including a
// shard that left the key out) makes the result Error, and NotFound is only
// returned when every shard reported NotFound. Freshness and item count are
// the minimum over all contributing shards, for hits as well as misses.
func Merge(keys []protocol.Key, successes map[string]*protocol.SubResponse) ([]QueryResult, error) {
	if len(successes) == 0 {
		return nil, ErrInsufficientCoverage
	}

	freshness, items := MinFreshness(successes)

	uris := make([]string, 0, len(successes))
	for uri := range successes {
		uris = append(uris, uri)
	}
	slices.Sort(uris)

	results := make([]QueryResult, len(keys))
	for i, key := range keys {
		res := QueryResult{
			Key:             key,
			Code:            protocol.ResultNotFound,
			FreshnessBound:  freshness,
			GlobalItemCount: items,
		}

		anyError := false
		for _, uri := range uris {
			item, ok := successes[uri].Find(key)
			if !ok {
				anyError = true
				continue
			}
			switch item.Code {
			case protocol.ResultFound:
				if res.LocatedAt == nil || item.LocatedAt < *res.LocatedAt {
					at := item.LocatedAt
					res.LocatedAt = &at
				}
			case protocol.ResultNotFound:
			default:
				anyError = true
			}
		}

		switch {
		case res.LocatedAt != nil:
			res.Code = protocol.ResultFound
		case anyError:
			res.Code = protocol.ResultError
		}
		results[i] = res
	}

	return results, nil
}

// MinFreshness returns the minimum freshness and item count over the given
// sub-responses. It returns zeros for an empty map.
func MinFreshness(successes map[string]*protocol.SubResponse) (uint64, uint64) {
	first := true
	var freshness, items uint64
	for _, resp := range successes {
		if first || resp.Freshness < freshness {
			freshness = resp.Freshness
		}
		if first || resp.GlobalItemCount < items {
			items = resp.GlobalItemCount
		}
		first = false
	}
	return freshness, items
}
