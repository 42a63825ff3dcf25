package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/flashbots/ledger-router/protocol"
)

var (
	// ErrBlockOutOfOrder is returned by Append when a block does not
	// directly follow the last ingested one.
	ErrBlockOutOfOrder = errors.New("block out of order")
	// ErrOutOfRange is returned by Append for blocks outside the oracle's range.
	ErrOutOfRange = errors.New("block outside shard range")
)

// Block is one ledger block as ingested by a shard: its index and the keys
// (key images, tx-out hashes) it introduces.
type Block struct {
	Index uint64         `json:"index"`
	Keys  []protocol.Key `json:"keys"`
}

// Freshness is a shard's ingestion watermark.
type Freshness struct {
	// Blocks is an absolute watermark: the index of the next block the
	// shard expects. It starts at the range start, not at zero, so shards
	// serving different ranges report comparable values.
	Blocks uint64
	// Items is the number of distinct keys indexed. Keys seen again in a
	// later block are not counted twice.
	Items uint64
}

// LookupResult is the oracle's answer for one key.
type LookupResult struct {
	FoundAt *uint64
}

// BlockRange is the half-open range [Start, End) of blocks a shard serves.
// End == 0 means unbounded.
type BlockRange struct {
	Start uint64 `yaml:"start_block"`
	End   uint64 `yaml:"end_block"`
}

// Contains reports whether block index i falls into the range.
func (r BlockRange) Contains(i uint64) bool {
	return i >= r.Start && (r.End == 0 || i < r.End)
}

// Complete reports whether a watermark has reached the end of the range.
func (r BlockRange) Complete(blocks uint64) bool {
	return r.End != 0 && blocks >= r.End
}

// Oracle is the ledger lookup capability a shard answers queries from.
type Oracle interface {
	Lookup(ctx context.Context, key protocol.Key) (LookupResult, error)
	Freshness(ctx context.Context) (Freshness, error)
	Append(ctx context.Context, block *Block) error
	Close() error
}

// MemoryOracle is an Oracle held entirely in memory.
type MemoryOracle struct {
	rng BlockRange

	mu        sync.RWMutex
	index     map[protocol.Key]uint64
	freshness Freshness
}

// NewMemoryOracle creates an oracle serving blocks in rng.
func NewMemoryOracle(rng BlockRange) *MemoryOracle {
	return &MemoryOracle{
		rng:       rng,
		index:     make(map[protocol.Key]uint64),
		freshness: Freshness{Blocks: rng.Start},
	}
}

func (o *MemoryOracle) Lookup(_ context.Context, key protocol.Key) (LookupResult, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if at, ok := o.index[key]; ok {
		return LookupResult{FoundAt: &at}, nil
	}
	return LookupResult{}, nil
}

func (o *MemoryOracle) Freshness(_ context.Context) (Freshness, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.freshness, nil
}

// Append ingests the next block. Keys already present keep their first
// location and are not counted again.
func (o *MemoryOracle) Append(_ context.Context, block *Block) error {
	if !o.rng.Contains(block.Index) {
		return fmt.Errorf("%w: %d", ErrOutOfRange, block.Index)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if block.Index != o.freshness.Blocks {
		return fmt.Errorf("%w: got %d, want %d", ErrBlockOutOfOrder, block.Index, o.freshness.Blocks)
	}

	for _, k := range block.Keys {
		if _, ok := o.index[k]; !ok {
			o.index[k] = block.Index
			o.freshness.Items++
		}
	}
	o.freshness.Blocks++
	return nil
}

func (o *MemoryOracle) Close() error {
	return nil
}
