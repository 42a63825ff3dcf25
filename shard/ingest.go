package shard

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/flashbots/ledger-router/ledger"
	"github.com/flashbots/ledger-router/metrics"
)

const (
	DefaultPollInterval = time.Second
	DefaultBatchSize    = 128
)

// BlockSource yields ledger blocks in index order.
type BlockSource interface {
	// Blocks returns up to limit consecutive blocks starting at index from.
	// An empty result means no more blocks are available yet.
	Blocks(ctx context.Context, from uint64, limit int) ([]*ledger.Block, error)
}

// FileBlockSource reads newline-delimited JSON blocks, in index order, from
// a file that may keep growing. It remembers how far it has read, so each
// poll only parses lines appended since the last one. A trailing line that
// is not yet complete JSON is left for the next poll.
type FileBlockSource struct {
	Path string

	mu sync.Mutex
	// offset is the byte position after the last consumed line, and next
	// the index following the last consumed block.
	offset int64
	next   uint64
	line   int
}

func (f *FileBlockSource) Blocks(ctx context.Context, from uint64, limit int) ([]*ledger.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	// rewind when asked for blocks already passed or when the file shrank
	if from < f.next || info.Size() < f.offset {
		f.offset, f.next, f.line = 0, 0, 0
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return nil, err
	}

	reader := bufio.NewReaderSize(file, 64*1024)
	var blocks []*ledger.Block
	for len(blocks) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := reader.ReadBytes('\n')
		partial := errors.Is(err, io.EOF)
		if err != nil && !partial {
			return nil, err
		}

		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 {
			if partial {
				break
			}
			f.consume(raw, f.next)
			continue
		}

		var block ledger.Block
		if err := json.Unmarshal(trimmed, &block); err != nil {
			if partial {
				// still being written
				break
			}
			return nil, fmt.Errorf("%s:%d: %w", f.Path, f.line+1, err)
		}
		if block.Index >= from && block.Index != from+uint64(len(blocks)) {
			break
		}
		f.consume(raw, block.Index+1)
		if block.Index >= from {
			blocks = append(blocks, &block)
		}
	}
	return blocks, nil
}

func (f *FileBlockSource) consume(raw []byte, next uint64) {
	f.offset += int64(len(raw))
	f.next = max(f.next, next)
	f.line++
}

// IngestorConfig configures an Ingestor.
type IngestorConfig struct {
	Source       BlockSource
	Oracle       ledger.Oracle
	Range        ledger.BlockRange
	PollInterval time.Duration
	BatchSize    int

	// OnCaughtUp is called every time a poll finds no new blocks.
	OnCaughtUp func()

	Clock clock.Clock
	Log   *slog.Logger
}

// Ingestor polls a BlockSource and appends new blocks to an oracle.
type Ingestor struct {
	cfg   IngestorConfig
	clock clock.Clock
	log   *slog.Logger
}

func NewIngestor(cfg *IngestorConfig) *Ingestor {
	c := *cfg
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}

	clk := c.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := c.Log
	if log == nil {
		log = slog.Default()
	}

	return &Ingestor{cfg: c, clock: clk, log: log}
}

// Step appends at most one batch. It reports how many blocks were added and
// whether the source is exhausted for now.
func (i *Ingestor) Step(ctx context.Context) (int, bool, error) {
	freshness, err := i.cfg.Oracle.Freshness(ctx)
	if err != nil {
		return 0, false, err
	}
	if i.cfg.Range.Complete(freshness.Blocks) {
		return 0, true, nil
	}

	limit := i.cfg.BatchSize
	if i.cfg.Range.End != 0 && freshness.Blocks+uint64(limit) > i.cfg.Range.End {
		limit = int(i.cfg.Range.End - freshness.Blocks)
	}

	blocks, err := i.cfg.Source.Blocks(ctx, freshness.Blocks, limit)
	if err != nil {
		return 0, false, fmt.Errorf("reading blocks from %d: %w", freshness.Blocks, err)
	}

	metrics.IngestPending.Set(float64(len(blocks)))
	defer metrics.IngestPending.Set(0)

	for n, block := range blocks {
		if err := i.cfg.Oracle.Append(ctx, block); err != nil {
			return n, false, fmt.Errorf("appending block %d: %w", block.Index, err)
		}
		metrics.IngestPending.Dec()
	}

	next := freshness.Blocks + uint64(len(blocks))
	metrics.ShardFreshness.Set(float64(next))
	return len(blocks), len(blocks) < limit || i.cfg.Range.Complete(next), nil
}

// Run polls until ctx is cancelled or the range is complete.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, drained, err := i.Step(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			i.log.Error("ingestion failed", "err", err)
		case n > 0:
			i.log.Debug("ingested blocks", "count", n)
		}

		if err == nil && drained {
			if i.cfg.OnCaughtUp != nil {
				i.cfg.OnCaughtUp()
			}
			freshness, ferr := i.cfg.Oracle.Freshness(ctx)
			if ferr == nil && i.cfg.Range.Complete(freshness.Blocks) {
				i.log.Info("block range complete", "end", i.cfg.Range.End)
				return nil
			}
		}

		if err == nil && !drained {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.clock.After(i.cfg.PollInterval):
		}
	}
}
