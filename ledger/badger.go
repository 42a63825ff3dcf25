package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/flashbots/ledger-router/protocol"
	"github.com/fxamacker/cbor/v2"
)

var (
	keyPrefix = []byte("k/")
	metaKey   = []byte("m/freshness")
)

type keyRecord struct {
	Block uint64 `cbor:"1,keyasint"`
}

type metaRecord struct {
	Blocks     uint64 `cbor:"1,keyasint"`
	Items      uint64 `cbor:"2,keyasint"`
	RangeStart uint64 `cbor:"3,keyasint"`
}

// BadgerOracle is an Oracle persisted in a badger database. Records are
// CBOR-encoded.
type BadgerOracle struct {
	db  *badger.DB
	rng BlockRange

	// serialises Append
	mu sync.Mutex
}

// OpenBadgerOracle opens (or creates) the database at path. An empty path
// opens an in-memory database.
func OpenBadgerOracle(path string, rng BlockRange) (*BadgerOracle, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}

	o := &BadgerOracle{db: db, rng: rng}

	meta, found, err := o.meta()
	if err != nil {
		db.Close()
		return nil, err
	}
	if found && meta.RangeStart != rng.Start {
		db.Close()
		return nil, fmt.Errorf("database was created for range starting at %d, not %d", meta.RangeStart, rng.Start)
	}

	return o, nil
}

func dbKey(key protocol.Key) []byte {
	out := make([]byte, 0, len(keyPrefix)+protocol.KeySize)
	out = append(out, keyPrefix...)
	return append(out, key[:]...)
}

func (o *BadgerOracle) meta() (metaRecord, bool, error) {
	var meta metaRecord
	found := false
	err := o.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &meta)
		})
	})
	if err != nil {
		return metaRecord{}, false, fmt.Errorf("reading freshness: %w", err)
	}
	return meta, found, nil
}

func (o *BadgerOracle) Lookup(_ context.Context, key protocol.Key) (LookupResult, error) {
	var result LookupResult
	err := o.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var rec keyRecord
			if err := cbor.Unmarshal(val, &rec); err != nil {
				return err
			}
			result.FoundAt = &rec.Block
			return nil
		})
	})
	if err != nil {
		return LookupResult{}, fmt.Errorf("looking up %s: %w", key, err)
	}
	return result, nil
}

func (o *BadgerOracle) Freshness(_ context.Context) (Freshness, error) {
	meta, found, err := o.meta()
	if err != nil {
		return Freshness{}, err
	}
	if !found {
		return Freshness{Blocks: o.rng.Start}, nil
	}
	return Freshness{Blocks: meta.Blocks, Items: meta.Items}, nil
}

// Append ingests the next block in one transaction, so a crash never leaves
// keys visible without the matching watermark.
func (o *BadgerOracle) Append(_ context.Context, block *Block) error {
	if !o.rng.Contains(block.Index) {
		return fmt.Errorf("%w: %d", ErrOutOfRange, block.Index)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	meta, found, err := o.meta()
	if err != nil {
		return err
	}
	if !found {
		meta = metaRecord{Blocks: o.rng.Start, RangeStart: o.rng.Start}
	}
	if block.Index != meta.Blocks {
		return fmt.Errorf("%w: got %d, want %d", ErrBlockOutOfOrder, block.Index, meta.Blocks)
	}

	rec, err := cbor.Marshal(&keyRecord{Block: block.Index})
	if err != nil {
		return err
	}

	return o.db.Update(func(txn *badger.Txn) error {
		// reads see this transaction's own writes, so a key repeated
		// within the block is only counted once
		for _, k := range block.Keys {
			_, err := txn.Get(dbKey(k))
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(dbKey(k), rec); err != nil {
				return err
			}
			meta.Items++
		}

		meta.Blocks++
		encoded, err := cbor.Marshal(&meta)
		if err != nil {
			return err
		}
		return txn.Set(metaKey, encoded)
	})
}

func (o *BadgerOracle) Close() error {
	return o.db.Close()
}
