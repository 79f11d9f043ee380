package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/munindb/pkg/knowledge"
)

// Key namespaces for BadgerDB storage. Each tier gets its own
// single-byte prefix; APosteriori generations are ordered by the
// big-endian sequence number suffix so iteration order is append order.
const (
	prefixSeed        = byte(0x01) // 0x01 + fp + 0x00 + seq -> JSON(Entry)
	prefixAPriori     = byte(0x02)
	prefixAPosteriori = byte(0x03)

	keySeparator = byte(0x00)
)

func tierPrefix(tier knowledge.Tier) (byte, error) {
	switch tier {
	case knowledge.TierSeed:
		return prefixSeed, nil
	case knowledge.TierAPriori:
		return prefixAPriori, nil
	case knowledge.TierAPosteriori:
		return prefixAPosteriori, nil
	default:
		return 0, ErrUnknownTier
	}
}

// entryKey builds the full key for a generation:
// prefix + fingerprint + 0x00 + 8-byte big-endian generation.
func entryKey(prefix byte, fp knowledge.Fingerprint, generation uint64) []byte {
	key := make([]byte, 0, 1+len(fp)+1+8)
	key = append(key, prefix)
	key = append(key, fp...)
	key = append(key, keySeparator)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], generation)
	return append(key, seq[:]...)
}

// fingerprintPrefix builds the iteration prefix covering all
// generations of one fingerprint.
func fingerprintPrefix(prefix byte, fp knowledge.Fingerprint) []byte {
	key := make([]byte, 0, 1+len(fp)+1)
	key = append(key, prefix)
	key = append(key, fp...)
	return append(key, keySeparator)
}

// BadgerOptions configures the persistent engine.
type BadgerOptions struct {
	// DataDir is the directory for data files. Ignored when InMemory
	// is set.
	DataDir string

	// InMemory runs BadgerDB without touching disk. Useful for tests.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but more
	// durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging. nil silences it.
	Logger badger.Logger
}

// BadgerEngine is the persistent storage engine backed by BadgerDB.
//
// Each tier lives in its own key namespace; within a fingerprint,
// generations are keyed by a monotonically increasing sequence number
// so append order survives restarts. Values are JSON-encoded entries.
// All operations run inside Badger transactions.
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.Mutex // serializes generation assignment per engine
	closed bool
}

// NewBadgerEngine opens or creates a persistent engine at dataDir.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineWithOptions opens an engine with explicit options.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.DataDir == "" {
			return nil, fmt.Errorf("storage: data directory required: %w", ErrInvalidEntry)
		}
		badgerOpts = badger.DefaultOptions(opts.DataDir)
	}
	badgerOpts = badgerOpts.WithSyncWrites(opts.SyncWrites).WithLogger(opts.Logger)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger: %w", err)
	}
	return &BadgerEngine{db: db}, nil
}

// AppendEntry stores a new generation for the entry's fingerprint.
func (b *BadgerEngine) AppendEntry(ctx context.Context, e *knowledge.Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	prefix, err := tierPrefix(e.OriginTier)
	if err != nil {
		return err
	}

	// Generation assignment must not race with a concurrent append for
	// the same fingerprint.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}

	return b.db.Update(func(txn *badger.Txn) error {
		latest, err := latestGeneration(txn, prefix, e.Fingerprint)
		if err != nil {
			return err
		}
		e.Generation = latest + 1

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("storage: marshal entry: %w", err)
		}
		return txn.Set(entryKey(prefix, e.Fingerprint, e.Generation), data)
	})
}

// UpdateEntry overwrites an existing generation in place.
func (b *BadgerEngine) UpdateEntry(ctx context.Context, e *knowledge.Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	prefix, err := tierPrefix(e.OriginTier)
	if err != nil {
		return err
	}
	if b.isClosed() {
		return ErrStorageClosed
	}

	key := entryKey(prefix, e.Fingerprint, e.Generation)
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("storage: read entry: %w", err)
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("storage: marshal entry: %w", err)
		}
		return txn.Set(key, data)
	})
}

// GetLatest returns the highest generation for a fingerprint.
func (b *BadgerEngine) GetLatest(ctx context.Context, tier knowledge.Tier, fp knowledge.Fingerprint) (*knowledge.Entry, error) {
	gens, err := b.GetGenerations(ctx, tier, fp)
	if err != nil {
		return nil, err
	}
	return gens[len(gens)-1], nil
}

// GetGenerations returns all generations in ascending order.
func (b *BadgerEngine) GetGenerations(ctx context.Context, tier knowledge.Tier, fp knowledge.Fingerprint) ([]*knowledge.Entry, error) {
	prefix, err := tierPrefix(tier)
	if err != nil {
		return nil, err
	}
	if b.isClosed() {
		return nil, ErrStorageClosed
	}

	var out []*knowledge.Entry
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = fingerprintPrefix(prefix, fp)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e knowledge.Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("storage: decode entry: %w", err)
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// HasFingerprint reports whether any generation exists.
func (b *BadgerEngine) HasFingerprint(ctx context.Context, tier knowledge.Tier, fp knowledge.Fingerprint) (bool, error) {
	prefix, err := tierPrefix(tier)
	if err != nil {
		return false, err
	}
	if b.isClosed() {
		return false, ErrStorageClosed
	}

	found := false
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = fingerprintPrefix(prefix, fp)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		found = it.Valid()
		return nil
	})
	return found, err
}

// Count returns the number of stored entries in a tier.
func (b *BadgerEngine) Count(ctx context.Context, tier knowledge.Tier) (int64, error) {
	prefix, err := tierPrefix(tier)
	if err != nil {
		return 0, err
	}
	if b.isClosed() {
		return 0, ErrStorageClosed
	}

	var n int64
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefix}
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// ForEach streams every entry in a tier.
func (b *BadgerEngine) ForEach(ctx context.Context, tier knowledge.Tier, fn func(*knowledge.Entry) error) error {
	prefix, err := tierPrefix(tier)
	if err != nil {
		return err
	}
	if b.isClosed() {
		return ErrStorageClosed
	}

	// Decode under the view transaction, invoke fn outside it so fn
	// may write back through UpdateEntry.
	var entries []*knowledge.Entry
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefix}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e knowledge.Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("storage: decode entry: %w", err)
			}
			entries = append(entries, &e)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			if err == ErrIterationStopped {
				return nil
			}
			return err
		}
	}
	return nil
}

// Close flushes and closes the underlying BadgerDB.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func (b *BadgerEngine) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// latestGeneration returns the highest existing generation for a
// fingerprint, or 0 when none exist.
func latestGeneration(txn *badger.Txn, prefix byte, fp knowledge.Fingerprint) (uint64, error) {
	keyPrefix := fingerprintPrefix(prefix, fp)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = keyPrefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var latest uint64
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		if len(key) < 8 {
			continue
		}
		seq := binary.BigEndian.Uint64(key[len(key)-8:])
		if seq > latest {
			latest = seq
		}
	}
	return latest, nil
}

var _ Engine = (*BadgerEngine)(nil)
