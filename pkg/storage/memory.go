package storage

import (
	"context"
	"sync"

	"github.com/orneryd/munindb/pkg/knowledge"
)

// MemoryEngine is a thread-safe in-memory storage engine.
//
// Use cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - Ephemeral knowledge stores that do not need persistence
//
// All reads return deep copies so callers cannot mutate stored state
// except through UpdateEntry.
type MemoryEngine struct {
	mu     sync.RWMutex
	tiers  map[knowledge.Tier]map[knowledge.Fingerprint][]*knowledge.Entry
	closed bool
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	tiers := make(map[knowledge.Tier]map[knowledge.Fingerprint][]*knowledge.Entry, len(knowledge.AllTiers))
	for _, t := range knowledge.AllTiers {
		tiers[t] = make(map[knowledge.Fingerprint][]*knowledge.Entry)
	}
	return &MemoryEngine{tiers: tiers}
}

// AppendEntry stores a new generation for the entry's fingerprint.
func (m *MemoryEngine) AppendEntry(ctx context.Context, e *knowledge.Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}

	gens := m.tiers[e.OriginTier][e.Fingerprint]
	var next uint64 = 1
	if n := len(gens); n > 0 {
		next = gens[n-1].Generation + 1
	}
	e.Generation = next
	m.tiers[e.OriginTier][e.Fingerprint] = append(gens, e.Clone())
	return nil
}

// UpdateEntry overwrites an existing generation in place.
func (m *MemoryEngine) UpdateEntry(ctx context.Context, e *knowledge.Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}

	gens := m.tiers[e.OriginTier][e.Fingerprint]
	for i, g := range gens {
		if g.Generation == e.Generation {
			gens[i] = e.Clone()
			return nil
		}
	}
	return ErrNotFound
}

// GetLatest returns the highest generation for a fingerprint.
func (m *MemoryEngine) GetLatest(ctx context.Context, tier knowledge.Tier, fp knowledge.Fingerprint) (*knowledge.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	if !tier.Valid() {
		return nil, ErrUnknownTier
	}

	gens := m.tiers[tier][fp]
	if len(gens) == 0 {
		return nil, ErrNotFound
	}
	return gens[len(gens)-1].Clone(), nil
}

// GetGenerations returns all generations in ascending order.
func (m *MemoryEngine) GetGenerations(ctx context.Context, tier knowledge.Tier, fp knowledge.Fingerprint) ([]*knowledge.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	if !tier.Valid() {
		return nil, ErrUnknownTier
	}

	gens := m.tiers[tier][fp]
	if len(gens) == 0 {
		return nil, ErrNotFound
	}
	out := make([]*knowledge.Entry, len(gens))
	for i, g := range gens {
		out[i] = g.Clone()
	}
	return out, nil
}

// HasFingerprint reports whether any generation exists.
func (m *MemoryEngine) HasFingerprint(ctx context.Context, tier knowledge.Tier, fp knowledge.Fingerprint) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrStorageClosed
	}
	if !tier.Valid() {
		return false, ErrUnknownTier
	}
	return len(m.tiers[tier][fp]) > 0, nil
}

// Count returns the number of stored entries in a tier.
func (m *MemoryEngine) Count(ctx context.Context, tier knowledge.Tier) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	if !tier.Valid() {
		return 0, ErrUnknownTier
	}

	var n int64
	for _, gens := range m.tiers[tier] {
		n += int64(len(gens))
	}
	return n, nil
}

// ForEach streams every entry in a tier. Iteration runs over a
// snapshot of clones so fn may call back into the engine.
func (m *MemoryEngine) ForEach(ctx context.Context, tier knowledge.Tier, fn func(*knowledge.Entry) error) error {
	if !tier.Valid() {
		return ErrUnknownTier
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStorageClosed
	}
	snapshot := make([]*knowledge.Entry, 0, len(m.tiers[tier]))
	for _, gens := range m.tiers[tier] {
		for _, g := range gens {
			snapshot = append(snapshot, g.Clone())
		}
	}
	m.mu.RUnlock()

	for _, e := range snapshot {
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

// Close marks the engine closed. Subsequent operations fail with
// ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Engine = (*MemoryEngine)(nil)
