// Package storage provides the tier-namespaced storage engines for
// MuninDB.
//
// The storage layer is deliberately dumb: it persists knowledge entries
// keyed by (tier, fingerprint, generation) and knows nothing about
// tier semantics. Immutability, supersession, and drift screening are
// enforced one layer up by the tiered store, which is the only
// component permitted to mutate tier contents.
//
// Two implementations are provided:
//   - MemoryEngine: in-memory maps, for tests and ephemeral stores
//   - BadgerEngine: persistent BadgerDB storage with one key namespace
//     per tier
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	entry := knowledge.NewEntry("every effect has a cause", knowledge.TierSeed)
//	if err := engine.AppendEntry(ctx, entry); err != nil {
//		log.Fatal(err)
//	}
//
//	latest, err := engine.GetLatest(ctx, knowledge.TierSeed, entry.Fingerprint)
package storage

import (
	"context"
	"errors"

	"github.com/orneryd/munindb/pkg/knowledge"
)

// Common errors returned by storage engines.
var (
	ErrNotFound         = errors.New("storage: entry not found")
	ErrStorageClosed    = errors.New("storage: engine closed")
	ErrInvalidEntry     = errors.New("storage: invalid entry")
	ErrUnknownTier      = errors.New("storage: unknown tier")
	ErrIterationStopped = errors.New("storage: iteration stopped") // sentinel to stop streaming early
)

// Engine is the storage abstraction beneath the tiered store.
//
// Within a fingerprint, generations are totally ordered by append time;
// AppendEntry assigns the next sequence number. Cross-fingerprint
// ordering is not guaranteed. All implementations are safe for
// concurrent use.
type Engine interface {
	// AppendEntry stores a new generation for the entry's
	// (tier, fingerprint) pair. The engine assigns Generation as the
	// next sequence number, starting at 1, and mutates the passed
	// entry to reflect it.
	AppendEntry(ctx context.Context, e *knowledge.Entry) error

	// UpdateEntry overwrites an existing generation in place, keyed by
	// (tier, fingerprint, generation). Returns ErrNotFound if the
	// generation does not exist. Used for access telemetry, resonance
	// updates, flagging, and state transitions only.
	UpdateEntry(ctx context.Context, e *knowledge.Entry) error

	// GetLatest returns the highest generation for a fingerprint in a
	// tier, or ErrNotFound.
	GetLatest(ctx context.Context, tier knowledge.Tier, fp knowledge.Fingerprint) (*knowledge.Entry, error)

	// GetGenerations returns all generations for a fingerprint in
	// ascending generation order, or ErrNotFound if none exist.
	GetGenerations(ctx context.Context, tier knowledge.Tier, fp knowledge.Fingerprint) ([]*knowledge.Entry, error)

	// HasFingerprint reports whether any generation exists for the
	// fingerprint in the tier.
	HasFingerprint(ctx context.Context, tier knowledge.Tier, fp knowledge.Fingerprint) (bool, error)

	// Count returns the number of stored entries (all generations) in
	// a tier.
	Count(ctx context.Context, tier knowledge.Tier) (int64, error)

	// ForEach streams every entry in a tier. Returning
	// ErrIterationStopped from fn stops iteration without error; any
	// other error aborts and is returned. Entries are clones; mutate
	// them freely and persist via UpdateEntry.
	ForEach(ctx context.Context, tier knowledge.Tier, fn func(*knowledge.Entry) error) error

	// Close releases engine resources. Operations after Close return
	// ErrStorageClosed.
	Close() error
}

// validateEntry checks the invariants every engine relies on.
func validateEntry(e *knowledge.Entry) error {
	if e == nil || e.Fingerprint == "" || e.Content == "" {
		return ErrInvalidEntry
	}
	if !e.OriginTier.Valid() {
		return ErrUnknownTier
	}
	return nil
}
