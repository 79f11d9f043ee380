// Package store implements the tiered knowledge store, the single
// source of truth for all three knowledge tiers.
//
// The store is the only component permitted to mutate tier contents.
// It enforces the tier invariants on every write:
//   - Seed is write-once: an existing fingerprint is never overwritten
//   - APriori replaces the active version and keeps prior versions as
//     superseded history
//   - APosteriori is append-only per fingerprint, screened for drift
//     against Seed and active APriori knowledge before commit
//
// Reads cascade Seed -> APriori -> APosteriori and return the first
// hit. Every successful write is reported to the provenance ledger;
// ledger failures are logged and never block the write.
//
// ELI12 (Explain Like I'm 12):
//
// Imagine three shelves of notebooks. The top shelf is written in pen
// and glued shut, so nobody may ever change those pages. The middle
// shelf holds rulebooks that get replaced by new editions, but the old
// editions stay in the back room. The bottom shelf is a diary: you can
// only add new pages, and before a page goes in, a librarian checks it
// doesn't call the top two shelves liars. If it does, the page is sent
// to a review desk instead of the shelf.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/orneryd/munindb/pkg/edge"
	"github.com/orneryd/munindb/pkg/knowledge"
	"github.com/orneryd/munindb/pkg/ledger"
	"github.com/orneryd/munindb/pkg/storage"
)

// Errors returned by store operations.
var (
	ErrNotFound            = errors.New("store: entry not found")
	ErrImmutableViolation  = errors.New("store: seed tier is immutable")
	ErrAlreadyBootstrapped = errors.New("store: seed tier already bootstrapped")
	ErrConflictDetected    = errors.New("store: entry contradicts higher-tier knowledge")
	ErrUnknownTier         = errors.New("store: unknown tier")
)

// Drift-report severities.
const (
	SeverityCritical = "critical"
	SeverityHarmonic = "harmonic"
	SeverityNeutral  = "neutral"
)

// Thresholds for the drift alignment check.
const (
	// highConfidenceResonance marks entries trusted enough to anchor
	// the alignment check.
	highConfidenceResonance = 0.9

	// harmonicAlignment is the similarity above which a commit is
	// tagged harmonic and related edges are strengthened.
	harmonicAlignment = 0.85
)

// searchMinScore is the similarity below which SearchSimilar discards
// a match.
const searchMinScore = 0.1

// ConflictRef names one higher-tier entry a rejected commit
// contradicts.
type ConflictRef struct {
	Tier        knowledge.Tier        `json:"tier"`
	Fingerprint knowledge.Fingerprint `json:"fingerprint"`
	Content     string                `json:"content"`
}

// DriftReport is the outcome of screening an APosteriori commit.
//
// Severity is critical when the entry contradicts Seed or active
// APriori knowledge (the entry is not stored), harmonic when the entry
// aligns strongly with high-confidence knowledge, neutral otherwise.
type DriftReport struct {
	Severity       string        `json:"severity"`
	Conflicts      []ConflictRef `json:"conflicts,omitempty"`
	ResonanceBoost float64       `json:"resonance_boost,omitempty"`
	Recommendation string        `json:"recommendation,omitempty"`
}

// SearchResult is one scored hit from SearchSimilar.
type SearchResult struct {
	Entry *knowledge.Entry
	Score float64
}

// Stats holds per-tier entry counts.
type Stats struct {
	SeedCount        int64 `json:"seed_count"`
	APrioriCount     int64 `json:"a_priori_count"`
	APosterioriCount int64 `json:"a_posteriori_count"`
}

// Options configures a TieredStore. All fields are optional.
type Options struct {
	// Ledger receives a record for every successful write. Defaults to
	// ledger.Nop.
	Ledger ledger.Ledger

	// Contradicts is the injected contradiction predicate used by the
	// drift check. Defaults to knowledge.NegationHeuristic.
	Contradicts knowledge.ContradictionPredicate

	// Edges is the shared edge-resonance table. A fresh table is
	// created when nil.
	Edges *edge.Table

	// Logger for ledger failures and maintenance notices. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

// TieredStore owns the three knowledge tiers and the edge-resonance
// table.
//
// Mutation of each tier is serialized by a per-tier mutex; reads go
// straight to the engine and only block concurrent writers of the same
// engine structures.
type TieredStore struct {
	engine storage.Engine
	edges  *edge.Table
	ledger ledger.Ledger
	log    *slog.Logger

	contradicts knowledge.ContradictionPredicate

	seedMu    sync.Mutex
	aprioriMu sync.Mutex
	apostMu   sync.Mutex
}

// New creates a tiered store on top of a storage engine.
func New(engine storage.Engine, opts *Options) *TieredStore {
	if opts == nil {
		opts = &Options{}
	}
	s := &TieredStore{
		engine:      engine,
		edges:       opts.Edges,
		ledger:      opts.Ledger,
		log:         opts.Logger,
		contradicts: opts.Contradicts,
	}
	if s.edges == nil {
		s.edges = edge.NewTable()
	}
	if s.ledger == nil {
		s.ledger = ledger.Nop{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.contradicts == nil {
		s.contradicts = knowledge.NegationHeuristic
	}
	return s
}

// Edges returns the store-owned edge-resonance table. Collaborators
// receive this handle instead of reaching for global state.
func (s *TieredStore) Edges() *edge.Table {
	return s.edges
}

// BootstrapSeed performs the one-time load of foundational knowledge.
// Fails with ErrAlreadyBootstrapped if the Seed tier is non-empty.
func (s *TieredStore) BootstrapSeed(ctx context.Context, contents []string) error {
	s.seedMu.Lock()
	defer s.seedMu.Unlock()

	n, err := s.engine.Count(ctx, knowledge.TierSeed)
	if err != nil {
		return fmt.Errorf("store: count seed: %w", err)
	}
	if n > 0 {
		return ErrAlreadyBootstrapped
	}

	for _, content := range contents {
		entry := knowledge.NewEntry(content, knowledge.TierSeed)
		entry.ResonanceScore = 1.0 // foundational truths start fully trusted
		if err := s.engine.AppendEntry(ctx, entry); err != nil {
			return fmt.Errorf("store: bootstrap %q: %w", entry.Fingerprint, err)
		}
		s.notifyLedger(ctx, "seed.bootstrap", entry)
	}
	return nil
}

// Put writes content into a tier under the given fingerprint.
//
// Tier semantics:
//   - Seed: fails with ErrImmutableViolation if the fingerprint exists
//   - APriori: supersedes any prior active version (kept as history)
//   - APosteriori: appends a new generation after the drift check; on
//     conflict the entry is not stored and the drift report names the
//     conflicting fingerprints
//
// The returned entry reflects stored state. The drift report is nil
// except for APosteriori writes.
//
// The entry starts with zero resonance; the score accrues through
// Reinforce as queries validate it. Callers with an initial observation
// (a reasoning conclusion's confidence) use PutScored instead.
func (s *TieredStore) Put(ctx context.Context, fp knowledge.Fingerprint, content string, tier knowledge.Tier) (*knowledge.Entry, *DriftReport, error) {
	return s.PutScored(ctx, fp, content, tier, 0)
}

// PutScored is Put with an initial resonance score. Seed writes ignore
// the score; Seed truths are always fully trusted.
func (s *TieredStore) PutScored(ctx context.Context, fp knowledge.Fingerprint, content string, tier knowledge.Tier, resonance float64) (*knowledge.Entry, *DriftReport, error) {
	entry := &knowledge.Entry{
		Fingerprint:    fp,
		Content:        content,
		OriginTier:     tier,
		State:          knowledge.StateActive,
		ResonanceScore: knowledge.Clamp01(resonance),
		CreatedAt:      time.Now(),
	}

	switch tier {
	case knowledge.TierSeed:
		if err := s.putSeed(ctx, entry); err != nil {
			return nil, nil, err
		}
		return entry, nil, nil

	case knowledge.TierAPriori:
		if err := s.putAPriori(ctx, entry); err != nil {
			return nil, nil, err
		}
		return entry, nil, nil

	case knowledge.TierAPosteriori:
		report, err := s.CommitWithDriftCheck(ctx, entry)
		if err != nil {
			return nil, report, err
		}
		return entry, report, nil

	default:
		return nil, nil, ErrUnknownTier
	}
}

func (s *TieredStore) putSeed(ctx context.Context, entry *knowledge.Entry) error {
	s.seedMu.Lock()
	defer s.seedMu.Unlock()

	exists, err := s.engine.HasFingerprint(ctx, knowledge.TierSeed, entry.Fingerprint)
	if err != nil {
		return fmt.Errorf("store: check seed: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrImmutableViolation, entry.Fingerprint)
	}

	entry.ResonanceScore = 1.0
	if err := s.engine.AppendEntry(ctx, entry); err != nil {
		return fmt.Errorf("store: append seed: %w", err)
	}
	s.notifyLedger(ctx, "seed.put", entry)
	return nil
}

func (s *TieredStore) putAPriori(ctx context.Context, entry *knowledge.Entry) error {
	s.aprioriMu.Lock()
	defer s.aprioriMu.Unlock()

	prior, err := s.engine.GetLatest(ctx, knowledge.TierAPriori, entry.Fingerprint)
	switch {
	case err == nil:
		if prior.Active() {
			prior.Supersede()
			if err := s.engine.UpdateEntry(ctx, prior); err != nil {
				return fmt.Errorf("store: supersede %s: %w", prior.Fingerprint, err)
			}
		}
	case errors.Is(err, storage.ErrNotFound):
		// first version for this fingerprint
	default:
		return fmt.Errorf("store: read a priori: %w", err)
	}

	if err := s.engine.AppendEntry(ctx, entry); err != nil {
		return fmt.Errorf("store: append a priori: %w", err)
	}
	s.notifyLedger(ctx, "apriori.put", entry)
	return nil
}

// CommitWithDriftCheck screens and appends an APosteriori entry.
//
// The check runs in two stages:
//  1. Conflict: the injected contradiction predicate is evaluated
//     against every active Seed and APriori entry. Any hit rejects the
//     commit with ErrConflictDetected and a critical report naming the
//     conflicting fingerprints; the entry is never stored.
//  2. Alignment: the maximum token-set similarity against
//     high-confidence knowledge. Above the harmonic threshold the
//     commit is tagged harmonic and the entry's edge is strengthened.
func (s *TieredStore) CommitWithDriftCheck(ctx context.Context, entry *knowledge.Entry) (*DriftReport, error) {
	s.apostMu.Lock()
	defer s.apostMu.Unlock()

	conflicts, alignment, err := s.screen(ctx, entry.Content)
	if err != nil {
		return nil, err
	}

	if len(conflicts) > 0 {
		entry.AddFlag(knowledge.FlagContradiction)
		report := &DriftReport{
			Severity:       SeverityCritical,
			Conflicts:      conflicts,
			Recommendation: "REQUIRE_HUMAN_REVIEW",
		}
		return report, fmt.Errorf("%w: %s", ErrConflictDetected, entry.Fingerprint)
	}

	report := &DriftReport{Severity: SeverityNeutral}
	if alignment > harmonicAlignment {
		report.Severity = SeverityHarmonic
		report.ResonanceBoost = alignment
	}

	if err := s.engine.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("store: append a posteriori: %w", err)
	}
	if report.Severity == SeverityHarmonic {
		s.edges.Strengthen("entry:"+string(entry.Fingerprint), alignment)
	}
	s.notifyLedger(ctx, "aposteriori.commit", entry)
	return report, nil
}

// screen computes the conflict list and the best alignment score for a
// candidate content against trusted knowledge.
func (s *TieredStore) screen(ctx context.Context, content string) ([]ConflictRef, float64, error) {
	var conflicts []ConflictRef
	var alignment float64

	check := func(e *knowledge.Entry) error {
		if !e.Active() {
			return nil
		}
		if s.contradicts(content, e.Content) {
			conflicts = append(conflicts, ConflictRef{
				Tier:        e.OriginTier,
				Fingerprint: e.Fingerprint,
				Content:     e.Content,
			})
			return nil
		}
		// Seed entries always anchor alignment; other tiers only when
		// they have proven reliable.
		if e.OriginTier == knowledge.TierSeed || e.ResonanceScore > highConfidenceResonance {
			if sim := knowledge.TokenSimilarity(content, e.Content); sim > alignment {
				alignment = sim
			}
		}
		return nil
	}

	for _, tier := range []knowledge.Tier{knowledge.TierSeed, knowledge.TierAPriori} {
		if err := s.engine.ForEach(ctx, tier, check); err != nil {
			return nil, 0, fmt.Errorf("store: drift screen %s: %w", tier, err)
		}
	}
	return conflicts, alignment, nil
}

// Get resolves a fingerprint by tier priority: Seed, then active
// APriori, then the most recent non-retired APosteriori generation.
// Access telemetry is updated on the returned entry.
func (s *TieredStore) Get(ctx context.Context, fp knowledge.Fingerprint) (*knowledge.Entry, error) {
	for _, tier := range knowledge.AllTiers {
		entry, err := s.resolveTier(ctx, tier, fp)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("store: get %s: %w", tier, err)
		}
		if entry == nil {
			continue
		}

		entry.Touch(time.Now())
		if err := s.engine.UpdateEntry(ctx, entry); err != nil {
			// Telemetry is best-effort; the read itself succeeded.
			s.log.Warn("access telemetry update failed",
				"fingerprint", fp, "tier", tier, "error", err)
		}
		return entry, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, fp)
}

// resolveTier finds the entry that would answer a read in one tier, or
// nil when the tier has no eligible entry for the fingerprint.
func (s *TieredStore) resolveTier(ctx context.Context, tier knowledge.Tier, fp knowledge.Fingerprint) (*knowledge.Entry, error) {
	switch tier {
	case knowledge.TierSeed:
		return s.engine.GetLatest(ctx, tier, fp)

	case knowledge.TierAPriori:
		latest, err := s.engine.GetLatest(ctx, tier, fp)
		if err != nil {
			return nil, err
		}
		if !latest.Active() {
			return nil, nil
		}
		return latest, nil

	case knowledge.TierAPosteriori:
		gens, err := s.engine.GetGenerations(ctx, tier, fp)
		if err != nil {
			return nil, err
		}
		for i := len(gens) - 1; i >= 0; i-- {
			if !gens[i].Retired() {
				return gens[i], nil
			}
		}
		return nil, nil

	default:
		return nil, ErrUnknownTier
	}
}

// SearchSimilar scans all active entries across tiers and scores each
// by token-set overlap with the query. Scores at or below 0.1 are
// discarded. Results are ordered by score descending, ties broken by
// tier priority then resonance descending, and truncated to limit.
func (s *TieredStore) SearchSimilar(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	var results []SearchResult
	for _, tier := range knowledge.AllTiers {
		err := s.engine.ForEach(ctx, tier, func(e *knowledge.Entry) error {
			if !e.Active() {
				return nil
			}
			score := knowledge.TokenSimilarity(query, e.Content)
			if score > searchMinScore {
				results = append(results, SearchResult{Entry: e, Score: score})
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("store: search %s: %w", tier, err)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		pi := results[i].Entry.OriginTier.Priority()
		pj := results[j].Entry.OriginTier.Priority()
		if pi != pj {
			return pi < pj
		}
		return results[i].Entry.ResonanceScore > results[j].Entry.ResonanceScore
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// GenerationsOf returns the full version history for a fingerprint in
// one tier, including superseded and retired entries, in append order.
func (s *TieredStore) GenerationsOf(ctx context.Context, tier knowledge.Tier, fp knowledge.Fingerprint) ([]*knowledge.Entry, error) {
	gens, err := s.engine.GetGenerations(ctx, tier, fp)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fp)
	}
	return gens, err
}

// ForEachActive streams every active entry of a tier. Used by the
// cascade and pruning engines.
func (s *TieredStore) ForEachActive(ctx context.Context, tier knowledge.Tier, fn func(*knowledge.Entry) error) error {
	return s.engine.ForEach(ctx, tier, func(e *knowledge.Entry) error {
		if !e.Active() {
			return nil
		}
		return fn(e)
	})
}

// ForEachGroup streams the generations of each fingerprint in a tier
// as one group, in append order. Used by the pruning engine's
// deduplication step.
func (s *TieredStore) ForEachGroup(ctx context.Context, tier knowledge.Tier, fn func(knowledge.Fingerprint, []*knowledge.Entry) error) error {
	groups := make(map[knowledge.Fingerprint][]*knowledge.Entry)
	err := s.engine.ForEach(ctx, tier, func(e *knowledge.Entry) error {
		groups[e.Fingerprint] = append(groups[e.Fingerprint], e)
		return nil
	})
	if err != nil {
		return err
	}

	fps := make([]knowledge.Fingerprint, 0, len(groups))
	for fp := range groups {
		fps = append(fps, fp)
	}
	sort.Slice(fps, func(i, j int) bool { return fps[i] < fps[j] })

	for _, fp := range fps {
		gens := groups[fp]
		sort.Slice(gens, func(i, j int) bool { return gens[i].Generation < gens[j].Generation })
		if err := fn(fp, gens); err != nil {
			return err
		}
	}
	return nil
}

// UpdateEntry persists maintenance changes (state transitions,
// telemetry merges, resonance updates, flags) to an existing
// generation. The Seed tier is rejected: seed entries are immutable.
func (s *TieredStore) UpdateEntry(ctx context.Context, e *knowledge.Entry) error {
	if e.OriginTier == knowledge.TierSeed {
		return ErrImmutableViolation
	}
	if err := s.engine.UpdateEntry(ctx, e); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, e.Fingerprint)
		}
		return err
	}
	return nil
}

// FlagEntry attaches a turbulence flag to a stored entry and persists
// it. Seed entries never carry flags.
func (s *TieredStore) FlagEntry(ctx context.Context, e *knowledge.Entry, flag string) error {
	if e.OriginTier == knowledge.TierSeed {
		return nil
	}
	if e.HasFlag(flag) {
		return nil
	}
	e.AddFlag(flag)
	return s.UpdateEntry(ctx, e)
}

// Reinforce folds a resonance observation into the entry that answers
// reads for the fingerprint and persists the new score. Fingerprints
// resolving to the Seed tier are returned unchanged; seed resonance is
// fixed at full trust.
func (s *TieredStore) Reinforce(ctx context.Context, fp knowledge.Fingerprint, observation float64) (*knowledge.Entry, error) {
	for _, tier := range knowledge.AllTiers {
		entry, err := s.resolveTier(ctx, tier, fp)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("store: reinforce %s: %w", tier, err)
		}
		if entry == nil {
			continue
		}
		if tier == knowledge.TierSeed {
			return entry, nil
		}
		entry.UpdateResonance(observation)
		if err := s.engine.UpdateEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("store: reinforce %s: %w", fp, err)
		}
		return entry, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, fp)
}

// Stats returns per-tier entry counts.
func (s *TieredStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	counts := []struct {
		tier knowledge.Tier
		dst  *int64
	}{
		{knowledge.TierSeed, &stats.SeedCount},
		{knowledge.TierAPriori, &stats.APrioriCount},
		{knowledge.TierAPosteriori, &stats.APosterioriCount},
	}
	for _, c := range counts {
		n, err := s.engine.Count(ctx, c.tier)
		if err != nil {
			return Stats{}, fmt.Errorf("store: count %s: %w", c.tier, err)
		}
		*c.dst = n
	}
	return stats, nil
}

// notifyLedger reports a successful write to the provenance ledger.
// Failures are logged and never block the write.
func (s *TieredStore) notifyLedger(ctx context.Context, kind string, e *knowledge.Entry) {
	_, err := s.ledger.Append(ctx, ledger.Record{
		Kind:        kind,
		Fingerprint: string(e.Fingerprint),
		Tier:        string(e.OriginTier),
		Summary:     e.Content,
		At:          time.Now(),
	})
	if err != nil {
		s.log.Warn("provenance ledger append failed",
			"kind", kind, "fingerprint", e.Fingerprint, "error", err)
	}
}
