package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/munindb/pkg/knowledge"
	"github.com/orneryd/munindb/pkg/ledger"
	"github.com/orneryd/munindb/pkg/storage"
)

func newTestStore(t *testing.T, opts *Options) *TieredStore {
	t.Helper()
	engine := storage.NewMemoryEngine()
	t.Cleanup(func() { engine.Close() })
	return New(engine, opts)
}

func TestBootstrapSeed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	truths := []string{"2 + 2 = 4", "a triangle has three sides"}
	require.NoError(t, s.BootstrapSeed(ctx, truths))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.SeedCount)

	// One-time only.
	assert.ErrorIs(t, s.BootstrapSeed(ctx, truths), ErrAlreadyBootstrapped)

	entry, err := s.Get(ctx, knowledge.NewFingerprint("2 + 2 = 4"))
	require.NoError(t, err)
	assert.Equal(t, knowledge.TierSeed, entry.OriginTier)
	assert.Equal(t, 1.0, entry.ResonanceScore)
}

func TestSeedImmutable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	fp := knowledge.NewFingerprint("immutable truth")
	_, _, err := s.Put(ctx, fp, "immutable truth", knowledge.TierSeed)
	require.NoError(t, err)

	_, _, err = s.Put(ctx, fp, "rewritten truth", knowledge.TierSeed)
	assert.ErrorIs(t, err, ErrImmutableViolation)

	// The original content is untouched.
	entry, err := s.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, "immutable truth", entry.Content)
}

func TestAPrioriSupersession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	fp := knowledge.NewFingerprint("rule")
	_, _, err := s.Put(ctx, fp, "rule v1", knowledge.TierAPriori)
	require.NoError(t, err)
	_, _, err = s.Put(ctx, fp, "rule v2", knowledge.TierAPriori)
	require.NoError(t, err)

	// The active version is the newest.
	entry, err := s.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, "rule v2", entry.Content)
	assert.True(t, entry.Active())

	// History is preserved with the prior version superseded.
	gens, err := s.GenerationsOf(ctx, knowledge.TierAPriori, fp)
	require.NoError(t, err)
	require.Len(t, gens, 2)
	assert.Equal(t, knowledge.StateSuperseded, gens[0].State)
	assert.Equal(t, knowledge.StateActive, gens[1].State)
}

func TestAPosterioriAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	fp := knowledge.NewFingerprint("observation")
	for i := 0; i < 3; i++ {
		_, report, err := s.Put(ctx, fp, "observation", knowledge.TierAPosteriori)
		require.NoError(t, err)
		require.NotNil(t, report)
		assert.Equal(t, SeverityNeutral, report.Severity)
	}

	gens, err := s.GenerationsOf(ctx, knowledge.TierAPosteriori, fp)
	require.NoError(t, err)
	assert.Len(t, gens, 3)
}

func TestDriftConflictRejected(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory()
	s := newTestStore(t, &Options{Ledger: mem})

	require.NoError(t, s.BootstrapSeed(ctx, []string{"the sky is blue"}))
	before := len(mem.Records())

	fp := knowledge.NewFingerprint("not the sky is blue")
	_, report, err := s.Put(ctx, fp, "not the sky is blue", knowledge.TierAPosteriori)
	assert.ErrorIs(t, err, ErrConflictDetected)
	require.NotNil(t, report)
	assert.Equal(t, SeverityCritical, report.Severity)
	require.NotEmpty(t, report.Conflicts)
	assert.Equal(t, knowledge.TierSeed, report.Conflicts[0].Tier)
	assert.Equal(t, "REQUIRE_HUMAN_REVIEW", report.Recommendation)

	// The conflicting entry was never stored and never notarized.
	_, err = s.Get(ctx, fp)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, mem.Records(), before)
}

func TestDriftHarmonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	require.NoError(t, s.BootstrapSeed(ctx, []string{"water freezes at zero degrees celsius"}))

	// 6 shared tokens over a 7-token union clears the harmonic bar.
	content := "water freezes at exactly zero degrees celsius"
	fp := knowledge.NewFingerprint(content)
	_, report, err := s.Put(ctx, fp, content, knowledge.TierAPosteriori)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, SeverityHarmonic, report.Severity)
	assert.Greater(t, report.ResonanceBoost, harmonicAlignment)

	// Harmonic commits strengthen the entry's edge.
	w, ok := s.Edges().Resonance("entry:" + string(fp))
	require.True(t, ok)
	assert.Greater(t, w, 0.0)
}

func TestGetCascadePriority(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	// Same fingerprint in all three tiers: Seed wins.
	fp := knowledge.NewFingerprint("shared")
	_, _, err := s.Put(ctx, fp, "shared", knowledge.TierAPosteriori)
	require.NoError(t, err)
	_, _, err = s.Put(ctx, fp, "shared", knowledge.TierAPriori)
	require.NoError(t, err)
	_, _, err = s.Put(ctx, fp, "shared", knowledge.TierSeed)
	require.NoError(t, err)

	entry, err := s.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, knowledge.TierSeed, entry.OriginTier)
}

func TestGetSkipsRetiredGenerations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	fp := knowledge.NewFingerprint("obs")
	_, _, err := s.Put(ctx, fp, "obs", knowledge.TierAPosteriori)
	require.NoError(t, err)
	_, _, err = s.Put(ctx, fp, "obs", knowledge.TierAPosteriori)
	require.NoError(t, err)

	// Retire the newest generation; reads fall back to the prior one.
	gens, err := s.GenerationsOf(ctx, knowledge.TierAPosteriori, fp)
	require.NoError(t, err)
	gens[1].Retire(time.Now())
	require.NoError(t, s.UpdateEntry(ctx, gens[1]))

	entry, err := s.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Generation)
}

func TestGetTelemetry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	fp := knowledge.NewFingerprint("tracked")
	_, _, err := s.Put(ctx, fp, "tracked", knowledge.TierAPriori)
	require.NoError(t, err)

	_, err = s.Get(ctx, fp)
	require.NoError(t, err)
	entry, err := s.Get(ctx, fp)
	require.NoError(t, err)

	assert.Equal(t, int64(2), entry.AccessCount)
	assert.False(t, entry.LastAccessed.IsZero())
}

func TestGetNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	_, err := s.Get(ctx, "deadbeefdeadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearchSimilar(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	require.NoError(t, s.BootstrapSeed(ctx, []string{
		"water freezes at zero celsius",
		"light travels very fast",
	}))
	_, _, err := s.Put(ctx, knowledge.NewFingerprint("water boils at one hundred celsius"),
		"water boils at one hundred celsius", knowledge.TierAPosteriori)
	require.NoError(t, err)

	results, err := s.SearchSimilar(ctx, "water freezes at zero celsius", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	// Exact match first, ordered by descending score.
	assert.Equal(t, "water freezes at zero celsius", results[0].Entry.Content)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}

	// Unrelated content never makes the cut.
	for _, r := range results {
		assert.NotEqual(t, "light travels very fast", r.Entry.Content)
	}

	// Limit is honored.
	limited, err := s.SearchSimilar(ctx, "water celsius", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSearchExcludesSuperseded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	fp := knowledge.NewFingerprint("rule")
	_, _, err := s.Put(ctx, fp, "parsing rule alpha beta", knowledge.TierAPriori)
	require.NoError(t, err)
	_, _, err = s.Put(ctx, fp, "parsing rule gamma delta", knowledge.TierAPriori)
	require.NoError(t, err)

	results, err := s.SearchSimilar(ctx, "parsing rule alpha beta", 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "parsing rule alpha beta", r.Entry.Content, "superseded version excluded")
	}
}

func TestLedgerNotified(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory()
	s := newTestStore(t, &Options{Ledger: mem})

	require.NoError(t, s.BootstrapSeed(ctx, []string{"a", "b"}))
	_, _, err := s.Put(ctx, knowledge.NewFingerprint("c"), "c", knowledge.TierAPriori)
	require.NoError(t, err)
	_, _, err = s.Put(ctx, knowledge.NewFingerprint("d"), "d", knowledge.TierAPosteriori)
	require.NoError(t, err)

	records := mem.Records()
	require.Len(t, records, 4)
	kinds := make(map[string]int)
	for _, r := range records {
		kinds[r.Kind]++
	}
	assert.Equal(t, 2, kinds["seed.bootstrap"])
	assert.Equal(t, 1, kinds["apriori.put"])
	assert.Equal(t, 1, kinds["aposteriori.commit"])
}

func TestCustomContradictionPredicate(t *testing.T) {
	ctx := context.Background()
	// A predicate that treats everything as contradictory.
	s := newTestStore(t, &Options{
		Contradicts: func(a, b string) bool { return true },
	})

	require.NoError(t, s.BootstrapSeed(ctx, []string{"anything"}))

	_, report, err := s.Put(ctx, knowledge.NewFingerprint("else"), "else", knowledge.TierAPosteriori)
	assert.ErrorIs(t, err, ErrConflictDetected)
	assert.Equal(t, SeverityCritical, report.Severity)
}

func TestUpdateEntryRejectsSeed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	require.NoError(t, s.BootstrapSeed(ctx, []string{"truth"}))
	gens, err := s.GenerationsOf(ctx, knowledge.TierSeed, knowledge.NewFingerprint("truth"))
	require.NoError(t, err)

	gens[0].Content = "tampered"
	assert.ErrorIs(t, s.UpdateEntry(ctx, gens[0]), ErrImmutableViolation)
}

func TestFlagEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	fp := knowledge.NewFingerprint("obs")
	entry, _, err := s.Put(ctx, fp, "obs", knowledge.TierAPosteriori)
	require.NoError(t, err)

	require.NoError(t, s.FlagEntry(ctx, entry, knowledge.FlagContradiction))
	require.NoError(t, s.FlagEntry(ctx, entry, knowledge.FlagContradiction), "idempotent")

	got, err := s.Get(ctx, fp)
	require.NoError(t, err)
	assert.True(t, got.HasFlag(knowledge.FlagContradiction))
	assert.Len(t, got.TurbulenceFlags, 1)
}

func TestForEachGroup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	for i := 0; i < 2; i++ {
		_, _, err := s.Put(ctx, knowledge.NewFingerprint("a"), "a", knowledge.TierAPosteriori)
		require.NoError(t, err)
	}
	_, _, err := s.Put(ctx, knowledge.NewFingerprint("b"), "b", knowledge.TierAPosteriori)
	require.NoError(t, err)

	groups := make(map[knowledge.Fingerprint]int)
	err = s.ForEachGroup(ctx, knowledge.TierAPosteriori, func(fp knowledge.Fingerprint, gens []*knowledge.Entry) error {
		groups[fp] = len(gens)
		for i := 1; i < len(gens); i++ {
			assert.Greater(t, gens[i].Generation, gens[i-1].Generation)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, groups[knowledge.NewFingerprint("a")])
	assert.Equal(t, 1, groups[knowledge.NewFingerprint("b")])
}

func TestPutScoredSeedsResonance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	fp := knowledge.NewFingerprint("the build flaked twice this week")
	entry, _, err := s.PutScored(ctx, fp, "the build flaked twice this week", knowledge.TierAPosteriori, 0.9)
	require.NoError(t, err)
	assert.Equal(t, 0.9, entry.ResonanceScore)

	got, err := s.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, 0.9, got.ResonanceScore)

	// Plain Put starts at zero and earns resonance later.
	plain := knowledge.NewFingerprint("another observation")
	entry, _, err = s.Put(ctx, plain, "another observation", knowledge.TierAPosteriori)
	require.NoError(t, err)
	assert.Zero(t, entry.ResonanceScore)

	// Seed writes ignore the score.
	seedFP := knowledge.NewFingerprint("a foundational truth")
	entry, _, err = s.PutScored(ctx, seedFP, "a foundational truth", knowledge.TierSeed, 0.2)
	require.NoError(t, err)
	assert.Equal(t, 1.0, entry.ResonanceScore)
}

func TestReinforce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	fp := knowledge.NewFingerprint("deploys fail on fridays")
	_, _, err := s.PutScored(ctx, fp, "deploys fail on fridays", knowledge.TierAPosteriori, 0.5)
	require.NoError(t, err)

	entry, err := s.Reinforce(ctx, fp, 1.0)
	require.NoError(t, err)
	assert.Greater(t, entry.ResonanceScore, 0.5)

	got, err := s.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, entry.ResonanceScore, got.ResonanceScore, "new score persisted")

	// Seed entries stay fully trusted.
	require.NoError(t, s.BootstrapSeed(ctx, []string{"water is wet"}))
	seed, err := s.Reinforce(ctx, knowledge.NewFingerprint("water is wet"), 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, seed.ResonanceScore)

	_, err = s.Reinforce(ctx, "missing", 0.9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutUnknownTier(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	_, _, err := s.Put(ctx, "fp", "content", knowledge.Tier("EPISODIC"))
	assert.ErrorIs(t, err, ErrUnknownTier)
}
