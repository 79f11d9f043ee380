package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/munindb/pkg/knowledge"
)

func newTestBadger(t *testing.T) *BadgerEngine {
	t.Helper()
	engine, err := NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestBadgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBadger(t)

	e := knowledge.NewEntry("gravity attracts objects with mass", knowledge.TierSeed)
	e.ResonanceScore = 1.0
	require.NoError(t, b.AppendEntry(ctx, e))
	assert.Equal(t, uint64(1), e.Generation)

	got, err := b.GetLatest(ctx, knowledge.TierSeed, e.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, e.Content, got.Content)
	assert.Equal(t, e.Fingerprint, got.Fingerprint)
	assert.Equal(t, 1.0, got.ResonanceScore)
	assert.Equal(t, knowledge.StateActive, got.State)
}

func TestBadgerGenerationOrdering(t *testing.T) {
	ctx := context.Background()
	b := newTestBadger(t)

	for i := 0; i < 5; i++ {
		e := knowledge.NewEntry("repeated observation", knowledge.TierAPosteriori)
		require.NoError(t, b.AppendEntry(ctx, e))
		assert.Equal(t, uint64(i+1), e.Generation)
	}

	gens, err := b.GetGenerations(ctx, knowledge.TierAPosteriori, knowledge.NewFingerprint("repeated observation"))
	require.NoError(t, err)
	require.Len(t, gens, 5)
	for i, g := range gens {
		assert.Equal(t, uint64(i+1), g.Generation, "ascending append order")
	}
}

func TestBadgerTierIsolation(t *testing.T) {
	ctx := context.Background()
	b := newTestBadger(t)

	// Same content in two tiers shares a fingerprint but not storage.
	seed := knowledge.NewEntry("shared content", knowledge.TierSeed)
	require.NoError(t, b.AppendEntry(ctx, seed))

	has, err := b.HasFingerprint(ctx, knowledge.TierAPosteriori, seed.Fingerprint)
	require.NoError(t, err)
	assert.False(t, has)

	n, err := b.Count(ctx, knowledge.TierSeed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBadgerUpdateEntry(t *testing.T) {
	ctx := context.Background()
	b := newTestBadger(t)

	e := knowledge.NewEntry("rule", knowledge.TierAPriori)
	require.NoError(t, b.AppendEntry(ctx, e))

	e.Supersede()
	require.NoError(t, b.UpdateEntry(ctx, e))

	got, err := b.GetLatest(ctx, knowledge.TierAPriori, e.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, knowledge.StateSuperseded, got.State)

	ghost := knowledge.NewEntry("never stored", knowledge.TierAPriori)
	ghost.Generation = 9
	assert.ErrorIs(t, b.UpdateEntry(ctx, ghost), ErrNotFound)
}

func TestBadgerForEachStop(t *testing.T) {
	ctx := context.Background()
	b := newTestBadger(t)

	require.NoError(t, b.AppendEntry(ctx, knowledge.NewEntry("a", knowledge.TierSeed)))
	require.NoError(t, b.AppendEntry(ctx, knowledge.NewEntry("b", knowledge.TierSeed)))

	var seen int
	err := b.ForEach(ctx, knowledge.TierSeed, func(e *knowledge.Entry) error {
		seen++
		return ErrIterationStopped
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestBadgerPersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	engine, err := NewBadgerEngine(dir)
	require.NoError(t, err)

	e := knowledge.NewEntry("persisted truth", knowledge.TierSeed)
	require.NoError(t, engine.AppendEntry(ctx, e))
	require.NoError(t, engine.Close())

	reopened, err := NewBadgerEngine(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetLatest(ctx, knowledge.TierSeed, e.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "persisted truth", got.Content)

	// Generation numbering continues where it left off.
	e2 := knowledge.NewEntry("persisted truth", knowledge.TierAPosteriori)
	require.NoError(t, reopened.AppendEntry(ctx, e2))
	assert.Equal(t, uint64(1), e2.Generation)
}

func TestBadgerClosed(t *testing.T) {
	ctx := context.Background()
	b, err := NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "double close is a no-op")

	err = b.AppendEntry(ctx, knowledge.NewEntry("x", knowledge.TierSeed))
	assert.ErrorIs(t, err, ErrStorageClosed)
}

func TestBadgerRequiresDataDir(t *testing.T) {
	_, err := NewBadgerEngineWithOptions(BadgerOptions{})
	assert.Error(t, err)
}
