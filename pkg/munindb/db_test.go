package munindb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/munindb/pkg/cascade"
	"github.com/orneryd/munindb/pkg/config"
	"github.com/orneryd/munindb/pkg/identity"
	"github.com/orneryd/munindb/pkg/knowledge"
	"github.com/orneryd/munindb/pkg/quarantine"
	"github.com/orneryd/munindb/pkg/store"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Pruning.Enabled = false
	return cfg
}

func openTestDB(t *testing.T, opts *Options) *DB {
	t.Helper()
	db, err := Open("", testConfig(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenBootstrapQuery(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	require.NoError(t, db.Bootstrap(ctx, DefaultSeedTruths))

	resp, err := db.Query(ctx, "2 + 2")
	require.NoError(t, err)
	assert.Equal(t, cascade.SourceSeed, resp.Source)
	assert.Equal(t, "2 + 2 = 4", resp.Result)
	assert.Equal(t, 0.95, resp.Confidence)

	// Bootstrap is one-time.
	assert.ErrorIs(t, db.Bootstrap(ctx, DefaultSeedTruths), store.ErrAlreadyBootstrapped)
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	entry, report, err := db.Put(ctx, "observed pattern in traces", knowledge.TierAPosteriori)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, store.SeverityNeutral, report.Severity)

	got, err := db.Get(ctx, entry.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "observed pattern in traces", got.Content)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)
	require.NoError(t, db.Bootstrap(ctx, []string{"water freezes at zero celsius"}))

	results, err := db.Search(ctx, "water freezes", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "water freezes at zero celsius", results[0].Entry.Content)
}

func TestMaintainBumpsOntology(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)
	require.NoError(t, db.Bootstrap(ctx, []string{"a seed truth"}))

	before, err := db.Health(ctx)
	require.NoError(t, err)

	_, err = db.Maintain(ctx)
	require.NoError(t, err)

	after, err := db.Health(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before.OntologyVersion, after.OntologyVersion)

	// The refreshed metrics reflect the stored knowledge, not zeros.
	snap := db.cascade.Ontology().Snapshot()
	assert.Equal(t, 1.0, snap.ResonanceScore, "one seed entry at full trust")
}

func TestReinforceUpdatesResonance(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)

	entry, _, err := db.PutScored(ctx, "retries mask transient faults", knowledge.TierAPosteriori, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.5, entry.ResonanceScore)

	reinforced, err := db.Reinforce(ctx, entry.Fingerprint, 1.0)
	require.NoError(t, err)
	assert.Greater(t, reinforced.ResonanceScore, 0.5)
}

func TestConflictEscalatesToQuarantine(t *testing.T) {
	ctx := context.Background()

	reasoner := knowledge.ReasonerFunc(func(ctx context.Context, query string, depth int) (knowledge.Conclusion, error) {
		return knowledge.Conclusion{Text: "not the sky is blue", Confidence: 0.99}, nil
	})
	db := openTestDB(t, &Options{Reasoner: reasoner, Signer: identity.AllowAll{}})
	require.NoError(t, db.Bootstrap(ctx, []string{"the sky is blue"}))

	_, err := db.Query(ctx, "what color is the void")
	require.NoError(t, err)

	// The rejected conclusion landed in quarantine, not in a tier.
	fp := knowledge.NewFingerprint("not the sky is blue")
	rec, err := db.Quarantine().Get(fp)
	require.NoError(t, err)
	assert.Equal(t, quarantine.StatusQuarantined, rec.Status)

	_, err = db.Get(ctx, fp)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)
	require.NoError(t, db.Bootstrap(ctx, []string{"a", "b", "c"}))

	health, err := db.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), health.Tiers.SeedCount)
	assert.Zero(t, health.Entropy)
	assert.NotEmpty(t, health.OntologyVersion)
}

func TestClosedDB(t *testing.T) {
	db, err := Open("", testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "double close is a no-op")

	ctx := context.Background()
	assert.ErrorIs(t, db.Bootstrap(ctx, DefaultSeedTruths), ErrClosed)
	_, err = db.Query(ctx, "anything")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Health(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := Open(dir, testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, db.Bootstrap(ctx, []string{"persisted truth"}))
	require.NoError(t, db.Close())

	reopened, err := Open(dir, testConfig(), nil)
	require.NoError(t, err)
	defer reopened.Close()

	entry, err := reopened.Get(ctx, knowledge.NewFingerprint("persisted truth"))
	require.NoError(t, err)
	assert.Equal(t, "persisted truth", entry.Content)

	// Seed immutability survives the restart.
	assert.ErrorIs(t, reopened.Bootstrap(ctx, []string{"other"}), store.ErrAlreadyBootstrapped)
}

func TestDefaultSeedTruths(t *testing.T) {
	assert.Len(t, DefaultSeedTruths, 15)
	assert.Contains(t, DefaultSeedTruths, "2 + 2 = 4")
}
