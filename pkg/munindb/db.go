// Package munindb is the embedded entry point for MuninDB, a tiered
// knowledge store for autonomous reasoning agents.
//
// A DB wires together the storage engine, the tiered store, the query
// cascade, background maintenance, and the quarantine workflow behind
// one handle:
//
//	db, err := munindb.Open("/var/lib/munindb", nil, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	_ = db.Bootstrap(ctx, munindb.DefaultSeedTruths)
//	resp, _ := db.Query(ctx, "the speed of light")
//
// Knowledge lives in three tiers of descending trust: Seed truths are
// immutable, APriori rules are versioned, and APosteriori observations
// are append-only. Queries cascade through the tiers and fall back to
// an injected reasoning collaborator under a circuit breaker.
package munindb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/orneryd/munindb/pkg/cascade"
	"github.com/orneryd/munindb/pkg/config"
	"github.com/orneryd/munindb/pkg/edge"
	"github.com/orneryd/munindb/pkg/identity"
	"github.com/orneryd/munindb/pkg/knowledge"
	"github.com/orneryd/munindb/pkg/ledger"
	"github.com/orneryd/munindb/pkg/pruning"
	"github.com/orneryd/munindb/pkg/quarantine"
	"github.com/orneryd/munindb/pkg/storage"
	"github.com/orneryd/munindb/pkg/store"
)

// ErrClosed is returned by operations on a closed DB.
var ErrClosed = errors.New("munindb: database closed")

// DefaultSeedTruths is the stock bootstrap set of foundational
// knowledge.
var DefaultSeedTruths = []string{
	"The speed of light in vacuum is 299,792,458 m/s",
	"Water freezes at 0°C at sea level",
	"2 + 2 = 4",
	"A triangle has three sides",
	"The Earth orbits the Sun",
	"Gravity attracts objects with mass",
	"Energy cannot be created or destroyed",
	"Every effect has a cause",
	"Contradiction implies falsehood",
	"Identity is reflexive",
	"The whole is greater than the sum of its parts",
	"Change is constant",
	"Consciousness exists",
	"Truth is correspondence to reality",
	"Knowledge requires justification",
}

// Options carries the injectable collaborators. All fields are
// optional.
type Options struct {
	// Reasoner answers queries the stored tiers cannot. nil disables
	// live reasoning.
	Reasoner knowledge.Reasoner

	// Ledger receives provenance records for every write. Defaults to
	// a logging ledger.
	Ledger ledger.Ledger

	// Signer authorizes quarantine decisions. Defaults to DenyAll so
	// promotion is impossible until an identity collaborator is wired.
	Signer identity.Signer

	// Contradicts overrides the contradiction heuristic.
	Contradicts knowledge.ContradictionPredicate

	// Logger defaults to a handler built from the logging config.
	Logger *slog.Logger
}

// Health is a point-in-time view of knowledge-graph health.
type Health struct {
	Entropy         float64     `json:"entropy"`
	Tiers           store.Stats `json:"tiers"`
	ActiveEdges     int         `json:"active_edges"`
	PrunedEdges     int         `json:"pruned_edges"`
	OntologyVersion string      `json:"ontology_version"`
}

// DB is an open MuninDB instance.
type DB struct {
	cfg *config.Config
	log *slog.Logger

	engine     storage.Engine
	store      *store.TieredStore
	cascade    *cascade.Engine
	pruning    *pruning.Engine
	quarantine *quarantine.Quarantine

	mu     sync.Mutex
	closed bool
}

// Open creates a DB at dataDir. An empty dataDir selects the in-memory
// engine. cfg nil loads from the environment; opts nil uses defaults.
func Open(dataDir string, cfg *config.Config, opts *Options) (*DB, error) {
	if cfg == nil {
		cfg = config.LoadFromEnv()
	}
	if dataDir != "" {
		cfg.Store.DataDir = dataDir
		cfg.Store.InMemory = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = newLogger(cfg.Logging)
	}

	var engine storage.Engine
	var err error
	if cfg.Store.InMemory {
		engine = storage.NewMemoryEngine()
	} else {
		engine, err = storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
			DataDir:    cfg.Store.DataDir,
			SyncWrites: cfg.Store.SyncWrites,
		})
		if err != nil {
			return nil, fmt.Errorf("munindb: open storage: %w", err)
		}
	}

	prov := opts.Ledger
	if prov == nil {
		prov = ledger.Log{Logger: logger}
	}
	signer := opts.Signer
	if signer == nil {
		signer = identity.DenyAll{}
	}

	edges := edge.NewTable()
	tiered := store.New(engine, &store.Options{
		Ledger:      prov,
		Contradicts: opts.Contradicts,
		Edges:       edges,
		Logger:      logger,
	})

	q := quarantine.New(tiered, signer, quarantine.Config{
		ReviewResonance: cfg.Quarantine.ReviewResonance,
		ReviewVolume:    cfg.Quarantine.ReviewVolume,
	}, logger)

	casc := cascade.New(tiered, cascade.Config{
		MaxDepth: cfg.Cascade.MaxDepth,
		Timeout:  cfg.Cascade.Timeout,
	}, &cascade.Options{
		Reasoner:    opts.Reasoner,
		Contradicts: opts.Contradicts,
		Logger:      logger,
		Escalate: func(principle string, confidence float64) {
			q.AddCandidate(principle, quarantine.Stats{Resonance: confidence, QueryCount: 1})
		},
	})

	maint := pruning.New(tiered, pruning.Config{
		Interval:         cfg.Pruning.Interval,
		RetryBackoff:     cfg.Pruning.RetryBackoff,
		EdgeMinSamples:   cfg.Pruning.EdgeMinSamples,
		EdgeThreshold:    cfg.Pruning.EdgeThreshold,
		EntropyThreshold: cfg.Pruning.EntropyThreshold,
	}, &pruning.Options{Logger: logger})

	db := &DB{
		cfg:        cfg,
		log:        logger,
		engine:     engine,
		store:      tiered,
		cascade:    casc,
		pruning:    maint,
		quarantine: q,
	}

	if cfg.Pruning.Enabled {
		if err := maint.Start(context.Background()); err != nil {
			engine.Close()
			return nil, fmt.Errorf("munindb: start maintenance: %w", err)
		}
	}
	return db, nil
}

// Bootstrap loads foundational truths into the Seed tier. Fails if the
// tier is already populated.
func (db *DB) Bootstrap(ctx context.Context, truths []string) error {
	if db.isClosed() {
		return ErrClosed
	}
	return db.store.BootstrapSeed(ctx, truths)
}

// Put writes content into a tier. The fingerprint is derived from the
// content. For APosteriori writes the drift report describes the
// screening outcome.
func (db *DB) Put(ctx context.Context, content string, tier knowledge.Tier) (*knowledge.Entry, *store.DriftReport, error) {
	if db.isClosed() {
		return nil, nil, ErrClosed
	}
	fp := knowledge.NewFingerprint(content)
	return db.store.Put(ctx, fp, content, tier)
}

// PutScored is Put with an initial resonance observation, for callers
// that already know how well the content held up.
func (db *DB) PutScored(ctx context.Context, content string, tier knowledge.Tier, resonance float64) (*knowledge.Entry, *store.DriftReport, error) {
	if db.isClosed() {
		return nil, nil, ErrClosed
	}
	fp := knowledge.NewFingerprint(content)
	return db.store.PutScored(ctx, fp, content, tier, resonance)
}

// Reinforce folds a validation outcome into the resonance of the entry
// answering the fingerprint.
func (db *DB) Reinforce(ctx context.Context, fp knowledge.Fingerprint, observation float64) (*knowledge.Entry, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}
	return db.store.Reinforce(ctx, fp, observation)
}

// Get resolves a fingerprint through the tier cascade.
func (db *DB) Get(ctx context.Context, fp knowledge.Fingerprint) (*knowledge.Entry, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}
	return db.store.Get(ctx, fp)
}

// Query resolves free text through the cascade engine.
func (db *DB) Query(ctx context.Context, query string) (*cascade.Response, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}
	return db.cascade.Query(ctx, query)
}

// Search scores active entries by token overlap with the query.
func (db *DB) Search(ctx context.Context, query string, limit int) ([]store.SearchResult, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}
	return db.store.SearchSimilar(ctx, query, limit)
}

// Maintain runs one maintenance cycle immediately and bumps the
// ontology version with refreshed metrics.
func (db *DB) Maintain(ctx context.Context) (*pruning.Report, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}
	report, err := db.pruning.RunOnce(ctx)
	if err != nil {
		return report, err
	}

	edges := db.store.Edges()
	db.cascade.Ontology().UpdateMetrics(db.meanResonance(ctx), report.Entropy,
		edges.ActiveCount(), edges.PrunedCount())
	db.cascade.Ontology().Bump()
	return report, nil
}

// meanResonance averages the resonance of every active entry across the
// tiers. Zero when the store is empty.
func (db *DB) meanResonance(ctx context.Context) float64 {
	var sum float64
	var n int
	for _, tier := range knowledge.AllTiers {
		err := db.store.ForEachActive(ctx, tier, func(e *knowledge.Entry) error {
			sum += e.ResonanceScore
			n++
			return nil
		})
		if err != nil {
			db.log.Warn("resonance sweep failed", "tier", tier, "error", err)
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Quarantine returns the candidate-review workflow.
func (db *DB) Quarantine() *quarantine.Quarantine {
	return db.quarantine
}

// Store returns the underlying tiered store.
func (db *DB) Store() *store.TieredStore {
	return db.store
}

// Health reports knowledge-graph health.
func (db *DB) Health(ctx context.Context) (*Health, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}

	stats, err := db.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	entropy, err := db.pruning.Entropy(ctx)
	if err != nil {
		return nil, err
	}

	edges := db.store.Edges()
	return &Health{
		Entropy:         entropy,
		Tiers:           stats,
		ActiveEdges:     edges.ActiveCount(),
		PrunedEdges:     edges.PrunedCount(),
		OntologyVersion: db.cascade.Ontology().VersionID(),
	}, nil
}

// Close stops background maintenance and closes the storage engine.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	db.pruning.Stop()
	return db.engine.Close()
}

func (db *DB) isClosed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
