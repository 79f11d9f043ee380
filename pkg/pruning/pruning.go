// Package pruning implements background hygiene for the knowledge
// graph: deduplication of redundant APosteriori generations, expiry of
// entries past their validity window, retirement of low-value edges,
// and the entropy measurement that watches for accumulating
// contradictions.
//
// A maintenance cycle runs its steps independently; one failing step
// never blocks the others. Cycles run on a fixed interval with a
// shorter retry backoff after a cycle that reported step errors.
package pruning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orneryd/munindb/pkg/edge"
	"github.com/orneryd/munindb/pkg/knowledge"
	"github.com/orneryd/munindb/pkg/store"
)

// Defaults for the maintenance configuration.
const (
	DefaultInterval         = 24 * time.Hour
	DefaultRetryBackoff     = time.Hour
	DefaultEdgeMinSamples   = 1000
	DefaultEdgeThreshold    = 0.3
	DefaultEntropyThreshold = 0.15
)

// ErrAlreadyRunning is returned by Start when the engine is running.
var ErrAlreadyRunning = errors.New("pruning: engine already running")

// Config tunes the maintenance engine.
type Config struct {
	// Interval between maintenance cycles.
	Interval time.Duration

	// RetryBackoff shortens the wait after a cycle with step errors.
	RetryBackoff time.Duration

	// EdgeMinSamples is the traversal history size an edge needs before
	// it can be judged.
	EdgeMinSamples int

	// EdgeThreshold retires edges whose mean traversal resonance falls
	// below it.
	EdgeThreshold float64

	// EntropyThreshold fires a fatigue alert when the contradiction
	// ratio exceeds it.
	EntropyThreshold float64
}

// DefaultConfig returns the stock maintenance settings.
func DefaultConfig() Config {
	return Config{
		Interval:         DefaultInterval,
		RetryBackoff:     DefaultRetryBackoff,
		EdgeMinSamples:   DefaultEdgeMinSamples,
		EdgeThreshold:    DefaultEdgeThreshold,
		EntropyThreshold: DefaultEntropyThreshold,
	}
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.EdgeMinSamples <= 0 {
		c.EdgeMinSamples = DefaultEdgeMinSamples
	}
	if c.EdgeThreshold <= 0 {
		c.EdgeThreshold = DefaultEdgeThreshold
	}
	if c.EntropyThreshold <= 0 {
		c.EntropyThreshold = DefaultEntropyThreshold
	}
}

// FatigueAlert signals that the knowledge graph has accumulated too
// many contradiction-flagged entries.
type FatigueAlert struct {
	Entropy        float64   `json:"entropy"`
	Threshold      float64   `json:"threshold"`
	ObservedAt     time.Time `json:"observed_at"`
	Recommendation string    `json:"recommendation"`
}

// AlertFunc receives fatigue alerts. The default implementation logs
// them at warning level.
type AlertFunc func(FatigueAlert)

// Report summarizes one maintenance cycle.
type Report struct {
	Merged      int     `json:"merged"`
	Expired     int     `json:"expired"`
	EdgesPruned int     `json:"edges_pruned"`
	Entropy     float64 `json:"entropy"`
	AlertFired  bool    `json:"alert_fired"`

	// StepErrors carries per-step failures; the other steps of the
	// cycle still ran.
	StepErrors []error `json:"-"`
}

// Engine runs maintenance cycles over a tiered store and its edge
// table.
type Engine struct {
	store *store.TieredStore
	edges *edge.Table
	cfg   Config
	log   *slog.Logger
	alert AlertFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Options configures optional engine collaborators.
type Options struct {
	// Alert receives fatigue alerts. Defaults to a warning log entry.
	Alert AlertFunc

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// New creates a maintenance engine bound to a tiered store.
func New(s *store.TieredStore, cfg Config, opts *Options) *Engine {
	if opts == nil {
		opts = &Options{}
	}
	cfg.applyDefaults()

	e := &Engine{
		store: s,
		edges: s.Edges(),
		cfg:   cfg,
		log:   opts.Logger,
		alert: opts.Alert,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.alert == nil {
		e.alert = func(a FatigueAlert) {
			e.log.Warn("knowledge fatigue alert",
				"entropy", a.Entropy,
				"threshold", a.Threshold,
				"recommendation", a.Recommendation,
			)
		}
	}
	return e
}

// Start launches the background maintenance loop. The first cycle runs
// after one interval.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	e.wg.Add(1)
	go e.loop(runCtx)
	return nil
}

// Stop halts the background loop and waits for an in-flight cycle to
// finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	wait := e.cfg.Interval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		report, err := e.RunOnce(ctx)
		switch {
		case err != nil:
			e.log.Error("maintenance cycle failed", "error", err)
			wait = e.cfg.RetryBackoff
		case len(report.StepErrors) > 0:
			e.log.Warn("maintenance cycle completed with step errors",
				"errors", len(report.StepErrors))
			wait = e.cfg.RetryBackoff
		default:
			e.log.Info("maintenance cycle completed",
				"merged", report.Merged,
				"expired", report.Expired,
				"edges_pruned", report.EdgesPruned,
				"entropy", report.Entropy,
			)
			wait = e.cfg.Interval
		}
		timer.Reset(wait)
	}
}

// RunOnce executes one full maintenance cycle. Steps are fault
// isolated: a failing step is recorded in the report and the remaining
// steps still run. The error return is reserved for a cancelled
// context.
func (e *Engine) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{}

	steps := []struct {
		name string
		run  func(context.Context, *Report) error
	}{
		{"dedupe", e.dedupe},
		{"expire", e.expire},
		{"edges", e.pruneEdges},
		{"entropy", e.measureEntropy},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := step.run(ctx, report); err != nil {
			report.StepErrors = append(report.StepErrors,
				fmt.Errorf("pruning: %s step: %w", step.name, err))
		}
	}
	return report, nil
}

// dedupe collapses redundant APosteriori generations: for each
// fingerprint with more than one live generation, the highest-resonance
// generation survives with merged access telemetry and the rest are
// retired.
func (e *Engine) dedupe(ctx context.Context, report *Report) error {
	now := time.Now()
	return e.store.ForEachGroup(ctx, knowledge.TierAPosteriori, func(fp knowledge.Fingerprint, gens []*knowledge.Entry) error {
		var live []*knowledge.Entry
		for _, g := range gens {
			if !g.Retired() {
				live = append(live, g)
			}
		}
		if len(live) < 2 {
			return nil
		}

		keeper := live[0]
		for _, g := range live[1:] {
			if g.ResonanceScore > keeper.ResonanceScore {
				keeper = g
			}
		}

		for _, g := range live {
			if g == keeper {
				continue
			}
			keeper.AccessCount += g.AccessCount
			if g.LastAccessed.After(keeper.LastAccessed) {
				keeper.LastAccessed = g.LastAccessed
			}
			g.Retire(now)
			if err := e.store.UpdateEntry(ctx, g); err != nil {
				return err
			}
			report.Merged++
		}
		return e.store.UpdateEntry(ctx, keeper)
	})
}

// expire retires APosteriori entries whose validity window has passed.
// Seed truths never expire and APriori versions are replaced by
// supersession, not by the clock.
func (e *Engine) expire(ctx context.Context, report *Report) error {
	now := time.Now()
	var expired []*knowledge.Entry
	err := e.store.ForEachActive(ctx, knowledge.TierAPosteriori, func(entry *knowledge.Entry) error {
		if entry.Expired(now) {
			expired = append(expired, entry)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, entry := range expired {
		entry.Retire(now)
		if err := e.store.UpdateEntry(ctx, entry); err != nil {
			return err
		}
		report.Expired++
	}
	return nil
}

// pruneEdges soft-retires edges with a large enough traversal history
// and a mean resonance below the threshold.
func (e *Engine) pruneEdges(ctx context.Context, report *Report) error {
	now := time.Now()
	for _, info := range e.edges.Snapshot() {
		if info.Status != edge.StatusActive {
			continue
		}
		if info.Samples > e.cfg.EdgeMinSamples && info.Mean < e.cfg.EdgeThreshold {
			if e.edges.Prune(info.ID, now) {
				report.EdgesPruned++
			}
		}
	}
	return nil
}

// measureEntropy computes the contradiction ratio and fires the
// fatigue alert when it crosses the threshold.
func (e *Engine) measureEntropy(ctx context.Context, report *Report) error {
	entropy, err := e.Entropy(ctx)
	if err != nil {
		return err
	}
	report.Entropy = entropy

	if entropy > e.cfg.EntropyThreshold {
		report.AlertFired = true
		e.alert(FatigueAlert{
			Entropy:        entropy,
			Threshold:      e.cfg.EntropyThreshold,
			ObservedAt:     time.Now(),
			Recommendation: "review contradiction-flagged entries and promote or retire them",
		})
	}
	return nil
}

// Entropy returns the ratio of contradiction-flagged active
// APosteriori entries to all active APosteriori entries. An empty tier
// has zero entropy.
func (e *Engine) Entropy(ctx context.Context) (float64, error) {
	var active, flagged int
	err := e.store.ForEachActive(ctx, knowledge.TierAPosteriori, func(entry *knowledge.Entry) error {
		active++
		if entry.HasFlag(knowledge.FlagContradiction) {
			flagged++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning: entropy scan: %w", err)
	}
	if active == 0 {
		return 0, nil
	}
	return float64(flagged) / float64(active), nil
}
