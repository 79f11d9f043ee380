// Package cascade implements the tier-ordered query engine.
//
// A query flows through the tiers in trust order: Seed first, then
// APriori, then APosteriori. High-confidence hits in a trusted tier
// short-circuit the cascade; weak results fall through to the injected
// live-reasoning collaborator, whose iteration depth and wall-clock
// time are bounded by a circuit breaker. Breaker exhaustion is a
// normal, flagged outcome, not a failure.
//
// Candidate results above the relevance floor are cross-checked with
// the contradiction predicate; detected pairs are reported on the
// response and the stored entries involved are flagged for the pruning
// engine's entropy measurement.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/munindb/pkg/edge"
	"github.com/orneryd/munindb/pkg/knowledge"
	"github.com/orneryd/munindb/pkg/storage"
	"github.com/orneryd/munindb/pkg/store"
)

// Source labels for the tier (or collaborator) that produced a result.
const (
	SourceSeed          = "seed"
	SourceAPriori       = "a_priori"
	SourceAPosteriori   = "a_posteriori"
	SourceLiveReasoning = "live_reasoning"
	SourceNone          = "none"
)

// Confidence thresholds governing cascade flow.
const (
	// seedConfidence is the fixed confidence of a Seed match.
	seedConfidence = 0.95

	// seedEarlyReturn short-circuits the cascade on a Seed hit.
	seedEarlyReturn = 0.9

	// aprioriEarlyReturn short-circuits on a strong APriori hit.
	aprioriEarlyReturn = 0.8

	// reasoningTrigger invokes live reasoning when the APosteriori
	// result's confidence sits below it.
	reasoningTrigger = 0.6

	// reasoningEarlyBreak stops the reasoning loop once a conclusion is
	// confident enough.
	reasoningEarlyBreak = 0.8

	// contradictionFloor is the minimum confidence for a candidate to
	// participate in the contradiction scan.
	contradictionFloor = 0.5
)

// Circuit-breaker defaults.
const (
	DefaultMaxDepth = 5
	DefaultTimeout  = 30 * time.Second
)

// Config tunes the cascade engine.
type Config struct {
	// MaxDepth bounds reasoning iterations per query.
	MaxDepth int

	// Timeout bounds reasoning wall-clock time per query.
	Timeout time.Duration
}

// DefaultConfig returns the stock circuit-breaker limits.
func DefaultConfig() Config {
	return Config{MaxDepth: DefaultMaxDepth, Timeout: DefaultTimeout}
}

// Contradiction names one detected pair among candidate results.
type Contradiction struct {
	SourceA     string `json:"source_a"`
	SourceB     string `json:"source_b"`
	Description string `json:"description"`
}

// Response is the outcome of one cascade query. A response is always
// returned; degraded outcomes carry flags and the Err field instead of
// failing the query.
type Response struct {
	Result     string  `json:"result"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`

	// CascadePath lists the stages consulted, in order.
	CascadePath []string `json:"cascade_path"`

	Contradictions []Contradiction `json:"contradictions,omitempty"`

	Elapsed         time.Duration `json:"elapsed"`
	OntologyVersion string        `json:"ontology_version"`
	ResonanceScore  float64       `json:"resonance_score"`

	// CircuitBreakerTripped reports that live reasoning exhausted its
	// depth or time budget.
	CircuitBreakerTripped bool `json:"circuit_breaker_tripped"`

	// Err carries a non-fatal degradation, such as a reasoning
	// collaborator failure. The rest of the response remains valid.
	Err string `json:"error,omitempty"`
}

// candidate is an internal scored result from one stage.
type candidate struct {
	text       string
	confidence float64
	source     string
	resonance  float64
	createdAt  time.Time
	entry      *knowledge.Entry // nil for live-reasoning results
}

// EscalateFunc receives conflict-rejected reasoning conclusions for
// quarantine intake.
type EscalateFunc func(principle string, confidence float64)

// Engine resolves queries through the tier cascade.
type Engine struct {
	store       *store.TieredStore
	reasoner    knowledge.Reasoner
	contradicts knowledge.ContradictionPredicate
	edges       *edge.Table
	log         *slog.Logger
	escalate    EscalateFunc

	maxDepth int
	timeout  time.Duration

	ontology *OntologyVersion
}

// Options configures optional engine collaborators.
type Options struct {
	// Reasoner handles queries the stored tiers cannot answer
	// confidently. nil disables live reasoning.
	Reasoner knowledge.Reasoner

	// Contradicts overrides the store's contradiction predicate for the
	// response-level scan. Defaults to knowledge.NegationHeuristic.
	Contradicts knowledge.ContradictionPredicate

	// Escalate receives conflict-rejected reasoning conclusions.
	Escalate EscalateFunc

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// New creates a cascade engine bound to a tiered store.
func New(s *store.TieredStore, cfg Config, opts *Options) *Engine {
	if opts == nil {
		opts = &Options{}
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	e := &Engine{
		store:       s,
		reasoner:    opts.Reasoner,
		contradicts: opts.Contradicts,
		edges:       s.Edges(),
		log:         opts.Logger,
		escalate:    opts.Escalate,
		maxDepth:    cfg.MaxDepth,
		timeout:     cfg.Timeout,
		ontology:    NewOntologyVersion(),
	}
	if e.contradicts == nil {
		e.contradicts = knowledge.NegationHeuristic
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// Ontology returns the engine's ontology version tracker.
func (e *Engine) Ontology() *OntologyVersion {
	return e.ontology
}

// Query resolves a query through the tier cascade. The error return is
// reserved for infrastructure failures (storage unreachable); all
// reasoning-level degradation is reported on the response itself.
func (e *Engine) Query(ctx context.Context, query string) (*Response, error) {
	start := time.Now()
	resp := &Response{
		Source:          SourceNone,
		OntologyVersion: e.ontology.VersionID(),
	}

	// Every stage result participates in the contradiction scan; the
	// winning result is selected per stage rules below.
	var scanned []candidate

	// Stage 1: Seed.
	resp.CascadePath = append(resp.CascadePath, SourceSeed)
	seedHit, err := e.querySeed(ctx, query)
	if err != nil {
		return nil, err
	}
	if seedHit != nil {
		scanned = append(scanned, *seedHit)
		if seedHit.confidence >= seedEarlyReturn {
			e.edges.RecordTraversal("cascade:"+SourceSeed, seedHit.confidence)
			e.finish(ctx, resp, seedHit, scanned, start)
			return resp, nil
		}
	}

	// Stage 2: APriori.
	resp.CascadePath = append(resp.CascadePath, SourceAPriori)
	aprioriHit, err := e.queryAPriori(ctx, query)
	if err != nil {
		return nil, err
	}
	if aprioriHit != nil {
		scanned = append(scanned, *aprioriHit)
		if aprioriHit.confidence > aprioriEarlyReturn {
			e.edges.RecordTraversal("cascade:"+SourceAPriori, aprioriHit.confidence)
			e.finish(ctx, resp, aprioriHit, scanned, start)
			return resp, nil
		}
	}

	// Stage 3: APosteriori.
	resp.CascadePath = append(resp.CascadePath, SourceAPosteriori)
	apostHit, err := e.queryAPosteriori(ctx, query)
	if err != nil {
		return nil, err
	}
	if apostHit != nil {
		scanned = append(scanned, *apostHit)
		e.edges.RecordTraversal("cascade:"+SourceAPosteriori, apostHit.resonance)
	}

	// Stage 4: live reasoning, entered on the APosteriori confidence
	// alone. The final selection is between the APosteriori and
	// reasoning results; earlier stages win only by early return.
	selected := apostHit
	apostConfidence := 0.0
	if apostHit != nil {
		apostConfidence = apostHit.confidence
	}
	if apostConfidence < reasoningTrigger && e.reasoner != nil {
		resp.CascadePath = append(resp.CascadePath, SourceLiveReasoning)
		if reasoned := e.reason(ctx, query, resp); reasoned != nil {
			scanned = append(scanned, *reasoned)
			selected = pickWinner(apostHit, reasoned)
		}
	}

	e.finish(ctx, resp, selected, scanned, start)
	return resp, nil
}

// querySeed matches the query against Seed truths. A substring match in
// either direction counts; Seed matches carry a fixed confidence.
func (e *Engine) querySeed(ctx context.Context, query string) (*candidate, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}

	var hit *candidate
	err := e.store.ForEachActive(ctx, knowledge.TierSeed, func(entry *knowledge.Entry) error {
		content := strings.ToLower(entry.Content)
		if strings.Contains(content, q) || strings.Contains(q, content) {
			hit = &candidate{
				text:       entry.Content,
				confidence: seedConfidence,
				source:     SourceSeed,
				resonance:  entry.ResonanceScore,
				createdAt:  entry.CreatedAt,
				entry:      entry,
			}
			return storage.ErrIterationStopped
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cascade: seed stage: %w", err)
	}
	return hit, nil
}

// queryAPriori finds the best active APriori match. A match is the
// query contained in the entry's content; the entry's resonance is the
// match confidence.
func (e *Engine) queryAPriori(ctx context.Context, query string) (*candidate, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}

	var hit *candidate
	err := e.store.ForEachActive(ctx, knowledge.TierAPriori, func(entry *knowledge.Entry) error {
		if !strings.Contains(strings.ToLower(entry.Content), q) {
			return nil
		}
		if hit == nil || entry.ResonanceScore > hit.confidence {
			hit = asCandidate(entry, SourceAPriori)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cascade: %s stage: %w", SourceAPriori, err)
	}
	return hit, nil
}

// queryAPosteriori finds the best APosteriori match, resolving each
// fingerprint to its newest non-retired generation before matching.
// Containment and confidence work as in queryAPriori.
func (e *Engine) queryAPosteriori(ctx context.Context, query string) (*candidate, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}

	var hit *candidate
	err := e.store.ForEachGroup(ctx, knowledge.TierAPosteriori, func(fp knowledge.Fingerprint, gens []*knowledge.Entry) error {
		var latest *knowledge.Entry
		for i := len(gens) - 1; i >= 0; i-- {
			if !gens[i].Retired() {
				latest = gens[i]
				break
			}
		}
		if latest == nil {
			return nil
		}
		if !strings.Contains(strings.ToLower(latest.Content), q) {
			return nil
		}
		if hit == nil || latest.ResonanceScore > hit.confidence {
			hit = asCandidate(latest, SourceAPosteriori)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cascade: %s stage: %w", SourceAPosteriori, err)
	}
	return hit, nil
}

func asCandidate(entry *knowledge.Entry, source string) *candidate {
	return &candidate{
		text:       entry.Content,
		confidence: entry.ResonanceScore,
		source:     source,
		resonance:  entry.ResonanceScore,
		createdAt:  entry.CreatedAt,
		entry:      entry,
	}
}

// reason runs the live-reasoning loop under the circuit breaker and
// writes confident conclusions back to the APosteriori tier. Breaker
// exhaustion and collaborator failures degrade the response instead of
// failing the query.
func (e *Engine) reason(ctx context.Context, query string, resp *Response) *candidate {
	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var best *candidate
	exhausted := true
	for depth := 1; depth <= e.maxDepth; depth++ {
		if rctx.Err() != nil {
			break
		}

		conclusion, err := e.reasoner.Infer(rctx, query, depth)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || rctx.Err() != nil {
				break
			}
			resp.Err = fmt.Sprintf("reasoning failed at depth %d: %v", depth, err)
			e.log.Warn("live reasoning failed", "depth", depth, "error", err)
			exhausted = false
			break
		}

		cand := &candidate{
			text:       conclusion.Text,
			confidence: knowledge.Clamp01(conclusion.Confidence),
			source:     SourceLiveReasoning,
			createdAt:  time.Now(),
		}
		if best == nil || cand.confidence > best.confidence {
			best = cand
		}
		if cand.confidence > reasoningEarlyBreak {
			exhausted = false
			break
		}
	}

	if exhausted || rctx.Err() != nil {
		resp.CircuitBreakerTripped = true
		e.log.Warn("reasoning circuit breaker tripped",
			"query", query, "max_depth", e.maxDepth, "timeout", e.timeout)
	}

	if best != nil {
		e.writeBack(ctx, best)
	}
	return best
}

// writeBack commits a reasoning conclusion to the APosteriori tier,
// seeding the stored entry's resonance from the conclusion confidence.
// Drift-rejected conclusions are escalated for quarantine intake.
func (e *Engine) writeBack(ctx context.Context, cand *candidate) {
	fp := knowledge.NewFingerprint(cand.text)
	entry, _, err := e.store.PutScored(ctx, fp, cand.text, knowledge.TierAPosteriori, cand.confidence)
	switch {
	case err == nil:
		cand.entry = entry
		cand.resonance = entry.ResonanceScore
	case errors.Is(err, store.ErrConflictDetected):
		e.ontology.RecordContradictions(1)
		if e.escalate != nil {
			e.escalate(cand.text, cand.confidence)
		}
		e.log.Warn("reasoning conclusion rejected by drift check",
			"fingerprint", fp, "confidence", cand.confidence)
	default:
		e.log.Warn("reasoning writeback failed", "fingerprint", fp, "error", err)
	}
}

// finish runs the contradiction scan over every stage result, stamps
// the selected winner onto the response, and records elapsed time.
func (e *Engine) finish(ctx context.Context, resp *Response, winner *candidate, scanned []candidate, start time.Time) {
	resp.Contradictions = e.scanContradictions(ctx, scanned)
	if n := len(resp.Contradictions); n > 0 {
		e.ontology.RecordContradictions(n)
	}

	if winner != nil {
		resp.Result = winner.text
		resp.Confidence = winner.confidence
		resp.Source = winner.source
		resp.ResonanceScore = winner.resonance
	}
	resp.Elapsed = time.Since(start)
}

// scanContradictions cross-checks every candidate pair above the
// relevance floor. Stored APosteriori entries on either side of a
// detected pair are flagged so the pruning engine's entropy measure
// sees them.
func (e *Engine) scanContradictions(ctx context.Context, candidates []candidate) []Contradiction {
	var relevant []candidate
	for _, c := range candidates {
		if c.confidence > contradictionFloor {
			relevant = append(relevant, c)
		}
	}
	if len(relevant) < 2 {
		return nil
	}

	var found []Contradiction
	for i := 0; i < len(relevant); i++ {
		for j := i + 1; j < len(relevant); j++ {
			a, b := relevant[i], relevant[j]
			if !e.contradicts(a.text, b.text) {
				continue
			}
			found = append(found, Contradiction{
				SourceA:     a.source,
				SourceB:     b.source,
				Description: fmt.Sprintf("%q contradicts %q", a.text, b.text),
			})
			e.flagStored(ctx, a.entry)
			e.flagStored(ctx, b.entry)
		}
	}
	return found
}

func (e *Engine) flagStored(ctx context.Context, entry *knowledge.Entry) {
	if entry == nil || entry.OriginTier != knowledge.TierAPosteriori {
		return
	}
	if err := e.store.FlagEntry(ctx, entry, knowledge.FlagContradiction); err != nil {
		e.log.Warn("contradiction flag update failed",
			"fingerprint", entry.Fingerprint, "error", err)
	}
}

// pickWinner selects the higher-confidence candidate; ties go to the
// more recent one. Either side may be nil.
func pickWinner(a, b *candidate) *candidate {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if b.confidence > a.confidence ||
		(b.confidence == a.confidence && b.createdAt.After(a.createdAt)) {
		return b
	}
	return a
}

// OntologyVersion tracks the evolving shape of the knowledge graph.
// Maintenance cycles bump the version and refresh the health metrics.
type OntologyVersion struct {
	mu sync.Mutex

	versionID        string
	resonanceScore   float64
	entropyLevel     float64
	activeEdgeCount  int
	retiredEdgeCount int
	contradictions   int64
}

// NewOntologyVersion creates a tracker with a fresh version ID.
func NewOntologyVersion() *OntologyVersion {
	return &OntologyVersion{versionID: uuid.NewString()}
}

// VersionID returns the current version identifier.
func (o *OntologyVersion) VersionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.versionID
}

// Bump assigns a new version identifier and returns it.
func (o *OntologyVersion) Bump() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.versionID = uuid.NewString()
	return o.versionID
}

// UpdateMetrics refreshes the tracked health metrics.
func (o *OntologyVersion) UpdateMetrics(resonance, entropy float64, activeEdges, retiredEdges int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resonanceScore = resonance
	o.entropyLevel = entropy
	o.activeEdgeCount = activeEdges
	o.retiredEdgeCount = retiredEdges
}

// RecordContradictions adds detected contradictions to the running
// total.
func (o *OntologyVersion) RecordContradictions(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.contradictions += int64(n)
}

// Snapshot returns the current metrics as a flat struct.
func (o *OntologyVersion) Snapshot() OntologySnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OntologySnapshot{
		VersionID:              o.versionID,
		ResonanceScore:         o.resonanceScore,
		EntropyLevel:           o.entropyLevel,
		ActiveEdgeCount:        o.activeEdgeCount,
		RetiredEdgeCount:       o.retiredEdgeCount,
		ContradictionsResolved: o.contradictions,
	}
}

// OntologySnapshot is a point-in-time view of the ontology metrics.
type OntologySnapshot struct {
	VersionID              string  `json:"version_id"`
	ResonanceScore         float64 `json:"resonance_score"`
	EntropyLevel           float64 `json:"entropy_level"`
	ActiveEdgeCount        int     `json:"active_edge_count"`
	RetiredEdgeCount       int     `json:"retired_edge_count"`
	ContradictionsResolved int64   `json:"contradictions_resolved"`
}
