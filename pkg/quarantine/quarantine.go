// Package quarantine manages discovered principles: conclusions that
// survived repeated validation but conflict with, or sit outside,
// established knowledge. Candidates are held out of the active tiers
// and every lifecycle decision requires an authorized human actor.
//
// No automated path promotes a candidate. The store's authorization
// signer is consulted on each decision and the decision itself is
// terminal: promoted and rejected records never change state again.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/orneryd/munindb/pkg/identity"
	"github.com/orneryd/munindb/pkg/knowledge"
	"github.com/orneryd/munindb/pkg/store"
)

// Candidate lifecycle states.
const (
	StatusQuarantined = "QUARANTINED"
	StatusUnderReview = "UNDER_REVIEW"
	StatusPromoted    = "PROMOTED"
	StatusRejected    = "REJECTED"
)

// Actions checked against the authorization signer.
const (
	ActionPromote = "quarantine.promote"
	ActionReject  = "quarantine.reject"
)

// Review thresholds. A candidate is flagged for human review once its
// mean resonance and observed query volume both clear their bars.
const (
	DefaultReviewResonance = 0.95
	DefaultReviewVolume    = 5000
)

// Errors returned by quarantine operations.
var (
	ErrNotFound            = errors.New("quarantine: candidate not found")
	ErrInvalidTransition   = errors.New("quarantine: invalid status transition")
	ErrUnauthorized        = errors.New("quarantine: actor not authorized")
	ErrReviewNotesRequired = errors.New("quarantine: review notes required")

	// ErrAlreadyDecided is the transition failure for terminal records.
	// It matches ErrInvalidTransition under errors.Is.
	ErrAlreadyDecided = fmt.Errorf("%w: candidate already decided", ErrInvalidTransition)
)

// Stats is the intake telemetry accompanying a discovered principle.
type Stats struct {
	Resonance  float64
	QueryCount int64
	Weights    map[string]float64
}

// CandidateRecord tracks one discovered principle through review.
type CandidateRecord struct {
	Principle        string             `json:"principle"`
	ResonanceHistory []float64          `json:"resonance_history"`
	QueryVolume      int64              `json:"query_volume"`
	WeightVector     map[string]float64 `json:"weight_vector,omitempty"`
	DiscoveredAt     time.Time          `json:"discovered_at"`
	Status           string             `json:"status"`
	ReviewNotes      string             `json:"review_notes,omitempty"`
	DecidedBy        string             `json:"decided_by,omitempty"`
	DecidedAt        time.Time          `json:"decided_at,omitempty"`
}

// MeanResonance averages the candidate's resonance history.
func (c *CandidateRecord) MeanResonance() float64 {
	if len(c.ResonanceHistory) == 0 {
		return 0
	}
	var sum float64
	for _, r := range c.ResonanceHistory {
		sum += r
	}
	return sum / float64(len(c.ResonanceHistory))
}

func (c *CandidateRecord) decided() bool {
	return c.Status == StatusPromoted || c.Status == StatusRejected
}

// Summary counts candidates by lifecycle state.
type Summary struct {
	Total          int `json:"total"`
	Quarantined    int `json:"quarantined"`
	UnderReview    int `json:"under_review"`
	Promoted       int `json:"promoted"`
	Rejected       int `json:"rejected"`
	RequiresReview int `json:"requires_review"`
}

// Config tunes the human-review thresholds.
type Config struct {
	ReviewResonance float64
	ReviewVolume    int64
}

// DefaultConfig returns the stock review thresholds.
func DefaultConfig() Config {
	return Config{
		ReviewResonance: DefaultReviewResonance,
		ReviewVolume:    DefaultReviewVolume,
	}
}

// Quarantine holds candidate principles pending human review.
type Quarantine struct {
	mu         sync.Mutex
	candidates map[knowledge.Fingerprint]*CandidateRecord

	store  *store.TieredStore
	signer identity.Signer
	log    *slog.Logger
	cfg    Config
}

// New creates an empty quarantine bound to a store and a signer.
func New(s *store.TieredStore, signer identity.Signer, cfg Config, logger *slog.Logger) *Quarantine {
	if cfg.ReviewResonance <= 0 {
		cfg.ReviewResonance = DefaultReviewResonance
	}
	if cfg.ReviewVolume <= 0 {
		cfg.ReviewVolume = DefaultReviewVolume
	}
	if signer == nil {
		signer = identity.DenyAll{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Quarantine{
		candidates: make(map[knowledge.Fingerprint]*CandidateRecord),
		store:      s,
		signer:     signer,
		log:        logger,
		cfg:        cfg,
	}
}

// AddCandidate files a discovered principle, or merges telemetry into
// an existing record with the same fingerprint: resonance observations
// accumulate and query volumes add. Returns the candidate fingerprint.
func (q *Quarantine) AddCandidate(principle string, stats Stats) knowledge.Fingerprint {
	fp := knowledge.NewFingerprint(principle)

	q.mu.Lock()
	defer q.mu.Unlock()

	rec, exists := q.candidates[fp]
	if !exists {
		rec = &CandidateRecord{
			Principle:    principle,
			DiscoveredAt: time.Now(),
			Status:       StatusQuarantined,
			WeightVector: stats.Weights,
		}
		q.candidates[fp] = rec
		q.log.Info("principle quarantined", "fingerprint", fp)
	}
	rec.ResonanceHistory = append(rec.ResonanceHistory, knowledge.Clamp01(stats.Resonance))
	rec.QueryVolume += stats.QueryCount
	return fp
}

// Get returns a copy of one candidate record.
func (q *Quarantine) Get(fp knowledge.Fingerprint) (*CandidateRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.candidates[fp]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fp)
	}
	return copyRecord(rec), nil
}

// RequiresHumanReview reports whether a still-quarantined candidate has
// cleared both review thresholds.
func (q *Quarantine) RequiresHumanReview(fp knowledge.Fingerprint) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.candidates[fp]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, fp)
	}
	return q.requiresReviewLocked(rec), nil
}

// Only quarantined records can need review. Records already picked up
// by a reviewer, or decided, are out of the queue.
func (q *Quarantine) requiresReviewLocked(rec *CandidateRecord) bool {
	if rec.Status != StatusQuarantined {
		return false
	}
	return rec.MeanResonance() > q.cfg.ReviewResonance && rec.QueryVolume > q.cfg.ReviewVolume
}

// ReviewQueue returns copies of all quarantined candidates that have
// cleared both review thresholds, ordered by discovery time. Read-only
// advisory; nothing is ever auto-promoted.
func (q *Quarantine) ReviewQueue() []*CandidateRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*CandidateRecord
	for _, rec := range q.candidates {
		if q.requiresReviewLocked(rec) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
	})
	return out
}

// MarkUnderReview moves a quarantined candidate into active review.
func (q *Quarantine) MarkUnderReview(fp knowledge.Fingerprint) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.candidates[fp]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, fp)
	}
	if rec.decided() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, fp, rec.Status)
	}
	if rec.Status != StatusQuarantined {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, StatusUnderReview)
	}
	rec.Status = StatusUnderReview
	return nil
}

// Promote elevates a candidate to the Seed tier. The actor must be
// authorized for the promote action and must supply review notes. A
// fingerprint collision in Seed aborts the promotion and leaves the
// candidate state unchanged.
func (q *Quarantine) Promote(ctx context.Context, fp knowledge.Fingerprint, actor, notes string) error {
	return q.decide(ctx, fp, actor, notes, ActionPromote, StatusPromoted)
}

// Reject closes a candidate without promotion. The actor must be
// authorized for the reject action and must supply review notes.
func (q *Quarantine) Reject(ctx context.Context, fp knowledge.Fingerprint, actor, notes string) error {
	return q.decide(ctx, fp, actor, notes, ActionReject, StatusRejected)
}

func (q *Quarantine) decide(ctx context.Context, fp knowledge.Fingerprint, actor, notes, action, target string) error {
	if notes == "" {
		return ErrReviewNotesRequired
	}

	ok, err := q.signer.Authorize(ctx, action, actor)
	if err != nil {
		return fmt.Errorf("quarantine: authorize: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: action %s", ErrUnauthorized, action)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	rec, exists := q.candidates[fp]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, fp)
	}
	if rec.decided() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, fp, rec.Status)
	}

	if target == StatusPromoted {
		// Promotion must land in Seed before the record flips state.
		if _, _, err := q.store.Put(ctx, fp, rec.Principle, knowledge.TierSeed); err != nil {
			return fmt.Errorf("quarantine: promote %s: %w", fp, err)
		}
	}

	rec.Status = target
	rec.ReviewNotes = notes
	rec.DecidedBy = actorName(actor)
	rec.DecidedAt = time.Now()
	q.log.Info("quarantine decision recorded",
		"fingerprint", fp, "status", target, "actor", rec.DecidedBy)
	return nil
}

// List returns copies of all candidate records, ordered by discovery
// time.
func (q *Quarantine) List() []*CandidateRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*CandidateRecord, 0, len(q.candidates))
	for _, rec := range q.candidates {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
	})
	return out
}

// Summarize counts candidates by state.
func (q *Quarantine) Summarize() Summary {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Summary
	for _, rec := range q.candidates {
		s.Total++
		switch rec.Status {
		case StatusQuarantined:
			s.Quarantined++
		case StatusUnderReview:
			s.UnderReview++
		case StatusPromoted:
			s.Promoted++
		case StatusRejected:
			s.Rejected++
		}
		if q.requiresReviewLocked(rec) {
			s.RequiresReview++
		}
	}
	return s
}

func copyRecord(rec *CandidateRecord) *CandidateRecord {
	cp := *rec
	cp.ResonanceHistory = append([]float64(nil), rec.ResonanceHistory...)
	if rec.WeightVector != nil {
		cp.WeightVector = make(map[string]float64, len(rec.WeightVector))
		for k, v := range rec.WeightVector {
			cp.WeightVector[k] = v
		}
	}
	return &cp
}

// actorName strips the token from a "name:token" credential for audit
// logging.
func actorName(actor string) string {
	for i := 0; i < len(actor); i++ {
		if actor[i] == ':' {
			return actor[:i]
		}
	}
	return actor
}
