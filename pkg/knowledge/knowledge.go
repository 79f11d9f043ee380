// Package knowledge defines the core data model for MuninDB.
//
// MuninDB organizes knowledge into three ordered tiers:
//   - Seed: foundational, immutable truths (write-once)
//   - APriori: versioned deductive knowledge (replace-with-history)
//   - APosteriori: experiential knowledge (append-only generations)
//
// Every entry is addressed by a content-derived Fingerprint and carries
// a resonance score in [0,1] that tracks its reliability over time.
// Entries are never hard-deleted: lifecycle changes move them through
// an explicit state machine (Active -> Superseded -> Retired) so that
// state handling is exhaustive at compile time rather than hidden in a
// nullable timestamp.
//
// Example Usage:
//
//	fp := knowledge.NewFingerprint("water freezes at 0C at sea level")
//
//	entry := knowledge.NewEntry("water freezes at 0C at sea level", knowledge.TierSeed)
//	fmt.Println(entry.Fingerprint == fp) // true
//
//	// Reliability is updated via exponential averaging
//	entry.UpdateResonance(0.9)
//	entry.UpdateResonance(0.8)
//
//	// Token-set similarity between two texts
//	score := knowledge.TokenSimilarity("water freezes at 0C", "water boils at 100C")
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Tier identifies one of the three ordered knowledge partitions.
//
// Tiers are ordered by trust: Seed outranks APriori, which outranks
// APosteriori. Cascade reads resolve in that order.
type Tier string

const (
	// TierSeed holds foundational, immutable knowledge. Entries are
	// write-once; an existing fingerprint can never be overwritten.
	TierSeed Tier = "SEED"

	// TierAPriori holds versioned deductive knowledge. Writing an
	// existing fingerprint replaces the active version and keeps the
	// prior one as superseded history.
	TierAPriori Tier = "A_PRIORI"

	// TierAPosteriori holds experiential knowledge. Every write appends
	// a new generation; prior generations are immutable.
	TierAPosteriori Tier = "A_POSTERIORI"
)

// AllTiers lists the tiers in priority order, highest trust first.
var AllTiers = []Tier{TierSeed, TierAPriori, TierAPosteriori}

// Priority returns the cascade rank of the tier. Lower is consulted
// first; unknown tiers sort last.
func (t Tier) Priority() int {
	switch t {
	case TierSeed:
		return 0
	case TierAPriori:
		return 1
	case TierAPosteriori:
		return 2
	default:
		return 3
	}
}

// Valid reports whether t names a known tier.
func (t Tier) Valid() bool {
	return t == TierSeed || t == TierAPriori || t == TierAPosteriori
}

// EntryState is the lifecycle state of a knowledge entry.
//
// Transitions are one-way:
//
//	Active -> Superseded  (APriori version replaced)
//	Active -> Retired     (expiry, deduplication)
//	Superseded -> Retired
//
// Retired is terminal. Entries are never removed from storage; retired
// entries remain for audit.
type EntryState string

const (
	StateActive     EntryState = "ACTIVE"
	StateSuperseded EntryState = "SUPERSEDED"
	StateRetired    EntryState = "RETIRED"
)

// Turbulence flags attached by the store when a write is screened.
const (
	// FlagContradiction marks an entry found to semantically oppose
	// higher-tier knowledge.
	FlagContradiction = "CONTRADICTION"

	// FlagTurbulence marks an entry involved in unresolved cross-tier
	// disagreement surfaced by a cascade query.
	FlagTurbulence = "TURBULENCE"
)

// fingerprintWidth is the hex width of a content fingerprint.
const fingerprintWidth = 16

// resonanceAlpha is the smoothing factor for resonance updates. Each
// observation contributes 30% of the new score.
const resonanceAlpha = 0.3

// Fingerprint is a stable content-derived identifier. It is the primary
// key for an entry within a tier.
type Fingerprint string

// NewFingerprint derives the fingerprint of a content payload: the hex
// SHA-256 of the content truncated to a fixed width. The same content
// always produces the same fingerprint.
func NewFingerprint(content string) Fingerprint {
	sum := sha256.Sum256([]byte(content))
	return Fingerprint(hex.EncodeToString(sum[:])[:fingerprintWidth])
}

// Entry is a single unit of stored knowledge.
//
// Entries are created on ingest and mutated only through access
// telemetry, resonance updates, turbulence flagging, and the one-way
// state machine. They are never hard-deleted.
type Entry struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Content     string      `json:"content"`
	OriginTier  Tier        `json:"origin_tier"`
	State       EntryState  `json:"state"`

	// Generation is the append sequence number within a fingerprint.
	// Seed entries always have generation 1; APosteriori entries grow
	// monotonically per fingerprint.
	Generation uint64 `json:"generation"`

	CreatedAt time.Time `json:"created_at"`

	// ValidityWindow is the duration after which the entry auto-expires.
	// Zero means eternal.
	ValidityWindow time.Duration `json:"validity_window,omitempty"`

	// RetiredAt records when the entry was retired. Kept alongside the
	// state enum for audit; once set it is never cleared.
	RetiredAt *time.Time `json:"retired_at,omitempty"`

	ResonanceScore  float64  `json:"resonance_score"`
	TurbulenceFlags []string `json:"turbulence_flags,omitempty"`

	AccessCount  int64     `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed,omitzero"`
}

// NewEntry creates an active entry for the given tier with the
// fingerprint derived from content.
func NewEntry(content string, tier Tier) *Entry {
	return &Entry{
		Fingerprint: NewFingerprint(content),
		Content:     content,
		OriginTier:  tier,
		State:       StateActive,
		CreatedAt:   time.Now(),
	}
}

// Active reports whether the entry is in the active state.
func (e *Entry) Active() bool {
	return e.State == StateActive
}

// Retired reports whether the entry has been retired.
func (e *Entry) Retired() bool {
	return e.State == StateRetired
}

// Expired reports whether the entry's validity window has elapsed at
// the given time. Entries without a window never expire.
func (e *Entry) Expired(now time.Time) bool {
	if e.ValidityWindow <= 0 {
		return false
	}
	return now.After(e.CreatedAt.Add(e.ValidityWindow))
}

// Retire moves the entry to the retired state and records the
// timestamp. Retiring an already-retired entry is a no-op; the original
// retirement time is preserved.
func (e *Entry) Retire(now time.Time) {
	if e.State == StateRetired {
		return
	}
	e.State = StateRetired
	if e.RetiredAt == nil {
		t := now
		e.RetiredAt = &t
	}
}

// Supersede marks an active entry as replaced by a newer version. The
// entry remains queryable as history but no longer resolves reads.
func (e *Entry) Supersede() {
	if e.State == StateActive {
		e.State = StateSuperseded
	}
}

// Touch records a successful read: bumps the access count and the
// last-accessed timestamp.
func (e *Entry) Touch(now time.Time) {
	e.AccessCount++
	e.LastAccessed = now
}

// UpdateResonance folds a new resonance observation into the score via
// exponential averaging. The result is clamped to [0,1].
func (e *Entry) UpdateResonance(observation float64) {
	e.ResonanceScore = clamp01(e.ResonanceScore*(1-resonanceAlpha) + observation*resonanceAlpha)
}

// HasFlag reports whether the entry carries the given turbulence flag.
func (e *Entry) HasFlag(flag string) bool {
	for _, f := range e.TurbulenceFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// AddFlag attaches a turbulence flag if not already present.
func (e *Entry) AddFlag(flag string) {
	if !e.HasFlag(flag) {
		e.TurbulenceFlags = append(e.TurbulenceFlags, flag)
	}
}

// Clone returns a deep copy of the entry. Storage engines return clones
// so callers cannot mutate stored state in place.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.RetiredAt != nil {
		t := *e.RetiredAt
		cp.RetiredAt = &t
	}
	if e.TurbulenceFlags != nil {
		cp.TurbulenceFlags = append([]string(nil), e.TurbulenceFlags...)
	}
	return &cp
}

// TokenSimilarity computes the token-set overlap between two texts:
// intersection size over union size of their lowercase token sets.
// The result is symmetric and lies in [0,1]. Empty inputs score 0.
func TokenSimilarity(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	intersection := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// SortTokens returns the sorted lowercase token set of a text. Used by
// tests and diagnostic output.
func SortTokens(s string) []string {
	set := tokenSet(s)
	out := make([]string, 0, len(set))
	for tok := range set {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// Conclusion is the output of a live reasoning step.
type Conclusion struct {
	Text       string
	Confidence float64
}

// Reasoner is the injected live-reasoning capability consumed by the
// cascade engine. Implementations are expected to honor ctx
// cancellation; the cascade checks the context at every iteration
// boundary and never preempts a running call.
type Reasoner interface {
	Infer(ctx context.Context, query string, depth int) (Conclusion, error)
}

// ReasonerFunc adapts a function to the Reasoner interface.
type ReasonerFunc func(ctx context.Context, query string, depth int) (Conclusion, error)

// Infer implements Reasoner.
func (f ReasonerFunc) Infer(ctx context.Context, query string, depth int) (Conclusion, error) {
	return f(ctx, query, depth)
}

// ContradictionPredicate reports whether two texts semantically oppose
// each other. The predicate is injected at construction time; how
// contradiction is detected is deliberately outside MuninDB's scope.
type ContradictionPredicate func(a, b string) bool

// Word pairs treated as direct opposites by the placeholder heuristic.
var oppositePairs = [][2]string{
	{"true", "false"},
	{"yes", "no"},
	{"correct", "incorrect"},
	{"valid", "invalid"},
	{"right", "wrong"},
}

// NegationHeuristic is a placeholder ContradictionPredicate based on
// negation keywords and direct opposites. It exists so the system is
// usable out of the box; production deployments should inject a real
// consistency checker (LLM judge, theorem prover) instead.
func NegationHeuristic(a, b string) bool {
	la := strings.ToLower(a)
	lb := strings.ToLower(b)
	if la == "" || lb == "" {
		return false
	}
	if negates(la, lb) || negates(lb, la) {
		return true
	}
	for _, pair := range oppositePairs {
		if containsWord(la, pair[0]) && containsWord(lb, pair[1]) {
			return true
		}
		if containsWord(la, pair[1]) && containsWord(lb, pair[0]) {
			return true
		}
	}
	return false
}

// negates reports whether text directly negates statement.
func negates(text, statement string) bool {
	return strings.Contains(text, "not "+statement) ||
		strings.Contains(text, statement+" is not") ||
		strings.Contains(text, statement+" is false")
}

func containsWord(text, word string) bool {
	for _, tok := range strings.Fields(text) {
		if strings.Trim(tok, ".,;:!?") == word {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Clamp01 clamps a score to [0,1]. Exported for collaborators that
// maintain resonance values of their own (edge table, cascade).
func Clamp01(v float64) float64 {
	return clamp01(v)
}
