// Package ledger defines the provenance-ledger capability consumed by
// the tiered store.
//
// The real append-only ledger is an external collaborator; MuninDB
// only needs the narrow Append(record) -> proof surface. Failures are
// expected to be logged by the caller, never to block a write.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record describes one committed store write.
type Record struct {
	Kind        string    `json:"kind"`
	Fingerprint string    `json:"fingerprint"`
	Tier        string    `json:"tier"`
	Summary     string    `json:"summary,omitempty"`
	At          time.Time `json:"at"`
}

// Proof is the opaque handle returned by the ledger for an appended
// record.
type Proof struct {
	Handle     string    `json:"handle"`
	AppendedAt time.Time `json:"appended_at"`
}

// Ledger is the injected provenance capability.
type Ledger interface {
	Append(ctx context.Context, rec Record) (Proof, error)
}

// Nop discards records. Used when no provenance collaborator is wired.
type Nop struct{}

// Append returns a fresh proof without recording anything.
func (Nop) Append(ctx context.Context, rec Record) (Proof, error) {
	return newProof(), nil
}

// Memory collects records in memory. Intended for tests.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{}
}

// Append stores the record and returns a proof.
func (m *Memory) Append(ctx context.Context, rec Record) (Proof, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return newProof(), nil
}

// Records returns a copy of all appended records.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Log writes records to a structured logger. Useful as a default when
// no external ledger is available: commits remain observable without
// pretending durability.
type Log struct {
	Logger *slog.Logger
}

// Append logs the record and returns a proof.
func (l Log) Append(ctx context.Context, rec Record) (Proof, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	proof := newProof()
	logger.Info("provenance record",
		"kind", rec.Kind,
		"fingerprint", rec.Fingerprint,
		"tier", rec.Tier,
		"proof", proof.Handle,
	)
	return proof, nil
}

func newProof() Proof {
	return Proof{Handle: uuid.NewString(), AppendedAt: time.Now()}
}

var (
	_ Ledger = Nop{}
	_ Ledger = (*Memory)(nil)
	_ Ledger = Log{}
)
