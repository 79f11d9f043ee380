// Package edge implements the shared edge-resonance table.
//
// Every traversal relation used during cascade resolution is tracked by
// a string edge identifier with a resonance weight in [0,1] and a
// bounded history of traversal outcomes. The cascade engine records
// traversals, the pruning engine retires edges whose history proves
// them worthless, and harmonic commits strengthen edges around aligned
// knowledge.
//
// The table is an explicit handle owned by the tiered store and passed
// to collaborators, never ambient package-global state. Updates are
// atomic per edge: every mutation is a read-modify-write under the
// table lock with a short critical section.
package edge

import (
	"sort"
	"sync"
	"time"

	"github.com/orneryd/munindb/pkg/knowledge"
)

// Status of a tracked edge.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusPruned Status = "PRUNED"
)

// historyCap bounds the retained traversal history per edge. Older
// outcomes are dropped first; the running weight already folds them in.
const historyCap = 4096

// weightAlpha is the smoothing factor for the running resonance weight.
const weightAlpha = 0.2

// Info is a read-only snapshot of one edge, used by the pruning engine
// and diagnostics.
type Info struct {
	ID       string
	Weight   float64
	Samples  int
	Mean     float64
	Status   Status
	PrunedAt time.Time
}

type edgeState struct {
	weight   float64
	history  []float64
	sum      float64 // running sum of history for O(1) mean
	status   Status
	prunedAt time.Time
}

// Table tracks resonance weights for traversal edges.
//
// Safe for concurrent use. A zero Table is not usable; create one with
// NewTable.
type Table struct {
	mu    sync.RWMutex
	edges map[string]*edgeState
}

// NewTable creates an empty edge-resonance table.
func NewTable() *Table {
	return &Table{edges: make(map[string]*edgeState)}
}

// RecordTraversal folds one traversal outcome into an edge. Unknown
// edges are created active with the observation as initial weight.
// The resonance value is clamped to [0,1].
func (t *Table) RecordTraversal(id string, resonance float64) {
	resonance = knowledge.Clamp01(resonance)

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.edges[id]
	if !ok {
		s = &edgeState{weight: resonance, status: StatusActive}
		t.edges[id] = s
	} else {
		s.weight = knowledge.Clamp01(s.weight*(1-weightAlpha) + resonance*weightAlpha)
	}

	s.history = append(s.history, resonance)
	s.sum += resonance
	if len(s.history) > historyCap {
		s.sum -= s.history[0]
		s.history = s.history[1:]
	}
}

// Strengthen raises an edge's weight by boost without recording a
// traversal outcome. Used when a harmonic commit signals that related
// edges should be reinforced.
func (t *Table) Strengthen(id string, boost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.edges[id]
	if !ok {
		s = &edgeState{weight: knowledge.Clamp01(boost), status: StatusActive}
		t.edges[id] = s
		return
	}
	s.weight = knowledge.Clamp01(s.weight + boost*weightAlpha)
}

// Resonance returns the current weight of an edge.
func (t *Table) Resonance(id string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.edges[id]
	if !ok {
		return 0, false
	}
	return s.weight, true
}

// Prune soft-retires an edge with a timestamp. The edge and its
// history are retained; only the status changes. Returns false if the
// edge is unknown or already pruned.
func (t *Table) Prune(id string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.edges[id]
	if !ok || s.status == StatusPruned {
		return false
	}
	s.status = StatusPruned
	s.prunedAt = now
	return true
}

// Snapshot returns a point-in-time view of every edge, sorted by ID
// for deterministic iteration.
func (t *Table) Snapshot() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Info, 0, len(t.edges))
	for id, s := range t.edges {
		info := Info{
			ID:       id,
			Weight:   s.weight,
			Samples:  len(s.history),
			Status:   s.status,
			PrunedAt: s.prunedAt,
		}
		if len(s.history) > 0 {
			info.Mean = s.sum / float64(len(s.history))
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount returns the number of active edges.
func (t *Table) ActiveCount() int {
	return t.countByStatus(StatusActive)
}

// PrunedCount returns the number of pruned edges.
func (t *Table) PrunedCount() int {
	return t.countByStatus(StatusPruned)
}

func (t *Table) countByStatus(status Status) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.edges {
		if s.status == status {
			n++
		}
	}
	return n
}
