// Package outputs keeps each check's latest result per scope, the raw
// pre-fan-out aggregate for forEach producers, and the ordered history of
// results across routing loops within one run.
package outputs

import (
	"errors"
	"sync"

	"github.com/visor-run/visor/review"
)

// ErrNotFound is returned when no output exists for a check.
var ErrNotFound = errors.New("output not found")

// RawSuffix aliases a forEach producer's aggregate output for dependents.
const RawSuffix = "-raw"

type scopedKey struct {
	check string
	scope Scope
}

// Store is the per-run output store. Writes are serialized; readers get
// consistent snapshots. Last writer wins per (check, scope).
type Store struct {
	mu         sync.RWMutex
	latest     map[scopedKey]*review.Summary
	latestAny  map[string]*review.Summary
	raw        map[string]*review.Summary
	history    map[string][]*review.Summary
	historyIn  map[scopedKey][]*review.Summary
	historyCap int
}

// NewStore creates an output store. historyCap bounds history length per
// check; zero means unbounded within the run.
func NewStore(historyCap int) *Store {
	return &Store{
		latest:     map[scopedKey]*review.Summary{},
		latestAny:  map[string]*review.Summary{},
		raw:        map[string]*review.Summary{},
		history:    map[string][]*review.Summary{},
		historyIn:  map[scopedKey][]*review.Summary{},
		historyCap: historyCap,
	}
}

// Put atomically sets the latest value for (check, scope) and appends to
// both the global and the per-scope history. History order is completion
// order.
func (s *Store) Put(check string, scope Scope, sum *review.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scopedKey{check, scope}
	s.latest[key] = sum
	s.latestAny[check] = sum
	s.history[check] = appendCapped(s.history[check], sum, s.historyCap)
	s.historyIn[key] = appendCapped(s.historyIn[key], sum, s.historyCap)
}

// Bind sets the latest value for (check, scope) without touching history.
// The forEach engine uses it to expose one item of a producer's array to a
// child scope; history keeps only real executions.
func (s *Store) Bind(check string, scope Scope, sum *review.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[scopedKey{check, scope}] = sum
}

// SetRaw records a forEach producer's aggregate output before fan-out.
func (s *Store) SetRaw(check string, sum *review.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[check] = sum
}

// Get returns the latest value for (check, scope), falling back to the
// parent scope chain so children observe outputs committed above them.
func (s *Store) Get(check string, scope Scope) (*review.Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for {
		if sum, ok := s.latest[scopedKey{check, scope}]; ok {
			return sum, true
		}
		if scope.IsRoot() {
			return nil, false
		}
		scope = scope.Parent()
	}
}

// Latest returns the most recently committed value for the check in any
// scope.
func (s *Store) Latest(check string) (*review.Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.latestAny[check]
	return sum, ok
}

// Raw returns the aggregate pre-fan-out output for a forEach producer; for
// other checks it is identical to Latest.
func (s *Store) Raw(check string) (*review.Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sum, ok := s.raw[check]; ok {
		return sum, true
	}
	sum, ok := s.latestAny[check]
	return sum, ok
}

// History returns the ordered results of a check across all loops.
func (s *Store) History(check string) []*review.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*review.Summary, len(s.history[check]))
	copy(out, s.history[check])
	return out
}

// HistoryIn returns the history visible inside one scope. forEach iteration
// counters and history stay isolated between sibling scopes.
func (s *Store) HistoryIn(check string, scope Scope) []*review.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.historyIn[scopedKey{check, scope}]
	out := make([]*review.Summary, len(src))
	copy(out, src)
	return out
}

// Checks lists every check that has committed at least one output.
func (s *Store) Checks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.latestAny))
	for id := range s.latestAny {
		out = append(out, id)
	}
	return out
}

func appendCapped(list []*review.Summary, sum *review.Summary, limit int) []*review.Summary {
	list = append(list, sum)
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}
