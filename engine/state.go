package engine

import (
	"sync"
	"time"

	"github.com/visor-run/visor/config"
	"github.com/visor-run/visor/graph"
	"github.com/visor-run/visor/memstore"
	"github.com/visor-run/visor/outputs"
	"github.com/visor-run/visor/review"
)

type checkStatus string

const (
	statusSuccess   checkStatus = "success"
	statusFailed    checkStatus = "failed"
	statusSkipped   checkStatus = "skipped"
	statusCancelled checkStatus = "cancelled"
)

type scopedKey struct {
	check string
	scope outputs.Scope
}

// outcome is the engine-side result of one check execution in one scope.
type outcome struct {
	Status   checkStatus
	Summary  *review.Summary
	Fatal    bool
	Err      error
	Duration time.Duration
}

func (o *outcome) issues() []review.Issue {
	if o == nil || o.Summary == nil {
		return nil
	}
	return o.Summary.Issues
}

// run holds all mutable state of a single engine run. Shared maps are
// guarded by mu; the output and memory stores serialize internally.
type run struct {
	runner *Runner
	cfg    *config.Config
	g      *graph.Graph
	pr     *review.PRInfo
	inputs map[string]any
	opts   Options
	mock   func(string) (*review.Summary, bool)

	store  *outputs.Store
	memory *memstore.Store

	maxLoops int
	wfDepth  int

	mu            sync.Mutex
	routing       []TraceEntry
	outcomes      map[scopedKey]*outcome
	runCounts     map[scopedKey]int
	attempts      map[scopedKey]int
	loopCounts    map[outputs.Scope]int
	loopExceeded  map[outputs.Scope]bool
	oneShot       map[string]bool
	fanoutOwned   map[string]bool
	selected      map[string]bool
	fanoutPending []fanoutReq
}

func (rn *run) setOutcome(id string, scope outputs.Scope, oc *outcome) {
	rn.mu.Lock()
	rn.outcomes[scopedKey{id, scope}] = oc
	rn.mu.Unlock()
}

// outcomeFor resolves the latest outcome of a check visible from scope,
// walking up the scope chain so forEach children observe parent results.
func (rn *run) outcomeFor(id string, scope outputs.Scope) (*outcome, bool) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	for {
		if oc, ok := rn.outcomes[scopedKey{id, scope}]; ok {
			return oc, true
		}
		if scope.IsRoot() {
			return nil, false
		}
		scope = scope.Parent()
	}
}

// nextRun increments and returns the run count for (check, scope).
func (rn *run) nextRun(id string, scope outputs.Scope) int {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.runCounts[scopedKey{id, scope}]++
	return rn.runCounts[scopedKey{id, scope}]
}

// loopBudget reserves one routing transition in scope. It returns the new
// loop depth and whether the transition is allowed; exceeded reports
// whether this call crossed the budget for the first time.
func (rn *run) loopBudget(scope outputs.Scope) (depth int, allowed bool, exceeded bool) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	if rn.maxLoops == 0 {
		return 0, false, false
	}
	if rn.loopCounts[scope] >= rn.maxLoops {
		first := !rn.loopExceeded[scope]
		rn.loopExceeded[scope] = true
		return rn.loopCounts[scope], false, first
	}
	rn.loopCounts[scope]++
	return rn.loopCounts[scope], true, false
}

// claimOneShot reports whether a one_shot-tagged target may still be routed
// to, claiming it when it can.
func (rn *run) claimOneShot(id string) bool {
	if !rn.cfg.Checks[id].HasTag(config.TagOneShot) {
		return true
	}
	rn.mu.Lock()
	defer rn.mu.Unlock()
	if rn.oneShot[id] {
		return false
	}
	rn.oneShot[id] = true
	return true
}
