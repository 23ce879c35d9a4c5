package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/visor-run/visor/config"
	"github.com/visor-run/visor/outputs"
	"github.com/visor-run/visor/review"
)

// fanoutReq is a queued fan-out waiting for the upstreams outside its
// dependent subgraph to settle.
type fanoutReq struct {
	id    string
	scope outputs.Scope
	oc    *outcome
	depth int
}

// deferFanOut queues a root-scope fan-out for the dispatcher. Running it
// inline would race checks still executing in the producer's wave: a
// dependent with a second, slower upstream would observe a missing outcome
// and skip.
func (rn *run) deferFanOut(id string, scope outputs.Scope, oc *outcome, depth int) {
	rn.mu.Lock()
	rn.fanoutPending = append(rn.fanoutPending, fanoutReq{id: id, scope: scope, oc: oc, depth: depth})
	rn.mu.Unlock()
}

// drainFanouts runs every queued fan-out whose outside upstreams have
// settled. Fan-outs re-queued by an on_finish restart drain in the same call.
func (rn *run) drainFanouts(ctx context.Context) {
	for {
		req, ok := rn.nextFanout()
		if !ok {
			return
		}
		rn.fanOut(ctx, req.id, req.scope, req.oc, req.depth)
	}
}

// nextFanout pops the first ready request, if any.
func (rn *run) nextFanout() (fanoutReq, bool) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	for i, req := range rn.fanoutPending {
		if rn.upstreamsSettledLocked(req) {
			rn.fanoutPending = append(rn.fanoutPending[:i], rn.fanoutPending[i+1:]...)
			return req, true
		}
	}
	return fanoutReq{}, false
}

// upstreamsSettledLocked reports whether every selected upstream outside the
// producer's dependent subgraph has an outcome visible from the fan-out
// scope. Unselected upstreams never settle and do not block; the per-child
// dependency gate skips their dependents.
func (rn *run) upstreamsSettledLocked(req fanoutReq) bool {
	sub := map[string]bool{req.id: true}
	for _, d := range rn.g.Subgraph(rn.g.DirectDependents(req.id)) {
		sub[d] = true
	}
	for d := range sub {
		for _, dep := range rn.cfg.Checks[d].DependsOn {
			if sub[dep] || !rn.selected[dep] {
				continue
			}
			if !rn.settledLocked(dep, req.scope) {
				return false
			}
		}
	}
	return true
}

func (rn *run) settledLocked(id string, scope outputs.Scope) bool {
	for {
		if _, ok := rn.outcomes[scopedKey{id, scope}]; ok {
			return true
		}
		if scope.IsRoot() {
			return false
		}
		scope = scope.Parent()
	}
}

// fanOut expands a forEach producer's array output into child scopes and
// runs the dependent subgraph once per item. Iterations are isolated: each
// child scope sees one item bound as the producer's output and keeps its own
// loop and run counters. on_finish fires exactly once after every child
// settled, including when the array is empty.
func (rn *run) fanOut(ctx context.Context, id string, scope outputs.Scope, oc *outcome, depth int) {
	items, ok := arrayOutput(oc.Summary)
	if !ok {
		rn.attachIssue(id, scope, oc, review.Issue{
			RuleID:   id + "/forEach_invalid_output",
			Message:  "forEach output is not an array",
			Severity: review.SeverityError,
			Category: review.CategoryLogic,
		})
		return
	}

	sub := rn.g.Subgraph(rn.g.DirectDependents(id))
	if len(items) > 0 && len(sub) > 0 {
		limit := rn.cfg.MaxParallel
		if limit <= 0 {
			limit = config.DefaultMaxParallel
		}
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(limit)
		for i, item := range items {
			i, item := i, item
			eg.Go(func() error {
				child := scope.Child(id, i)
				rn.store.Bind(id, child, &review.Summary{Output: item, Raw: oc.Summary.Raw})
				for _, d := range sub {
					if !rn.cfg.Checks[d].TriggeredBy(rn.pr.Event) {
						continue
					}
					rn.executeAndRoute(egCtx, d, child, depth)
				}
				return nil
			})
		}
		_ = eg.Wait()
	}

	rn.onFinish(ctx, id, scope, oc, depth)
}

// onFinish applies the producer's on_finish hook in the producer's own scope.
// A goto back to the producer restarts the whole fan-out.
func (rn *run) onFinish(ctx context.Context, id string, scope outputs.Scope, oc *outcome, depth int) {
	hook := rn.cfg.Checks[id].OnFinish
	if hook.Empty() {
		return
	}
	if len(hook.Run) > 0 {
		rn.doRun(ctx, id, scope, hook.Run, depth, ActionRun, "on_finish", oc)
	}
	switch {
	case hook.Goto != "":
		rn.doGoto(ctx, id, scope, hook.Goto, depth, ActionGoto, "on_finish", oc)
	case hook.GotoJS != "":
		rn.doGotoJS(ctx, id, scope, hook.GotoJS, depth, "on_finish", oc)
	case hook.RunJS != "":
		rn.doRunJS(ctx, id, scope, hook.RunJS, depth, "on_finish", oc)
	}
}

func arrayOutput(sum *review.Summary) ([]any, bool) {
	arr, ok := sum.Output.([]any)
	return arr, ok
}
