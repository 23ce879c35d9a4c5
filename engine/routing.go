package engine

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/visor-run/visor/config"
	"github.com/visor-run/visor/outputs"
	"github.com/visor-run/visor/provider"
	"github.com/visor-run/visor/review"
)

type decision int

const (
	decisionDone decision = iota
	decisionRetry
)

// defaultRetryMax applies when on_fail.retry sets no max.
const defaultRetryMax = 2

// route applies the post-execution hook for one result. on_fail wins over
// on_success; within a hook the priority is retry, goto, goto_js, run,
// run_js, and exactly one action fires.
func (rn *run) route(ctx context.Context, id string, scope outputs.Scope, oc *outcome, depth int) decision {
	spec := rn.cfg.Checks[id]
	if spec == nil {
		return decisionDone
	}
	hook := spec.OnSuccess
	reason := "on_success"
	if oc.Fatal {
		hook = spec.OnFail
		reason = "on_fail"
	}
	if hook.Empty() {
		return decisionDone
	}

	if oc.Fatal && hook.Retry != nil && !provider.IsPermanent(oc.Err) {
		if rn.tryRetry(ctx, id, scope, hook.Retry, oc) {
			return decisionRetry
		}
	}
	switch {
	case hook.Goto != "":
		rn.doGoto(ctx, id, scope, hook.Goto, depth, ActionGoto, reason, oc)
	case hook.GotoJS != "":
		rn.doGotoJS(ctx, id, scope, hook.GotoJS, depth, reason, oc)
	case len(hook.Run) > 0:
		rn.doRun(ctx, id, scope, hook.Run, depth, ActionRun, reason, oc)
	case hook.RunJS != "":
		rn.doRunJS(ctx, id, scope, hook.RunJS, depth, reason, oc)
	}
	return decisionDone
}

// tryRetry reserves a retry attempt within both the retry max and the scope's
// loop budget, sleeping the backoff delay before returning true.
func (rn *run) tryRetry(ctx context.Context, id string, scope outputs.Scope, rs *config.RetrySpec, oc *outcome) bool {
	max := rs.Max
	if max <= 0 {
		max = defaultRetryMax
	}
	key := scopedKey{id, scope}
	rn.mu.Lock()
	attempts := rn.attempts[key]
	rn.mu.Unlock()
	if attempts >= max {
		return false
	}

	loop, allowed, crossed := rn.loopBudget(scope)
	if !allowed {
		rn.noteBudget(id, scope, oc, crossed)
		return false
	}

	rn.mu.Lock()
	rn.attempts[key]++
	attempt := rn.attempts[key]
	rn.mu.Unlock()

	rn.runner.metrics.RoutingTransitions.WithLabelValues(string(ActionRetry)).Inc()
	rn.addTrace(TraceEntry{FromCheck: id, Action: ActionRetry, Reason: fmt.Sprintf("attempt %d", attempt), LoopDepth: loop, Scope: scope})

	if d := retryDelay(rs, attempt); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// retryDelay computes the backoff for an attempt: exponential by default,
// linear when configured, jittered, capped at 30s.
func retryDelay(rs *config.RetrySpec, attempt int) time.Duration {
	base := rs.Delay.Std()
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	var d time.Duration
	if rs.Backoff == "linear" {
		d = base * time.Duration(attempt)
	} else {
		d = base * time.Duration(1<<uint(attempt-1))
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// doGoto reschedules target in the same scope and forward-runs its direct
// dependents so the fresh output propagates.
func (rn *run) doGoto(ctx context.Context, from string, scope outputs.Scope, target string, depth int, action Action, reason string, oc *outcome) {
	if _, ok := rn.cfg.Checks[target]; !ok {
		rn.invalidTarget(from, scope, oc, fmt.Sprintf("goto target %q is not a configured check", target))
		return
	}
	if target != from && rn.g.IsDescendant(target, from) {
		rn.invalidTarget(from, scope, oc, fmt.Sprintf("goto target %q is a dependent of %q", target, from))
		return
	}
	if !rn.claimOneShot(target) {
		rn.addTrace(TraceEntry{FromCheck: from, Action: ActionSkip, Reason: "one_shot target already claimed: " + target, Scope: scope})
		return
	}
	loop, allowed, crossed := rn.loopBudget(scope)
	if !allowed {
		rn.noteBudget(from, scope, oc, crossed)
		return
	}
	rn.runner.metrics.RoutingTransitions.WithLabelValues(string(action)).Inc()
	rn.addTrace(TraceEntry{FromCheck: from, Action: action, Reason: reason + " -> " + target, LoopDepth: loop, Scope: scope})

	rn.executeAndRoute(ctx, target, scope, depth)
	rn.forwardRun(ctx, target, scope, depth)
}

func (rn *run) doGotoJS(ctx context.Context, from string, scope outputs.Scope, src string, depth int, reason string, oc *outcome) {
	scopeMap, _ := rn.buildScope(scope, oc.Summary, oc.Fatal)
	opts := rn.evalOpts(from, scope)
	opts.WrapFunction = true
	v, err := rn.runner.sb.Evaluate(ctx, src, scopeMap, opts)
	if err != nil {
		rn.invalidTarget(from, scope, oc, fmt.Sprintf("goto_js failed: %v", err))
		return
	}
	if v == nil {
		rn.addTrace(TraceEntry{FromCheck: from, Action: ActionHalt, Reason: reason + ": goto_js returned null", Scope: scope})
		return
	}
	target, ok := v.(string)
	if !ok {
		rn.invalidTarget(from, scope, oc, fmt.Sprintf("goto_js returned %T, want check id or null", v))
		return
	}
	rn.doGoto(ctx, from, scope, target, depth, ActionGotoJS, reason, oc)
}

// doRun executes a static run item list as one routing transition.
func (rn *run) doRun(ctx context.Context, from string, scope outputs.Scope, items []config.RunItem, depth int, action Action, reason string, oc *outcome) {
	loop, allowed, crossed := rn.loopBudget(scope)
	if !allowed {
		rn.noteBudget(from, scope, oc, crossed)
		return
	}
	rn.runner.metrics.RoutingTransitions.WithLabelValues(string(action)).Inc()
	rn.addTrace(TraceEntry{FromCheck: from, Action: action, Reason: reason, LoopDepth: loop, Scope: scope})
	if err := rn.runItems(ctx, scope, items, depth); err != nil {
		rn.attachIssue(from, scope, oc, review.Issue{
			RuleID:   from + "/routing_run_error",
			Message:  fmt.Sprintf("%s run items failed: %v", reason, err),
			Severity: review.SeverityError,
			Category: review.CategoryLogic,
		})
	}
}

// doRunJS evaluates a run_js expression into run items and executes them.
func (rn *run) doRunJS(ctx context.Context, from string, scope outputs.Scope, src string, depth int, reason string, oc *outcome) {
	scopeMap, _ := rn.buildScope(scope, oc.Summary, oc.Fatal)
	opts := rn.evalOpts(from, scope)
	opts.WrapFunction = true
	v, err := rn.runner.sb.Evaluate(ctx, src, scopeMap, opts)
	if err != nil {
		rn.attachIssue(from, scope, oc, review.Issue{
			RuleID:   from + "/run_js_error",
			Message:  fmt.Sprintf("run_js failed: %v", err),
			Severity: review.SeverityError,
			Category: review.CategoryLogic,
		})
		return
	}
	if v == nil {
		rn.addTrace(TraceEntry{FromCheck: from, Action: ActionHalt, Reason: reason + ": run_js returned null", Scope: scope})
		return
	}
	items, err := config.ParseRunItems(v)
	if err != nil {
		rn.attachIssue(from, scope, oc, review.Issue{
			RuleID:   from + "/run_js_error",
			Message:  fmt.Sprintf("run_js returned invalid items: %v", err),
			Severity: review.SeverityError,
			Category: review.CategoryLogic,
		})
		return
	}
	if len(items) == 0 {
		rn.addTrace(TraceEntry{FromCheck: from, Action: ActionHalt, Reason: reason + ": run_js returned no items", Scope: scope})
		return
	}
	rn.doRun(ctx, from, scope, items, depth, ActionRunJS, reason, oc)
}

// forwardRun executes the direct dependents of a routed-to check. Dependents
// blocked by another fatal upstream stay skipped, and forEach-owned checks
// never run at root scope.
func (rn *run) forwardRun(ctx context.Context, target string, scope outputs.Scope, depth int) {
	for _, d := range rn.g.DirectDependents(target) {
		if rn.fanoutOwned[d] && scope.IsRoot() {
			continue
		}
		spec := rn.cfg.Checks[d]
		if spec == nil || !spec.TriggeredBy(rn.pr.Event) {
			continue
		}
		blocked := false
		for _, dep := range spec.DependsOn {
			if dep == target {
				continue
			}
			if doc, ok := rn.outcomeFor(dep, scope); ok && doc.Fatal && !spec.ContinueOnFailure {
				blocked = true
				break
			}
		}
		if !blocked {
			rn.executeAndRoute(ctx, d, scope, depth)
		}
	}
}

// noteBudget records a denied routing transition. The budget issue attaches
// only on the first crossing per scope; with routing disabled the action is
// silently traced as skipped.
func (rn *run) noteBudget(id string, scope outputs.Scope, oc *outcome, crossed bool) {
	if !crossed {
		if rn.maxLoops == 0 {
			rn.addTrace(TraceEntry{FromCheck: id, Action: ActionSkip, Reason: "routing disabled", Scope: scope})
		}
		return
	}
	rn.runner.metrics.BudgetExceeded.WithLabelValues("routing").Inc()
	rn.runner.emitter.Emit(Event{Type: EventRoutingLoop, Check: id, Scope: scope, Data: map[string]any{
		"maxLoops": rn.maxLoops,
		"exceeded": true,
	}})
	rn.attachIssue(id, scope, oc, review.Issue{
		RuleID:   id + "/routing_budget_exceeded",
		Message:  fmt.Sprintf("routing loop budget (max_loops=%d) exceeded in scope %s", rn.maxLoops, scope),
		Severity: review.SeverityError,
		Category: review.CategoryLogic,
	})
}

func (rn *run) invalidTarget(from string, scope outputs.Scope, oc *outcome, msg string) {
	rn.addTrace(TraceEntry{FromCheck: from, Action: ActionHalt, Reason: msg, Scope: scope})
	rn.attachIssue(from, scope, oc, review.Issue{
		RuleID:   from + "/invalid_goto_target",
		Message:  msg,
		Severity: review.SeverityError,
		Category: review.CategoryLogic,
	})
}

// attachIssue marks the outcome fatal with an extra issue and republishes it.
func (rn *run) attachIssue(id string, scope outputs.Scope, oc *outcome, iss review.Issue) {
	rn.mu.Lock()
	oc.Fatal = true
	oc.Status = statusFailed
	if oc.Summary == nil {
		oc.Summary = &review.Summary{}
	}
	oc.Summary.AddIssue(iss)
	rn.outcomes[scopedKey{id, scope}] = oc
	rn.mu.Unlock()
}
