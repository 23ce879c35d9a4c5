package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/visor-run/visor/config"
	"github.com/visor-run/visor/outputs"
	"github.com/visor-run/visor/provider"
	"github.com/visor-run/visor/review"
	"github.com/visor-run/visor/sandbox"
)

// executeAndRoute runs one check in one scope and drives its routing until it
// settles: retries loop back into execution, goto and run actions recurse,
// and forEach producers fan out on success. The call returns only when the
// check and everything it triggered have finished.
func (rn *run) executeAndRoute(ctx context.Context, id string, scope outputs.Scope, depth int) *outcome {
	for {
		oc := rn.executeCheck(ctx, id, scope, depth)
		rn.setOutcome(id, scope, oc)
		rn.emitResult(id, scope, oc)
		if oc.Status == statusSkipped || oc.Status == statusCancelled {
			return oc
		}
		if rn.route(ctx, id, scope, oc, depth) == decisionRetry {
			continue
		}
		spec := rn.cfg.Checks[id]
		if spec != nil && spec.ForEach && !oc.Fatal && oc.Status == statusSuccess {
			if scope.IsRoot() {
				// Sibling upstreams of the dependent subgraph may still be
				// executing in this wave; the dispatcher drains the fan-out
				// once they settle.
				rn.deferFanOut(id, scope, oc, depth)
			} else {
				rn.fanOut(ctx, id, scope, oc, depth)
			}
		}
		return oc
	}
}

// evalOpts builds the sandbox options for a check's predicates and scripts:
// log(...) output lands in the engine log and on the event stream.
func (rn *run) evalOpts(id string, scope outputs.Scope) sandbox.Options {
	return sandbox.Options{
		InjectLog: true,
		Log: func(msg string) {
			rn.runner.emitter.Emit(Event{Type: EventLog, Check: id, Scope: scope, Data: map[string]any{"message": msg}})
		},
	}
}

// executeCheck runs a single execution attempt: dependency gating, the if
// guard, the run budget, assume, on_init, the provider, guarantee, fail_if,
// and the output commit, in that order.
func (rn *run) executeCheck(ctx context.Context, id string, scope outputs.Scope, depth int) *outcome {
	start := time.Now()
	finish := func(oc *outcome) *outcome {
		oc.Duration = time.Since(start)
		return oc
	}

	spec, ok := rn.cfg.Checks[id]
	if !ok {
		return finish(fatalOutcome(id+"/unknown_check", fmt.Sprintf("check %q is not configured", id), review.SeverityError, nil))
	}
	logger := rn.runner.logger.With("check", id, "scope", string(scope))

	if err := ctx.Err(); err != nil {
		sum := &review.Summary{}
		sum.AddIssue(review.Issue{
			RuleID:   id + "/cancelled",
			Message:  "run cancelled before execution: " + err.Error(),
			Severity: review.SeverityWarning,
			Category: review.CategoryLogic,
		})
		return finish(&outcome{Status: statusCancelled, Summary: sum, Err: err})
	}

	for _, dep := range spec.DependsOn {
		doc, ok := rn.outcomeFor(dep, scope)
		if !ok || doc.Status == statusSkipped || doc.Status == statusCancelled {
			logger.Debug("check skipped", "reason", "dependency unavailable", "dependency", dep)
			return finish(&outcome{Status: statusSkipped, Summary: &review.Summary{}})
		}
		if doc.Fatal && !spec.ContinueOnFailure {
			logger.Debug("check skipped", "reason", "dependency failed", "dependency", dep)
			return finish(&outcome{Status: statusSkipped, Summary: &review.Summary{}})
		}
	}

	scopeMap, values := rn.buildScope(scope, nil, false)

	if spec.If != "" {
		pass, err := rn.runner.sb.EvaluateBool(ctx, spec.If, scopeMap, rn.evalOpts(id, scope))
		if err != nil {
			return finish(fatalOutcome(id+"/if_error", fmt.Sprintf("if predicate failed: %v", err), review.SeverityError, err))
		}
		if !pass {
			logger.Debug("check skipped", "reason", "if predicate false")
			return finish(&outcome{Status: statusSkipped, Summary: &review.Summary{}})
		}
	}

	runs := rn.nextRun(id, scope)
	if max := rn.cfg.MaxRunsFor(id); runs > max {
		rn.runner.metrics.BudgetExceeded.WithLabelValues("max_runs").Inc()
		logger.Warn("check run budget exhausted", "max_runs", max)
		return finish(fatalOutcome(id+"/limits/max_runs_exceeded",
			fmt.Sprintf("check exceeded max_runs (%d) in scope %s", max, scope), review.SeverityError, nil))
	}

	rn.runner.emitter.Emit(Event{Type: EventCheckStart, Check: id, Scope: scope, Data: map[string]any{"run": runs}})

	if spec.Assume != "" {
		holds, err := rn.runner.sb.EvaluateBool(ctx, spec.Assume, scopeMap, rn.evalOpts(id, scope))
		if err != nil {
			return finish(fatalOutcome(id+"/assume_error", fmt.Sprintf("assume predicate failed: %v", err), review.SeverityError, err))
		}
		if !holds {
			sum := &review.Summary{}
			sum.AddIssue(review.Issue{
				RuleID:   id + "/assume_violated",
				Message:  "assume precondition is false; check not executed",
				Severity: review.SeverityWarning,
				Category: review.CategoryLogic,
			})
			return finish(&outcome{Status: statusSkipped, Summary: sum})
		}
	}

	if spec.OnInit != nil && len(spec.OnInit.Run) > 0 {
		rn.addTrace(TraceEntry{FromCheck: id, Action: ActionRun, Reason: "on_init", Scope: scope})
		if err := rn.runItems(ctx, scope, spec.OnInit.Run, depth); err != nil {
			return finish(fatalOutcome(id+"/on_init_error", fmt.Sprintf("on_init failed: %v", err), review.SeverityError, err))
		}
		// The items may have committed outputs; rebuild the scope so the
		// provider sees them.
		scopeMap, values = rn.buildScope(scope, nil, false)
	}

	attempt := rn.attemptFor(id, scope)
	sum, err := rn.invokeProvider(ctx, id, spec, scope, scopeMap, values, attempt, logger)
	oc := &outcome{Status: statusSuccess, Summary: sum}
	if err != nil {
		oc.Err = err
		oc.Fatal = true
		oc.Status = statusFailed
		sev := review.SeverityError
		if spec.Critical {
			sev = review.SeverityCritical
		}
		ruleID := id + "/error"
		if errors.Is(err, context.DeadlineExceeded) {
			ruleID = id + "/timeout"
		}
		sum.AddIssue(review.Issue{RuleID: ruleID, Message: err.Error(), Severity: sev, Category: review.CategoryLogic})
		logger.Warn("check failed", "attempt", attempt, "error", err)
	}

	if spec.Guarantee != "" {
		postScope, _ := rn.buildScope(scope, sum, oc.Fatal)
		holds, gerr := rn.runner.sb.EvaluateBool(ctx, spec.Guarantee, postScope, rn.evalOpts(id, scope))
		if gerr != nil {
			oc.Fatal = true
			sum.AddIssue(review.Issue{
				RuleID:   id + "/guarantee_error",
				Message:  fmt.Sprintf("guarantee predicate failed: %v", gerr),
				Severity: review.SeverityError,
				Category: review.CategoryLogic,
			})
		} else if !holds {
			oc.Fatal = true
			sum.AddIssue(review.Issue{
				RuleID:   id + "/guarantee_violated",
				Message:  "guarantee postcondition is false",
				Severity: review.SeverityError,
				Category: review.CategoryLogic,
			})
		}
	}

	failIf := spec.FailIf
	if failIf == "" {
		failIf = rn.cfg.FailIf
	}
	if failIf != "" {
		postScope, _ := rn.buildScope(scope, sum, oc.Fatal)
		triggered, ferr := rn.runner.sb.EvaluateBool(ctx, failIf, postScope, rn.evalOpts(id, scope))
		if ferr != nil {
			oc.Fatal = true
			sum.AddIssue(review.Issue{
				RuleID:   id + "/fail_if_error",
				Message:  fmt.Sprintf("fail_if predicate failed: %v", ferr),
				Severity: review.SeverityError,
				Category: review.CategoryLogic,
			})
		} else if triggered {
			rn.runner.metrics.FailIfTriggered.Inc()
			oc.Fatal = true
			sev := review.SeverityError
			if spec.Critical {
				sev = review.SeverityCritical
			}
			sum.AddIssue(review.Issue{
				RuleID:   id + "/fail_if",
				Message:  "fail_if condition triggered",
				Severity: sev,
				Category: review.CategoryLogic,
			})
		}
	}

	if spec.ForEach && !oc.Fatal {
		rn.store.SetRaw(id, sum)
	}
	rn.store.Put(id, scope, sum)

	if oc.Fatal {
		oc.Status = statusFailed
	}
	rn.runner.metrics.ChecksExecuted.WithLabelValues(spec.Type).Inc()
	if oc.Fatal {
		rn.runner.metrics.CheckFailures.WithLabelValues(spec.Type).Inc()
	}
	return finish(oc)
}

// invokeProvider runs the provider (or the test mock) with the per-check
// timeout applied.
func (rn *run) invokeProvider(ctx context.Context, id string, spec *config.CheckSpec, scope outputs.Scope, scopeMap map[string]any, values map[string]outputs.Value, attempt int, logger *slog.Logger) (*review.Summary, error) {
	if rn.mock != nil {
		if sum, ok := rn.mock(id); ok {
			return normalizeSummary(cloneSummary(sum)), nil
		}
	}
	p, err := rn.runner.registry.Get(spec.Type)
	if err != nil {
		return &review.Summary{}, provider.NewPermanentError(err)
	}

	timeout := spec.Timeout.Std()
	if timeout <= 0 {
		timeout = config.DefaultCheckTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec := &provider.ExecContext{
		Scope:       scope,
		Attempt:     attempt,
		RenderScope: scopeMap,
		Values:      values,
		Renderer:    rn.runner.renderer,
		Memory:      rn.memory,
		Workflows:   rn,
		MockForStep: rn.mock,
		Logger:      logger,
	}
	sum, err := p.Execute(cctx, rn.pr, spec, rn.depResults(spec, scope), ec)
	if sum == nil {
		sum = &review.Summary{}
	}
	return normalizeSummary(sum), err
}

// depResults maps dependency ids to their visible results, adding the "-raw"
// aggregate alias for forEach producers.
func (rn *run) depResults(spec *config.CheckSpec, scope outputs.Scope) map[string]*review.Summary {
	deps := map[string]*review.Summary{}
	for _, dep := range spec.DependsOn {
		if sum, ok := rn.store.Get(dep, scope); ok {
			deps[dep] = sum
		}
		if dspec, ok := rn.cfg.Checks[dep]; ok && dspec.ForEach {
			if raw, ok := rn.store.Raw(dep); ok {
				deps[dep+outputs.RawSuffix] = raw
			}
		}
	}
	return deps
}

func (rn *run) attemptFor(id string, scope outputs.Scope) int {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.attempts[scopedKey{id, scope}]
}

func (rn *run) emitResult(id string, scope outputs.Scope, oc *outcome) {
	typ := EventCheckSuccess
	if oc.Fatal || oc.Status == statusFailed {
		typ = EventCheckFail
	}
	if oc.Status == statusSkipped || oc.Status == statusCancelled {
		return
	}
	rn.runner.emitter.Emit(Event{Type: typ, Check: id, Scope: scope, Data: map[string]any{
		"issues":     len(oc.issues()),
		"durationMs": oc.Duration.Milliseconds(),
	}})
}

// normalizeSummary applies lenient JSON extraction to textual outputs so
// dependents get structured data while the raw text stays addressable.
func normalizeSummary(sum *review.Summary) *review.Summary {
	if s, ok := sum.Output.(string); ok {
		v := outputs.FromText(s)
		if sum.Raw == nil {
			sum.Raw = s
		}
		sum.Output = v.AsParsed()
	}
	return sum
}

// cloneSummary shallow-copies a summary so mock fixtures are not mutated
// across executions.
func cloneSummary(sum *review.Summary) *review.Summary {
	cp := *sum
	cp.Issues = append([]review.Issue(nil), sum.Issues...)
	return &cp
}

func fatalOutcome(ruleID, msg string, sev review.Severity, err error) *outcome {
	sum := &review.Summary{}
	sum.AddIssue(review.Issue{RuleID: ruleID, Message: msg, Severity: sev, Category: review.CategoryLogic})
	return &outcome{Status: statusFailed, Summary: sum, Fatal: true, Err: err}
}
