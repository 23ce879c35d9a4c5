package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/visor-run/visor/config"
	"github.com/visor-run/visor/outputs"
	"github.com/visor-run/visor/review"
)

// errDepthExceeded guards nested on_init recursion.
var errDepthExceeded = errors.New("run item nesting too deep")

// runItems executes a run / run_js / on_init item list sequentially, in
// order. The first failing item aborts the list.
func (rn *run) runItems(ctx context.Context, scope outputs.Scope, items []config.RunItem, depth int) error {
	if depth > config.DefaultOnInitDepth {
		return fmt.Errorf("%w (max %d)", errDepthExceeded, config.DefaultOnInitDepth)
	}
	for i := range items {
		item := items[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case item.Check != "":
			oc := rn.executeAndRoute(ctx, item.Check, scope, depth+1)
			if oc.Fatal {
				return fmt.Errorf("run item check %q failed", item.Check)
			}
		case item.Tool != "":
			spec, ok := rn.cfg.Tools[item.Tool]
			if !ok {
				return fmt.Errorf("unknown tool %q", item.Tool)
			}
			if _, err := rn.runHelper(ctx, item.Alias(), spec, item.With, scope, depth+1); err != nil {
				return fmt.Errorf("tool %q: %w", item.Tool, err)
			}
		case item.Step != "":
			spec, ok := rn.cfg.Checks[item.Step]
			if !ok {
				return fmt.Errorf("unknown step %q", item.Step)
			}
			if _, err := rn.runHelper(ctx, item.Alias(), spec, item.With, scope, depth+1); err != nil {
				return fmt.Errorf("step %q: %w", item.Step, err)
			}
		case item.Workflow != "":
			sum, err := rn.RunWorkflow(ctx, item.Workflow, config.MergeOverrides(rn.inputs, item.With), item.Overrides)
			if err != nil {
				return fmt.Errorf("workflow %q: %w", item.Workflow, err)
			}
			rn.store.Put(item.Alias(), scope, sum)
			rn.applyOutputMapping(scope, item.OutputMapping, sum)
		}
	}
	return nil
}

// runHelper executes a tool or step spec inline: provider execution without
// routing hooks. The result is committed under alias and counts against the
// alias's run budget.
func (rn *run) runHelper(ctx context.Context, alias string, spec *config.CheckSpec, args map[string]any, scope outputs.Scope, depth int) (*review.Summary, error) {
	runs := rn.nextRun(alias, scope)
	if max := rn.cfg.MaxRunsFor(alias); runs > max {
		rn.runner.metrics.BudgetExceeded.WithLabelValues("max_runs").Inc()
		return nil, fmt.Errorf("%q exceeded max_runs (%d)", alias, max)
	}
	if spec.OnInit != nil && len(spec.OnInit.Run) > 0 {
		if err := rn.runItems(ctx, scope, spec.OnInit.Run, depth); err != nil {
			return nil, err
		}
	}
	scopeMap, values := rn.buildScope(scope, nil, false)
	if len(args) > 0 {
		scopeMap["args"] = config.MergeOverrides(rn.inputs, args)
	}
	logger := rn.runner.logger.With("step", alias, "scope", string(scope))
	sum, err := rn.invokeProvider(ctx, alias, spec, scope, scopeMap, values, 0, logger)
	if err != nil {
		return sum, err
	}
	rn.store.Put(alias, scope, sum)
	return sum, nil
}

// applyOutputMapping lifts named results out of a workflow summary into the
// caller's scope. Keys are check ids inside the workflow, values the aliases
// they are committed under.
func (rn *run) applyOutputMapping(scope outputs.Scope, mapping map[string]string, sum *review.Summary) {
	if len(mapping) == 0 {
		return
	}
	all, _ := sum.Output.(map[string]any)
	for inner, alias := range mapping {
		var v any
		if all != nil {
			v = all[inner]
		}
		rn.store.Put(alias, scope, &review.Summary{Output: v})
	}
}
