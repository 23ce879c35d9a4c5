package engine

import (
	"context"
	"fmt"

	"github.com/visor-run/visor/config"
	"github.com/visor-run/visor/graph"
	"github.com/visor-run/visor/outputs"
	"github.com/visor-run/visor/provider"
	"github.com/visor-run/visor/review"
)

// RunWorkflow executes a named workflow as a nested sub-run with its own
// output store and routing budgets, sharing the memory store and input
// event. It implements provider.WorkflowRunner.
func (rn *run) RunWorkflow(ctx context.Context, name string, inputs map[string]any, overrides map[string]any) (*review.Summary, error) {
	wf, ok := rn.cfg.Workflows[name]
	if !ok {
		return nil, provider.NewPermanentError(fmt.Errorf("unknown workflow %q", name))
	}
	if rn.wfDepth >= maxWorkflowDepth {
		return nil, provider.NewPermanentError(fmt.Errorf("workflow nesting exceeds %d", maxWorkflowDepth))
	}

	checks := make(map[string]*config.CheckSpec, len(wf.Checks))
	for id, spec := range wf.Checks {
		cp := *spec
		if ov, ok := overrides[id].(map[string]any); ok {
			cp.Params = config.MergeOverrides(spec.Params, ov)
		}
		checks[id] = &cp
	}
	subCfg := &config.Config{
		Checks:      checks,
		Tools:       rn.cfg.Tools,
		Workflows:   rn.cfg.Workflows,
		Limits:      rn.cfg.Limits,
		Routing:     rn.cfg.Routing,
		FailIf:      rn.cfg.FailIf,
		MaxParallel: rn.cfg.MaxParallel,
	}
	g, err := graph.Build(checks)
	if err != nil {
		return nil, provider.NewPermanentError(fmt.Errorf("workflow %q: %w", name, err))
	}

	sub := &run{
		runner:       rn.runner,
		cfg:          subCfg,
		g:            g,
		pr:           rn.pr,
		inputs:       config.MergeOverrides(wf.Inputs, inputs),
		opts:         Options{HistoryCap: rn.opts.HistoryCap},
		mock:         rn.mock,
		store:        outputs.NewStore(rn.opts.HistoryCap),
		memory:       rn.memory,
		maxLoops:     subCfg.Routing.MaxLoopsOrDefault(),
		wfDepth:      rn.wfDepth + 1,
		outcomes:     map[scopedKey]*outcome{},
		runCounts:    map[scopedKey]int{},
		attempts:     map[scopedKey]int{},
		loopCounts:   map[outputs.Scope]int{},
		loopExceeded: map[outputs.Scope]bool{},
		oneShot:      map[string]bool{},
		fanoutOwned:  fanoutOwnedSet(subCfg, g),
	}
	sub.dispatch(ctx)

	sum := &review.Summary{}
	if wf.Output != "" {
		if out, ok := sub.store.Latest(wf.Output); ok {
			sum.Output = out.Output
			sum.Content = out.Content
			sum.Raw = out.Raw
		}
	} else {
		all := map[string]any{}
		for _, check := range sub.store.Checks() {
			if out, ok := sub.store.Latest(check); ok {
				all[check] = out.Output
			}
		}
		sum.Output = all
	}

	failed := false
	sub.mu.Lock()
	for _, oc := range sub.outcomes {
		sum.Issues = append(sum.Issues, oc.issues()...)
		if oc.Fatal {
			failed = true
		}
	}
	sub.mu.Unlock()
	if failed {
		return sum, provider.NewPermanentError(fmt.Errorf("workflow %q had failing checks", name))
	}
	return sum, nil
}
