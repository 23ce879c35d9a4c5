// Package engine is the check execution core: a dependency-aware,
// event-driven scheduler that plans waves, runs provider logic, evaluates
// gating predicates, routes on success and failure, fans out forEach
// producers, and enforces loop and run budgets across a single run.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/visor-run/visor/config"
	"github.com/visor-run/visor/graph"
	"github.com/visor-run/visor/memstore"
	"github.com/visor-run/visor/metrics"
	"github.com/visor-run/visor/outputs"
	"github.com/visor-run/visor/provider"
	"github.com/visor-run/visor/render"
	"github.com/visor-run/visor/review"
	"github.com/visor-run/visor/sandbox"
)

// maxWorkflowDepth bounds nested workflow invocations.
const maxWorkflowDepth = 8

// Deps are the long-lived collaborators a Runner needs. Zero values get
// sensible defaults.
type Deps struct {
	Logger   *slog.Logger
	Registry *provider.Registry
	Metrics  *metrics.Metrics
	Emitter  *Emitter
}

// Runner is the public entry point of the engine. Safe for concurrent runs.
type Runner struct {
	logger   *slog.Logger
	registry *provider.Registry
	metrics  *metrics.Metrics
	emitter  *Emitter
	sb       *sandbox.Sandbox
	renderer *render.Renderer
}

// New creates a Runner.
func New(deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := deps.Registry
	if registry == nil {
		registry = provider.NewRegistry(logger)
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = NewEmitter(logger)
	}
	sb := sandbox.New(logger)
	return &Runner{
		logger:   logger,
		registry: registry,
		metrics:  m,
		emitter:  emitter,
		sb:       sb,
		renderer: render.New(sb, logger),
	}
}

// Options select what a run executes.
type Options struct {
	// Config or ConfigPath; Config wins when both are set.
	Config     *config.Config
	ConfigPath string
	// Checks restricts the run to these ids (ancestors are pulled in).
	Checks []string
	// Tags restricts the run to checks carrying any of these tags.
	Tags []string
	// Inputs are exposed to templates and predicates as `args`.
	Inputs map[string]any
	// Event is the input the checks operate on; nil means a manual run.
	Event *review.PRInfo
	// Deadline bounds the whole run; zero means no deadline.
	Deadline time.Duration
	// HistoryCap bounds per-check history; zero means unbounded.
	HistoryCap int
	// MockForStep short-circuits provider execution for tests.
	MockForStep func(stepID string) (*review.Summary, bool)
	// Memory reuses an existing store (the daemon shares one across
	// scheduled runs); nil creates a fresh store.
	Memory *memstore.Store
}

// CheckResult summarizes one check at the end of a run.
type CheckResult struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"` // success, failed, skipped, cancelled
	Issues     []review.Issue `json:"issues,omitempty"`
	Output     any            `json:"output,omitempty"`
	Runs       int            `json:"runs"`
	DurationMs int64          `json:"durationMs"`
}

// RunStats aggregates the run.
type RunStats struct {
	DurationMs   int64 `json:"durationMs"`
	SuccessCount int   `json:"successCount"`
	FailureCount int   `json:"failureCount"`
}

// RunSummary is the result of a run. The run always returns a summary with
// aggregated issues and a complete routing trace, even on failure.
type RunSummary struct {
	Checks  []CheckResult                `json:"checks"`
	Issues  []review.Issue               `json:"issues"`
	Stats   RunStats                     `json:"stats"`
	Routing []TraceEntry                 `json:"routing"`
	History map[string][]*review.Summary `json:"history,omitempty"`
}

// HasCritical reports whether any aggregated issue is critical, the
// canonical signal for a failed run.
func (s *RunSummary) HasCritical() bool {
	for _, iss := range s.Issues {
		if iss.Severity == review.SeverityCritical {
			return true
		}
	}
	return false
}

// Run loads the config, builds the graph, drives the dispatcher wave by
// wave, and collects the summary with history and routing trace attached.
func (r *Runner) Run(ctx context.Context, opts Options) (*RunSummary, error) {
	cfg := opts.Config
	if cfg == nil {
		if opts.ConfigPath == "" {
			return nil, fmt.Errorf("%w: no config given", config.ErrInvalidConfig)
		}
		loaded, err := config.NewLoader(r.logger).LoadFile(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g, err := graph.Build(cfg.Checks)
	if err != nil {
		return nil, err
	}

	pr := opts.Event
	if pr == nil {
		pr = &review.PRInfo{Event: review.EventManual}
	}
	if pr.Event == "" {
		pr.Event = review.EventManual
	}

	memory := opts.Memory
	if memory == nil {
		memory = memstore.NewStore()
		if cfg.Memory.Path != "" {
			if err := memory.Load(cfg.Memory.Path, cfg.Memory.Format); err != nil {
				r.logger.Warn("load memory snapshot", "path", cfg.Memory.Path, "error", err)
			}
		}
	}

	rn := &run{
		runner:       r,
		cfg:          cfg,
		g:            g,
		pr:           pr,
		inputs:       opts.Inputs,
		opts:         opts,
		mock:         opts.MockForStep,
		store:        outputs.NewStore(opts.HistoryCap),
		memory:       memory,
		maxLoops:     cfg.Routing.MaxLoopsOrDefault(),
		outcomes:     map[scopedKey]*outcome{},
		runCounts:    map[scopedKey]int{},
		attempts:     map[scopedKey]int{},
		loopCounts:   map[outputs.Scope]int{},
		loopExceeded: map[outputs.Scope]bool{},
		oneShot:      map[string]bool{},
		fanoutOwned:  fanoutOwnedSet(cfg, g),
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	started := time.Now()
	rn.dispatch(runCtx)

	if cfg.Memory.Path != "" && opts.Memory == nil {
		if err := memory.Save(cfg.Memory.Path, cfg.Memory.Format); err != nil {
			r.logger.Warn("save memory snapshot", "path", cfg.Memory.Path, "error", err)
		}
	}

	summary := rn.collect(time.Since(started))
	r.metrics.RunDuration.Observe(time.Since(started).Seconds())
	r.emitter.Emit(Event{Type: EventDone, Data: map[string]any{
		"durationMs": summary.Stats.DurationMs,
		"failures":   summary.Stats.FailureCount,
	}})
	return summary, nil
}

// dispatch drives the waves. Within a wave, ready checks run in parallel up
// to the configured cap; after each completion routing has already settled
// (executeAndRoute is synchronous), so the next wave reads a consistent
// snapshot. Root-scope fan-outs queue up during a wave and drain between
// waves, once every upstream outside the fan-out has an outcome.
func (rn *run) dispatch(ctx context.Context) {
	rn.selected = rn.selection()
	limit := rn.cfg.MaxParallel
	if limit <= 0 {
		limit = config.DefaultMaxParallel
	}
	for _, wave := range rn.g.Waves {
		eg, waveCtx := errgroup.WithContext(ctx)
		eg.SetLimit(limit)
		for _, id := range wave {
			if !rn.selected[id] || rn.fanoutOwned[id] {
				continue
			}
			id := id
			eg.Go(func() error {
				rn.executeAndRoute(waveCtx, id, outputs.Root, 0)
				return nil
			})
		}
		_ = eg.Wait()
		rn.drainFanouts(ctx)
	}
}

// selection computes the checks this run executes: explicit ids and tags
// expanded with their ancestors, filtered by the event trigger.
func (rn *run) selection() map[string]bool {
	selected := map[string]bool{}
	ids := rn.cfg.CheckIDs()

	explicit := len(rn.requestedChecks()) > 0
	if explicit {
		for _, id := range rn.requestedChecks() {
			if _, ok := rn.cfg.Checks[id]; !ok {
				rn.runner.logger.Warn("selected check not in config", "check", id)
				continue
			}
			selected[id] = true
			for _, anc := range ids {
				if rn.g.IsAncestor(anc, id) {
					selected[anc] = true
				}
			}
		}
	} else {
		for _, id := range ids {
			selected[id] = true
		}
	}

	for id := range selected {
		if !rn.cfg.Checks[id].TriggeredBy(rn.pr.Event) {
			delete(selected, id)
		}
	}
	return selected
}

func (rn *run) requestedChecks() []string {
	var out []string
	out = append(out, rn.opts.Checks...)
	if len(rn.opts.Tags) > 0 {
		for id, spec := range rn.cfg.Checks {
			for _, t := range rn.opts.Tags {
				if spec.HasTag(t) {
					out = append(out, id)
				}
			}
		}
	}
	return out
}

// fanoutOwnedSet marks checks that only run inside forEach child scopes:
// every check reachable from a direct dependent of a forEach producer.
func fanoutOwnedSet(cfg *config.Config, g *graph.Graph) map[string]bool {
	owned := map[string]bool{}
	for id, spec := range cfg.Checks {
		if !spec.ForEach {
			continue
		}
		for _, sub := range g.Subgraph(g.DirectDependents(id)) {
			owned[sub] = true
		}
	}
	return owned
}

// collect assembles the final summary.
func (rn *run) collect(elapsed time.Duration) *RunSummary {
	rn.mu.Lock()
	defer rn.mu.Unlock()

	perCheck := map[string]*CheckResult{}
	var order []string
	for key, oc := range rn.outcomes {
		cr, ok := perCheck[key.check]
		if !ok {
			cr = &CheckResult{ID: key.check, Status: string(oc.Status)}
			perCheck[key.check] = cr
			order = append(order, key.check)
		}
		cr.Issues = append(cr.Issues, oc.issues()...)
		cr.Runs += rn.runCounts[key]
		cr.DurationMs += oc.Duration.Milliseconds()
		// A fatal outcome anywhere marks the check failed; root status
		// wins otherwise.
		if oc.Fatal {
			cr.Status = string(statusFailed)
		} else if key.scope.IsRoot() && cr.Status != string(statusFailed) {
			cr.Status = string(oc.Status)
		}
		if oc.Summary != nil {
			cr.Output = oc.Summary.Output
		}
	}
	sort.Strings(order)

	summary := &RunSummary{
		Routing: append([]TraceEntry(nil), rn.routing...),
		History: map[string][]*review.Summary{},
	}
	for _, id := range order {
		cr := perCheck[id]
		summary.Checks = append(summary.Checks, *cr)
		summary.Issues = append(summary.Issues, cr.Issues...)
		switch cr.Status {
		case string(statusFailed):
			summary.Stats.FailureCount++
		case string(statusSuccess):
			summary.Stats.SuccessCount++
		}
	}
	for _, id := range rn.store.Checks() {
		summary.History[id] = rn.store.History(id)
	}
	summary.Stats.DurationMs = elapsed.Milliseconds()
	return summary
}

// envScope exposes the process environment to templates and predicates.
func envScope() map[string]any {
	out := map[string]any{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}
