// Package provider defines the narrow contract check providers implement
// and a registry keyed by type. The engine owns retry semantics and routing;
// providers own I/O and content rendering.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/visor-run/visor/config"
	"github.com/visor-run/visor/memstore"
	"github.com/visor-run/visor/outputs"
	"github.com/visor-run/visor/render"
	"github.com/visor-run/visor/review"
)

// Provider type names.
const (
	TypeAI       = "ai"
	TypeCommand  = "command"
	TypeHTTP     = "http_client"
	TypeMCP      = "mcp"
	TypeWorkflow = "workflow"
	TypeLog      = "log"
	TypeMemory   = "memory"
	TypeNoop     = "noop"
)

// ErrUnknownProvider is returned for unregistered types.
var ErrUnknownProvider = errors.New("unknown provider type")

// WorkflowRunner lets the workflow provider invoke a nested sub-run without
// importing the engine.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, name string, inputs map[string]any, overrides map[string]any) (*review.Summary, error)
}

// ExecContext carries the execution surface a provider may use. Stores are
// explicit handles owned by the run controller; there are no process-wide
// singletons.
type ExecContext struct {
	// Scope is the address of this execution (root or a forEach child).
	Scope outputs.Scope
	// Attempt is the 0-based attempt number, incremented by retries.
	Attempt int
	// RenderScope is the fixed template/predicate scope for this execution.
	RenderScope map[string]any
	// Values holds raw output texts for whole-output template coercion.
	Values map[string]outputs.Value
	// Renderer renders provider strings (commands, prompts, URLs, bodies).
	Renderer *render.Renderer
	// Memory is the run's namespaced KV store.
	Memory *memstore.Store
	// Workflows runs nested workflows; nil when workflows are not
	// configured.
	Workflows WorkflowRunner
	// MockForStep, when set, short-circuits execution for tests.
	MockForStep func(stepID string) (*review.Summary, bool)
	// Logger is the run logger with check attributes attached.
	Logger *slog.Logger
}

// RenderString renders a provider parameter template over the execution
// scope.
func (ec *ExecContext) RenderString(ctx context.Context, tmpl string) (string, error) {
	if ec.Renderer == nil {
		return tmpl, nil
	}
	return ec.Renderer.Render(ctx, tmpl, ec.RenderScope, ec.Values)
}

// Provider executes a single check type.
type Provider interface {
	// Name returns the type descriptor the provider registers under.
	Name() string
	// Description is a short human description.
	Description() string
	// SupportedKeys lists the provider-specific spec keys it reads.
	SupportedKeys() []string
	// Requirements names external preconditions (binaries, endpoints).
	Requirements() []string
	// Validate checks the spec before any execution.
	Validate(spec *config.CheckSpec) error
	// Execute runs the check. depResults maps dependency id to its result;
	// the engine supplies "-raw" aliases for forEach producers. Providers
	// must be side-effect-safe on retry unless the check is marked
	// critical.
	Execute(ctx context.Context, pr *review.PRInfo, spec *config.CheckSpec, deps map[string]*review.Summary, ec *ExecContext) (*review.Summary, error)
}

// Registry looks up providers by type descriptor. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry with every built-in provider registered.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{providers: map[string]Provider{}}
	r.Register(&NoopProvider{})
	r.Register(&LogProvider{logger: logger})
	r.Register(&CommandProvider{})
	r.Register(NewHTTPProvider())
	r.Register(&MemoryProvider{})
	r.Register(&WorkflowProvider{})
	r.Register(&AIProvider{})
	r.Register(&MCPProvider{})
	return r
}

// Register adds or replaces a provider under its Name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider for a type descriptor.
func (r *Registry) Get(typ string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, typ)
	}
	return p, nil
}

// Types returns the registered type descriptors.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for t := range r.providers {
		out = append(out, t)
	}
	return out
}
