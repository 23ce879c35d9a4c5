package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/visor-run/visor/config"
	"github.com/visor-run/visor/review"
)

// NoopProvider produces an empty summary. Useful as a routing anchor.
type NoopProvider struct{}

func (p *NoopProvider) Name() string                          { return TypeNoop }
func (p *NoopProvider) Description() string                   { return "Does nothing" }
func (p *NoopProvider) SupportedKeys() []string               { return nil }
func (p *NoopProvider) Requirements() []string                { return nil }
func (p *NoopProvider) Validate(spec *config.CheckSpec) error { return nil }

func (p *NoopProvider) Execute(ctx context.Context, pr *review.PRInfo, spec *config.CheckSpec, deps map[string]*review.Summary, ec *ExecContext) (*review.Summary, error) {
	return &review.Summary{}, nil
}

// LogProvider renders a message template and logs it. The rendered message
// becomes the check output.
type LogProvider struct {
	logger *slog.Logger
}

func (p *LogProvider) Name() string            { return TypeLog }
func (p *LogProvider) Description() string     { return "Logs a rendered message" }
func (p *LogProvider) SupportedKeys() []string { return []string{"message", "level"} }
func (p *LogProvider) Requirements() []string  { return nil }

func (p *LogProvider) Validate(spec *config.CheckSpec) error {
	if spec.ParamString("message") == "" {
		return fmt.Errorf("log check requires message")
	}
	return nil
}

func (p *LogProvider) Execute(ctx context.Context, pr *review.PRInfo, spec *config.CheckSpec, deps map[string]*review.Summary, ec *ExecContext) (*review.Summary, error) {
	msg, err := ec.RenderString(ctx, spec.ParamString("message"))
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("render message: %w", err))
	}
	logger := p.logger
	if ec.Logger != nil {
		logger = ec.Logger
	}
	switch spec.ParamString("level") {
	case "debug":
		logger.Debug(msg)
	case "warn":
		logger.Warn(msg)
	case "error":
		logger.Error(msg)
	default:
		logger.Info(msg)
	}
	return &review.Summary{Output: msg, Content: msg}, nil
}

// MemoryProvider exposes memory store operations as a check type so
// workflows can persist state between steps.
type MemoryProvider struct{}

func (p *MemoryProvider) Name() string        { return TypeMemory }
func (p *MemoryProvider) Description() string { return "Reads or mutates the run memory store" }

func (p *MemoryProvider) SupportedKeys() []string {
	return []string{"op", "namespace", "key", "value"}
}

func (p *MemoryProvider) Requirements() []string { return nil }

func (p *MemoryProvider) Validate(spec *config.CheckSpec) error {
	switch spec.ParamString("op") {
	case "get", "has", "set", "append", "increment", "delete", "clear", "list", "getAll":
	default:
		return fmt.Errorf("memory check requires a valid op")
	}
	switch spec.ParamString("op") {
	case "clear", "list", "getAll":
	default:
		if spec.ParamString("key") == "" {
			return fmt.Errorf("memory op %q requires key", spec.ParamString("op"))
		}
	}
	return nil
}

func (p *MemoryProvider) Execute(ctx context.Context, pr *review.PRInfo, spec *config.CheckSpec, deps map[string]*review.Summary, ec *ExecContext) (*review.Summary, error) {
	if ec.Memory == nil {
		return nil, NewPermanentError(fmt.Errorf("memory store not available"))
	}
	ns := spec.ParamString("namespace")
	key := spec.ParamString("key")
	value := spec.Params["value"]
	if s, ok := value.(string); ok {
		rendered, err := ec.RenderString(ctx, s)
		if err != nil {
			return nil, NewPermanentError(fmt.Errorf("render value: %w", err))
		}
		value = rendered
	}

	var out any
	switch spec.ParamString("op") {
	case "get":
		out, _ = ec.Memory.Get(ns, key)
	case "has":
		out = ec.Memory.Has(ns, key)
	case "set":
		ec.Memory.Set(ns, key, value)
		out = value
	case "append":
		ec.Memory.Append(ns, key, value)
		out, _ = ec.Memory.Get(ns, key)
	case "increment":
		delta := 1.0
		if f, ok := value.(float64); ok {
			delta = f
		}
		out = ec.Memory.Increment(ns, key, delta)
	case "delete":
		ec.Memory.Delete(ns, key)
	case "clear":
		ec.Memory.Clear(ns)
	case "list":
		out = ec.Memory.List(ns)
	case "getAll":
		out = ec.Memory.GetAll(ns)
	}
	return &review.Summary{Output: out}, nil
}

// WorkflowProvider invokes a reusable named workflow as a nested sub-run.
type WorkflowProvider struct{}

func (p *WorkflowProvider) Name() string        { return TypeWorkflow }
func (p *WorkflowProvider) Description() string { return "Runs a reusable workflow" }

func (p *WorkflowProvider) SupportedKeys() []string {
	return []string{"workflow", "with", "overrides"}
}

func (p *WorkflowProvider) Requirements() []string { return nil }

func (p *WorkflowProvider) Validate(spec *config.CheckSpec) error {
	if spec.ParamString("workflow") == "" {
		return fmt.Errorf("workflow check requires workflow")
	}
	return nil
}

func (p *WorkflowProvider) Execute(ctx context.Context, pr *review.PRInfo, spec *config.CheckSpec, deps map[string]*review.Summary, ec *ExecContext) (*review.Summary, error) {
	if ec.Workflows == nil {
		return nil, NewPermanentError(fmt.Errorf("workflows not available"))
	}
	return ec.Workflows.RunWorkflow(ctx, spec.ParamString("workflow"), spec.ParamMap("with"), spec.ParamMap("overrides"))
}
