package provider

import (
	"context"
	"fmt"

	"github.com/visor-run/visor/config"
	"github.com/visor-run/visor/review"
)

// AIBackend executes a rendered prompt against a model. Concrete backends
// live outside this module and register via SetBackend.
type AIBackend interface {
	Complete(ctx context.Context, prompt string, spec *config.CheckSpec) (*review.Summary, error)
}

// AIProvider renders a prompt and delegates to a pluggable backend. Without
// a backend, config still validates but execution fails permanently.
type AIProvider struct {
	backend AIBackend
}

// SetBackend installs the model backend.
func (p *AIProvider) SetBackend(b AIBackend) { p.backend = b }

func (p *AIProvider) Name() string            { return TypeAI }
func (p *AIProvider) Description() string     { return "Runs an AI prompt via a pluggable backend" }
func (p *AIProvider) SupportedKeys() []string { return []string{"prompt", "model", "schema"} }
func (p *AIProvider) Requirements() []string  { return []string{"AI backend"} }

func (p *AIProvider) Validate(spec *config.CheckSpec) error {
	if spec.ParamString("prompt") == "" {
		return fmt.Errorf("ai check requires prompt")
	}
	return nil
}

func (p *AIProvider) Execute(ctx context.Context, pr *review.PRInfo, spec *config.CheckSpec, deps map[string]*review.Summary, ec *ExecContext) (*review.Summary, error) {
	prompt, err := ec.RenderString(ctx, spec.ParamString("prompt"))
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("render prompt: %w", err))
	}
	if p.backend == nil {
		return nil, NewPermanentError(fmt.Errorf("no AI backend configured"))
	}
	return p.backend.Complete(ctx, prompt, spec)
}

// MCPTransport invokes a named tool on an MCP server. Concrete transports
// live outside this module.
type MCPTransport interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (*review.Summary, error)
}

// MCPProvider invokes MCP tools through a pluggable transport.
type MCPProvider struct {
	transport MCPTransport
}

// SetTransport installs the MCP transport.
func (p *MCPProvider) SetTransport(t MCPTransport) { p.transport = t }

func (p *MCPProvider) Name() string            { return TypeMCP }
func (p *MCPProvider) Description() string     { return "Invokes an MCP tool via a pluggable transport" }
func (p *MCPProvider) SupportedKeys() []string { return []string{"server", "tool", "args"} }
func (p *MCPProvider) Requirements() []string  { return []string{"MCP server"} }

func (p *MCPProvider) Validate(spec *config.CheckSpec) error {
	if spec.ParamString("tool") == "" {
		return fmt.Errorf("mcp check requires tool")
	}
	return nil
}

func (p *MCPProvider) Execute(ctx context.Context, pr *review.PRInfo, spec *config.CheckSpec, deps map[string]*review.Summary, ec *ExecContext) (*review.Summary, error) {
	if p.transport == nil {
		return nil, NewPermanentError(fmt.Errorf("no MCP transport configured"))
	}
	return p.transport.CallTool(ctx, spec.ParamString("server"), spec.ParamString("tool"), spec.ParamMap("args"))
}
