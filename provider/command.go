package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/visor-run/visor/config"
	"github.com/visor-run/visor/outputs"
	"github.com/visor-run/visor/review"
)

// CommandProvider runs a shell command and captures stdout as the check
// output. Embedded JSON in stdout is extracted leniently (tail first, then
// anywhere, else plain text).
type CommandProvider struct{}

func (p *CommandProvider) Name() string        { return TypeCommand }
func (p *CommandProvider) Description() string { return "Runs a shell command and captures its output" }

func (p *CommandProvider) SupportedKeys() []string {
	return []string{"exec", "env", "workdir", "stdin"}
}

func (p *CommandProvider) Requirements() []string { return []string{"sh"} }

// Validate requires a non-empty exec line.
func (p *CommandProvider) Validate(spec *config.CheckSpec) error {
	if spec.ParamString("exec") == "" {
		return fmt.Errorf("command check requires exec")
	}
	return nil
}

func (p *CommandProvider) Execute(ctx context.Context, pr *review.PRInfo, spec *config.CheckSpec, deps map[string]*review.Summary, ec *ExecContext) (*review.Summary, error) {
	line, err := ec.RenderString(ctx, spec.ParamString("exec"))
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("render exec: %w", err))
	}

	timeout := spec.Timeout.Std()
	if timeout <= 0 {
		timeout = config.DefaultCheckTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", line)
	cmd.Env = os.Environ()
	for k, v := range spec.ParamMap("env") {
		rendered, rerr := ec.RenderString(ctx, fmt.Sprint(v))
		if rerr != nil {
			return nil, NewPermanentError(fmt.Errorf("render env %s: %w", k, rerr))
		}
		cmd.Env = append(cmd.Env, k+"="+rendered)
	}
	if wd := spec.ParamString("workdir"); wd != "" {
		cmd.Dir = wd
	}
	if stdin := spec.ParamString("stdin"); stdin != "" {
		rendered, rerr := ec.RenderString(ctx, stdin)
		if rerr != nil {
			return nil, NewPermanentError(fmt.Errorf("render stdin: %w", rerr))
		}
		cmd.Stdin = bytes.NewBufferString(rendered)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if cmdCtx.Err() != nil && errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return nil, NewTransientError(fmt.Errorf("command timed out after %s", timeout))
	}
	if runErr != nil {
		return nil, NewPermanentError(fmt.Errorf("command failed: %w (stderr: %s)", runErr, truncate(stderr.String(), 512)))
	}

	value := outputs.FromText(stdout.String())
	return &review.Summary{
		Output:  value.AsParsed(),
		Content: stdout.String(),
		Raw:     value.AsString(),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
