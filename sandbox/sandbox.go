// Package sandbox compiles and runs untrusted user expressions and small
// scripts (`if`, `fail_if`, `assume`, `guarantee`, `goto_js`, `run_js`,
// `transform_js`) with a fixed global surface and bounded execution time.
//
// Each call runs single-threaded in a fresh interpreter; parallel calls are
// independent. The interpreter has no filesystem, network, or process
// access; host-looking globals are stubbed to throw.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// Reason classifies why an evaluation failed.
type Reason string

const (
	ReasonTimeout Reason = "timeout"
	ReasonSyntax  Reason = "syntax"
	ReasonRuntime Reason = "runtime"
	ReasonBlocked Reason = "blocked"
)

// PredicateError reports a failed evaluation. Callers decide whether it
// becomes a fatal issue or is treated as false.
type PredicateError struct {
	Reason Reason
	Source string
	Err    error
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("predicate %s error: %v", e.Reason, e.Err)
}

func (e *PredicateError) Unwrap() error { return e.Err }

// errBlocked is thrown by host-access stubs.
var errBlocked = errors.New("host access is not available in expressions")

// errTimeout interrupts evaluation when the budget is exhausted.
var errTimeout = errors.New("expression timed out")

// DefaultTimeout bounds a single evaluation unless overridden.
const DefaultTimeout = 1 * time.Second

// Options control a single evaluation.
type Options struct {
	// Timeout bounds wall-clock execution; DefaultTimeout when zero.
	Timeout time.Duration
	// InjectLog exposes a log(...) built-in that writes to the logger.
	InjectLog bool
	// Log additionally receives each log(...) message, already joined.
	Log func(msg string)
	// WrapFunction wraps the source in a function body so `return` works,
	// for script-shaped inputs like goto_js.
	WrapFunction bool
}

// Sandbox evaluates expressions. Safe for concurrent use.
type Sandbox struct {
	logger *slog.Logger
}

// New creates a sandbox.
func New(logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{logger: logger}
}

// Evaluate runs source with the given scope as globals and returns the
// resulting value, exported to plain Go types.
func (s *Sandbox) Evaluate(ctx context.Context, source string, scope map[string]any, opts Options) (any, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	src := source
	if opts.WrapFunction {
		src = "(function() {\n" + source + "\n})()"
	}

	prog, err := goja.Compile("expression", src, true)
	if err != nil {
		return nil, &PredicateError{Reason: ReasonSyntax, Source: source, Err: err}
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for k, v := range scope {
		if err := vm.Set(k, v); err != nil {
			return nil, &PredicateError{Reason: ReasonRuntime, Source: source, Err: err}
		}
	}
	installBuiltins(vm, scope, s.logger, opts.InjectLog, opts.Log)
	installBlockedStubs(vm)

	timer := time.AfterFunc(timeout, func() { vm.Interrupt(errTimeout) })
	defer timer.Stop()
	stop := watchContext(ctx, vm)
	defer stop()

	val, err := vm.RunProgram(prog)
	if err != nil {
		return nil, s.classify(source, err)
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

// EvaluateBool runs source and coerces the result to a boolean. Null and
// undefined are false.
func (s *Sandbox) EvaluateBool(ctx context.Context, source string, scope map[string]any, opts Options) (bool, error) {
	v, err := s.Evaluate(ctx, source, scope, opts)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy applies JavaScript truthiness to an exported value.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return true
	case map[string]any:
		return true
	default:
		return true
	}
}

func (s *Sandbox) classify(source string, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &PredicateError{Reason: ReasonTimeout, Source: source, Err: errTimeout}
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if strings.Contains(ex.Error(), errBlocked.Error()) {
			return &PredicateError{Reason: ReasonBlocked, Source: source, Err: err}
		}
		return &PredicateError{Reason: ReasonRuntime, Source: source, Err: err}
	}
	return &PredicateError{Reason: ReasonRuntime, Source: source, Err: err}
}

// watchContext interrupts the VM when ctx is canceled. The returned stop
// function must be called before the VM is discarded.
func watchContext(ctx context.Context, vm *goja.Runtime) func() {
	if ctx == nil || ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	return func() { close(done) }
}

// installBlockedStubs shadows host-looking globals so that any use fails
// with a blocked error instead of resolving to undefined.
func installBlockedStubs(vm *goja.Runtime) {
	for _, name := range []string{"require", "process", "fetch", "XMLHttpRequest", "WebSocket", "setTimeout", "setInterval"} {
		name := name
		_ = vm.Set(name, func(goja.FunctionCall) goja.Value {
			panic(vm.NewGoError(fmt.Errorf("%s: %w", name, errBlocked)))
		})
	}
}
