// Package render renders user-supplied strings (commands, prompts, bodies,
// URLs) over a fixed scope. Two dialects run in order: declarative template
// tags (`{{ … }}` / `{% … %}`) first, then any `{{ … }}` tags the
// declarative dialect cannot express are evaluated as sandboxed expressions.
// Unresolved values become empty strings.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/flosch/pongo2/v6"

	"github.com/visor-run/visor/outputs"
	"github.com/visor-run/visor/sandbox"
)

var (
	tagRe = regexp.MustCompile(`(?s)\{\{(.*?)\}\}`)
	// barePathRe matches a plain variable path with no filters: identifier,
	// dotted access, index access. Captures the root identifier.
	barePathRe = regexp.MustCompile(`^\s*([A-Za-z_]\w*)(\.\w+|\[[^\]]+\])*\s*$`)
	// declarativeRe matches variable paths with optional pongo2 filters:
	// identifiers, dotted access, index access, `| filter:arg` chains.
	declarativeRe = regexp.MustCompile(`^\s*[A-Za-z_][\w]*(\.[\w]+|\[[^\]]+\])*(\s*\|\s*[A-Za-z_]\w*(:[^|]*)?)*\s*$`)
	// bareOutputRe matches a whole-output interpolation, which coerces to
	// the raw text rather than the parsed object.
	bareOutputRe = regexp.MustCompile(`^\s*(outputs|outputs_raw)\.([A-Za-z_][\w-]*)\s*$`)
	placeholder  = regexp.MustCompile(`__visor_expr_(\d+)__`)
)

// Renderer renders templates. Safe for concurrent use.
type Renderer struct {
	sb     *sandbox.Sandbox
	logger *slog.Logger
}

// New creates a renderer that evaluates the expression dialect in sb.
func New(sb *sandbox.Sandbox, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{sb: sb, logger: logger}
}

// Render renders tmpl over the scope. The scope carries the fixed keys
// pr, files, outputs, outputs_history, outputs_raw, env, args, memory; raw
// output texts ride along under Values for whole-output coercion.
func (r *Renderer) Render(ctx context.Context, tmpl string, scope map[string]any, values map[string]outputs.Value) (string, error) {
	if !strings.Contains(tmpl, "{{") && !strings.Contains(tmpl, "{%") {
		return tmpl, nil
	}

	// Pass 1 preparation: route whole-output coercions to raw text and
	// park expression-dialect spans behind placeholders so the template
	// engine does not consume them. Plain paths rooted in the scope are
	// parked too: the sandbox resolves them and Stringify keeps numbers in
	// their canonical form, where the template engine would print a whole
	// float as "3.000000". Paths rooted in template-local variables ({% for
	// %}, {% set %}) stay with the template engine.
	var exprs []string
	prepared := tagRe.ReplaceAllStringFunc(tmpl, func(tag string) string {
		inner := strings.TrimSpace(tag[2 : len(tag)-2])
		if m := bareOutputRe.FindStringSubmatch(inner); m != nil {
			if v, ok := values[m[2]]; ok {
				return v.AsString()
			}
		}
		if m := barePathRe.FindStringSubmatch(inner); m != nil {
			if _, ok := scope[m[1]]; ok {
				exprs = append(exprs, inner)
				return fmt.Sprintf("__visor_expr_%d__", len(exprs)-1)
			}
			return tag
		}
		if declarativeRe.MatchString(inner) {
			return tag
		}
		exprs = append(exprs, inner)
		return fmt.Sprintf("__visor_expr_%d__", len(exprs)-1)
	})

	rendered, err := r.renderDeclarative(prepared, scope)
	if err != nil {
		return "", err
	}

	// Pass 2: evaluate parked expressions in the sandbox with the same
	// scope; failures resolve to empty strings.
	result := placeholder.ReplaceAllStringFunc(rendered, func(ph string) string {
		idx, convErr := strconv.Atoi(placeholder.FindStringSubmatch(ph)[1])
		if convErr != nil || idx >= len(exprs) {
			return ""
		}
		val, evalErr := r.sb.Evaluate(ctx, exprs[idx], scope, sandbox.Options{})
		if evalErr != nil {
			r.logger.Debug("template expression failed", "expr", exprs[idx], "error", evalErr)
			return ""
		}
		return Stringify(val)
	})
	return result, nil
}

func (r *Renderer) renderDeclarative(tmpl string, scope map[string]any) (string, error) {
	set := pongo2.NewSet("visor", pongo2.DefaultLoader)
	t, err := set.FromString(tmpl)
	if err != nil {
		return "", fmt.Errorf("template syntax: %w", err)
	}
	out, err := t.Execute(pongo2.Context(scope))
	if err != nil {
		return "", fmt.Errorf("template render: %w", err)
	}
	return out, nil
}

// Stringify converts an evaluated expression result to template output.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
}
