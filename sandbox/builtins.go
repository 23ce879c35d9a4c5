package sandbox

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dop251/goja"
)

// Association levels ordered from weakest to strongest, used by
// hasMinPermission. Mirrors the upstream forge's author_association values.
var permissionRank = map[string]int{
	"NONE":                   0,
	"FIRST_TIMER":            1,
	"FIRST_TIME_CONTRIBUTOR": 1,
	"CONTRIBUTOR":            2,
	"COLLABORATOR":           3,
	"MEMBER":                 4,
	"OWNER":                  5,
}

// installBuiltins registers the fixed helper surface. Helpers read the scope
// that was passed to Evaluate; they never see anything else.
func installBuiltins(vm *goja.Runtime, scope map[string]any, logger *slog.Logger, injectLog bool, logFn func(string)) {
	issues := issuesFromScope(scope)
	files := filenamesFromScope(scope)
	association := associationFromScope(scope)

	_ = vm.Set("always", func() bool { return true })
	_ = vm.Set("success", func() bool { return !Truthy(scope["failed"]) })
	_ = vm.Set("failure", func() bool { return Truthy(scope["failed"]) })

	_ = vm.Set("contains", func(s, sub string) bool { return strings.Contains(s, sub) })
	_ = vm.Set("startsWith", func(s, prefix string) bool { return strings.HasPrefix(s, prefix) })
	_ = vm.Set("endsWith", func(s, suffix string) bool { return strings.HasSuffix(s, suffix) })
	_ = vm.Set("length", func(v any) int {
		switch t := v.(type) {
		case string:
			return len(t)
		case []any:
			return len(t)
		case map[string]any:
			return len(t)
		default:
			return 0
		}
	})

	_ = vm.Set("hasIssue", func() bool { return len(issues) > 0 })
	_ = vm.Set("countIssues", func() int { return len(issues) })
	_ = vm.Set("hasIssueWith", func(field string, value any) bool {
		want := fmt.Sprint(value)
		for _, iss := range issues {
			if fmt.Sprint(iss[field]) == want {
				return true
			}
		}
		return false
	})
	_ = vm.Set("hasFileMatching", func(pattern string) bool {
		for _, f := range files {
			if ok, err := doublestar.Match(pattern, f); err == nil && ok {
				return true
			}
		}
		return false
	})
	_ = vm.Set("hasFileWith", func(sub string) bool {
		for _, f := range files {
			if strings.Contains(f, sub) {
				return true
			}
		}
		return false
	})

	_ = vm.Set("hasMinPermission", func(level string) bool {
		want, ok := permissionRank[strings.ToUpper(level)]
		if !ok {
			return false
		}
		return permissionRank[association] >= want
	})
	_ = vm.Set("isOwner", func() bool { return association == "OWNER" })
	_ = vm.Set("isMember", func() bool { return permissionRank[association] >= permissionRank["MEMBER"] })
	_ = vm.Set("isCollaborator", func() bool { return permissionRank[association] >= permissionRank["COLLABORATOR"] })
	_ = vm.Set("isContributor", func() bool { return permissionRank[association] >= permissionRank["CONTRIBUTOR"] })
	_ = vm.Set("isFirstTimer", func() bool {
		return association == "FIRST_TIMER" || association == "FIRST_TIME_CONTRIBUTOR"
	})

	if injectLog {
		_ = vm.Set("log", func(args ...any) {
			parts := make([]string, 0, len(args))
			for _, a := range args {
				parts = append(parts, fmt.Sprint(a))
			}
			msg := strings.Join(parts, " ")
			logger.Info("expression log", "message", msg)
			if logFn != nil {
				logFn(msg)
			}
		})
	} else {
		_ = vm.Set("log", func(...any) {})
	}
}

func issuesFromScope(scope map[string]any) []map[string]any {
	raw, ok := scope["issues"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, el := range raw {
		if m, ok := el.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func filenamesFromScope(scope map[string]any) []string {
	raw, ok := scope["files"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, el := range raw {
		switch t := el.(type) {
		case string:
			out = append(out, t)
		case map[string]any:
			if name, ok := t["filename"].(string); ok {
				out = append(out, name)
			}
		}
	}
	return out
}

func associationFromScope(scope map[string]any) string {
	pr, ok := scope["pr"].(map[string]any)
	if !ok {
		return "NONE"
	}
	if a, ok := pr["author_association"].(string); ok && a != "" {
		return strings.ToUpper(a)
	}
	return "NONE"
}
