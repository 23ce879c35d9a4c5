package engine

import (
	"encoding/json"

	"github.com/visor-run/visor/outputs"
	"github.com/visor-run/visor/review"
)

// buildScope assembles the template and predicate scope visible from a scope
// address. current, when non-nil, adds the check's own result fields (issues,
// output, severity counts) for post-execution predicates.
func (rn *run) buildScope(scope outputs.Scope, current *review.Summary, failed bool) (map[string]any, map[string]outputs.Value) {
	outputsMap := map[string]any{}
	rawMap := map[string]any{}
	historyMap := map[string]any{}
	values := map[string]outputs.Value{}

	for _, check := range rn.store.Checks() {
		if sum, ok := rn.store.Get(check, scope); ok {
			v := summaryValue(sum)
			values[check] = v
			outputsMap[check] = v.AsParsed()
		}
		if raw, ok := rn.store.Raw(check); ok {
			rv := summaryValue(raw)
			values[check+outputs.RawSuffix] = rv
			rawMap[check] = rv.AsParsed()
		}
		var hist []any
		for _, h := range rn.store.HistoryIn(check, scope) {
			hist = append(hist, summaryValue(h).AsParsed())
		}
		if hist != nil {
			historyMap[check] = hist
		}
	}
	outputsMap["history"] = historyMap

	prMap := rn.pr.ScopeMap()
	rn.mu.Lock()
	loops := rn.loopCounts[scope]
	rn.mu.Unlock()

	// Nil maps become JS null and turn property access into a TypeError;
	// predicates must see empty objects instead.
	args := rn.inputs
	if args == nil {
		args = map[string]any{}
	}
	files := prMap["files"]
	if files == nil {
		files = []any{}
	}

	sm := map[string]any{
		"pr":              prMap,
		"files":           files,
		"event":           string(rn.pr.Event),
		"outputs":         outputsMap,
		"outputs_raw":     rawMap,
		"outputs_history": historyMap,
		"env":             envScope(),
		"args":            args,
		"inputs":          args,
		"memory":          rn.memory.ScopeObject(),
		"scope":           string(scope),
		"loops":           loops,
		"failed":          failed,
	}

	if current != nil {
		issues := make([]any, 0, len(current.Issues))
		for _, iss := range current.Issues {
			issues = append(issues, issueMap(iss))
		}
		sm["issues"] = issues
		sm["output"] = current.Output
		sm["totalIssues"] = len(current.Issues)
		sm["criticalIssues"] = current.CountBySeverity(review.SeverityCritical)
		sm["errorIssues"] = current.CountBySeverity(review.SeverityError)
		sm["warningIssues"] = current.CountBySeverity(review.SeverityWarning)
		sm["infoIssues"] = current.CountBySeverity(review.SeverityInfo)
	}
	return sm, values
}

// summaryValue derives the JSON-smart value of a committed summary: the raw
// provider text when the producer kept one, paired with the extracted
// structured output.
func summaryValue(sum *review.Summary) outputs.Value {
	if s, ok := sum.Raw.(string); ok && s != "" {
		return outputs.FromParts(s, sum.Output)
	}
	return outputs.NewValue(sum.Output)
}

// issueMap converts an issue into the plain map shape predicates and the
// hasIssue built-ins operate on.
func issueMap(iss review.Issue) map[string]any {
	b, err := json.Marshal(iss)
	if err != nil {
		return map[string]any{"ruleId": iss.RuleID, "message": iss.Message}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{"ruleId": iss.RuleID, "message": iss.Message}
	}
	return m
}
