// Package review defines the shared data model for check results: issues,
// summaries, and the input event a run operates on.
package review

import "time"

// Severity classifies how serious an issue is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank returns a numeric ordering for severities, higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Category classifies what kind of problem an issue describes.
type Category string

const (
	CategorySecurity      Category = "security"
	CategoryPerformance   Category = "performance"
	CategoryStyle         Category = "style"
	CategoryLogic         Category = "logic"
	CategoryDocumentation Category = "documentation"
)

// Issue is a single finding produced by a provider or by a failed predicate.
type Issue struct {
	File        string   `json:"file,omitempty"`
	Line        int      `json:"line,omitempty"`
	EndLine     int      `json:"endLine,omitempty"`
	RuleID      string   `json:"ruleId"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Category    Category `json:"category"`
	Suggestion  string   `json:"suggestion,omitempty"`
	Replacement string   `json:"replacement,omitempty"`
}

// Summary is the result of one check execution. Output is what dependents
// see; Content is a human rendering (markdown); Raw keeps the pre-extraction
// object for forEach producers and JSON-smart access.
type Summary struct {
	Issues  []Issue `json:"issues"`
	Output  any     `json:"output,omitempty"`
	Content string  `json:"content,omitempty"`
	Raw     any     `json:"__raw,omitempty"`
}

// AddIssue appends an issue to the summary.
func (s *Summary) AddIssue(iss Issue) {
	s.Issues = append(s.Issues, iss)
}

// CountBySeverity returns the number of issues at the given severity.
func (s *Summary) CountBySeverity(sev Severity) int {
	n := 0
	for _, iss := range s.Issues {
		if iss.Severity == sev {
			n++
		}
	}
	return n
}

// HasCritical reports whether any issue is critical.
func (s *Summary) HasCritical() bool {
	return s.CountBySeverity(SeverityCritical) > 0
}

// Event identifies what triggered a run.
type Event string

const (
	EventManual       Event = "manual"
	EventPROpened     Event = "pr_opened"
	EventPRUpdated    Event = "pr_updated"
	EventPRClosed     Event = "pr_closed"
	EventIssueOpened  Event = "issue_opened"
	EventIssueComment Event = "issue_comment"
	EventScheduled    Event = "scheduled"
)

// KnownEvents lists every trigger the engine understands.
var KnownEvents = []Event{
	EventManual, EventPROpened, EventPRUpdated, EventPRClosed,
	EventIssueOpened, EventIssueComment, EventScheduled,
}

// Valid reports whether e is a known trigger.
func (e Event) Valid() bool {
	for _, k := range KnownEvents {
		if e == k {
			return true
		}
	}
	return false
}

// FileChange describes one changed file in the input event.
type FileChange struct {
	Filename  string `json:"filename"`
	Status    string `json:"status,omitempty"`
	Additions int    `json:"additions,omitempty"`
	Deletions int    `json:"deletions,omitempty"`
	Patch     string `json:"patch,omitempty"`
}

// PRInfo carries the input event data checks operate on. All fields are
// optional; a manual run may have none of them.
type PRInfo struct {
	Number            int          `json:"number,omitempty"`
	Title             string       `json:"title,omitempty"`
	Body              string       `json:"body,omitempty"`
	Author            string       `json:"author,omitempty"`
	AuthorAssociation string       `json:"authorAssociation,omitempty"`
	BaseBranch        string       `json:"base,omitempty"`
	HeadBranch        string       `json:"head,omitempty"`
	Files             []FileChange `json:"files,omitempty"`
	Event             Event        `json:"event,omitempty"`
	CreatedAt         time.Time    `json:"createdAt,omitempty"`
}

// ScopeMap converts the PR info into the map exposed to predicates and
// templates.
func (p *PRInfo) ScopeMap() map[string]any {
	if p == nil {
		return map[string]any{}
	}
	files := make([]any, 0, len(p.Files))
	for _, f := range p.Files {
		files = append(files, map[string]any{
			"filename":  f.Filename,
			"status":    f.Status,
			"additions": f.Additions,
			"deletions": f.Deletions,
			"patch":     f.Patch,
		})
	}
	return map[string]any{
		"number":             p.Number,
		"title":              p.Title,
		"body":               p.Body,
		"author":             p.Author,
		"author_association": p.AuthorAssociation,
		"base":               p.BaseBranch,
		"head":               p.HeadBranch,
		"files":              files,
		"event":              string(p.Event),
	}
}
