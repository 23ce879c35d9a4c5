package outputs

import (
	"encoding/json"
	"strings"
)

// Value is the explicit sum type behind JSON-smart outputs. A dependent
// output that is a JSON string yields parsed fields on property access while
// coercion to string yields the raw text; consumers pick via AsString or
// AsParsed and the template renderer performs the smart routing.
type Value struct {
	raw    string
	parsed any
	isJSON bool
}

// NewValue wraps an already-structured output.
func NewValue(v any) Value {
	switch t := v.(type) {
	case nil:
		return Value{}
	case string:
		return FromText(t)
	case Value:
		return t
	default:
		raw, _ := json.Marshal(v)
		return Value{raw: string(raw), parsed: v, isJSON: true}
	}
}

// FromText wraps provider text output, extracting embedded JSON leniently:
// the whole string, else a trailing JSON object/array, else the first
// embedded JSON object, else plain text.
func FromText(s string) Value {
	trimmed := strings.TrimSpace(s)
	if parsed, ok := tryParse(trimmed); ok {
		return Value{raw: s, parsed: parsed, isJSON: true}
	}
	if parsed, ok := parseTail(trimmed); ok {
		return Value{raw: s, parsed: parsed, isJSON: true}
	}
	if parsed, ok := parseAnywhere(trimmed); ok {
		return Value{raw: s, parsed: parsed, isJSON: true}
	}
	return Value{raw: s, parsed: s}
}

// FromParts pairs a known raw text with its extracted structured form.
func FromParts(raw string, parsed any) Value {
	isJSON := false
	switch parsed.(type) {
	case map[string]any, []any:
		isJSON = true
	}
	return Value{raw: raw, parsed: parsed, isJSON: isJSON}
}

// AsString returns the raw textual form.
func (v Value) AsString() string { return v.raw }

// AsParsed returns the structured form: parsed JSON when the raw text
// carried any, otherwise the original value.
func (v Value) AsParsed() any { return v.parsed }

// IsJSON reports whether a structured form was extracted.
func (v Value) IsJSON() bool { return v.isJSON }

// AsArray coerces the parsed form to a slice, for forEach producers.
func (v Value) AsArray() ([]any, bool) {
	arr, ok := v.parsed.([]any)
	return arr, ok
}

func tryParse(s string) (any, bool) {
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return nil, false
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, false
	}
	return out, true
}

// parseTail finds a JSON object or array that ends the string.
func parseTail(s string) (any, bool) {
	for _, open := range []byte{'{', '['} {
		idx := strings.LastIndexByte(s, open)
		for idx >= 0 {
			if out, ok := tryParse(s[idx:]); ok {
				return out, true
			}
			if idx == 0 {
				break
			}
			idx = strings.LastIndexByte(s[:idx], open)
		}
	}
	return nil, false
}

// parseAnywhere finds the first balanced JSON object embedded in the string.
func parseAnywhere(s string) (any, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	for start := 0; start < len(s); start++ {
		if s[start] != '{' && s[start] != '[' {
			continue
		}
		dec = json.NewDecoder(strings.NewReader(s[start:]))
		var out any
		if err := dec.Decode(&out); err == nil {
			switch out.(type) {
			case map[string]any, []any:
				return out, true
			}
		}
	}
	return nil, false
}
