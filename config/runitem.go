package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// RunItem is one entry of a `run` / `run_js` / `on_init.run` list. Exactly
// one of Check, Tool, Step, or Workflow is set.
//
// Accepted YAML shapes:
//
//   - check-id
//   - { tool: name, with: {...}, as: alias }
//   - { step: check-id, with: {...}, as: alias }
//   - { workflow: name, with: {...}, as: alias, overrides: {...}, output_mapping: {...} }
type RunItem struct {
	Check         string            `yaml:"check,omitempty"`
	Tool          string            `yaml:"tool,omitempty"`
	Step          string            `yaml:"step,omitempty"`
	Workflow      string            `yaml:"workflow,omitempty"`
	With          map[string]any    `yaml:"with,omitempty"`
	As            string            `yaml:"as,omitempty"`
	Overrides     map[string]any    `yaml:"overrides,omitempty"`
	OutputMapping map[string]string `yaml:"output_mapping,omitempty"`
}

// UnmarshalYAML accepts either a bare string (check id) or the mapping form.
func (r *RunItem) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var id string
		if err := value.Decode(&id); err != nil {
			return err
		}
		r.Check = id
		return nil
	}

	type plain RunItem
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = RunItem(p)
	return r.validateShape()
}

func (r *RunItem) validateShape() error {
	set := 0
	for _, v := range []string{r.Check, r.Tool, r.Step, r.Workflow} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: run item must name exactly one of check, tool, step, workflow", ErrInvalidConfig)
	}
	return nil
}

// Alias returns the output name the item's result is stored under.
func (r *RunItem) Alias() string {
	if r.As != "" {
		return r.As
	}
	switch {
	case r.Tool != "":
		return r.Tool
	case r.Step != "":
		return r.Step
	case r.Workflow != "":
		return r.Workflow
	default:
		return r.Check
	}
}

// ParseRunItems decodes the dynamic value a run_js expression returned into
// run items. Accepted element shapes match the YAML forms.
func ParseRunItems(v any) ([]RunItem, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		// A single string or map is treated as a one-element list.
		list = []any{v}
	}
	items := make([]RunItem, 0, len(list))
	for _, el := range list {
		switch t := el.(type) {
		case string:
			items = append(items, RunItem{Check: t})
		case map[string]any:
			item := RunItem{
				As: stringField(t, "as"),
			}
			item.Tool = stringField(t, "tool")
			item.Step = stringField(t, "step")
			item.Workflow = stringField(t, "workflow")
			item.Check = stringField(t, "check")
			if w, ok := t["with"].(map[string]any); ok {
				item.With = w
			}
			if o, ok := t["overrides"].(map[string]any); ok {
				item.Overrides = o
			}
			if m, ok := t["output_mapping"].(map[string]any); ok {
				item.OutputMapping = map[string]string{}
				for k, mv := range m {
					item.OutputMapping[k] = fmt.Sprint(mv)
				}
			}
			if err := item.validateShape(); err != nil {
				return nil, err
			}
			items = append(items, item)
		default:
			return nil, fmt.Errorf("%w: unsupported run item %T", ErrInvalidConfig, el)
		}
	}
	return items, nil
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
