// Package config defines the run configuration: checks, tools, workflows,
// limits, and engine settings, loaded from YAML.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/visor-run/visor/review"
)

// Defaults applied by DefaultConfig and the loader.
const (
	DefaultMaxRunsPerCheck = 50
	DefaultMaxLoops        = 5
	DefaultMaxParallel     = 4
	DefaultCheckTimeout    = 60 * time.Second
	DefaultOnInitDepth     = 3
)

// TagOneShot marks a terminal step that must not be routed to more than once
// per grouped run.
const TagOneShot = "one_shot"

// Duration wraps time.Duration with YAML string parsing ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RetrySpec bounds on_fail retries.
type RetrySpec struct {
	Max     int      `yaml:"max"`
	Backoff string   `yaml:"backoff,omitempty"` // "linear" or "exponential"
	Delay   Duration `yaml:"delay,omitempty"`
}

// Hook is the shared shape of on_init / on_success / on_fail / on_finish.
// Retry is only honored on on_fail; GotoJS/RunJS are sandboxed expressions.
type Hook struct {
	Run    []RunItem  `yaml:"run,omitempty"`
	Goto   string     `yaml:"goto,omitempty"`
	GotoJS string     `yaml:"goto_js,omitempty"`
	RunJS  string     `yaml:"run_js,omitempty"`
	Retry  *RetrySpec `yaml:"retry,omitempty"`
}

// Empty reports whether the hook has no configured action.
func (h *Hook) Empty() bool {
	return h == nil || (len(h.Run) == 0 && h.Goto == "" && h.GotoJS == "" && h.RunJS == "" && h.Retry == nil)
}

// CheckSpec configures one check. Provider-specific keys land in Params.
type CheckSpec struct {
	Type              string         `yaml:"type"`
	DependsOn         []string       `yaml:"depends_on,omitempty"`
	On                []review.Event `yaml:"on,omitempty"`
	If                string         `yaml:"if,omitempty"`
	ForEach           bool           `yaml:"forEach,omitempty"`
	FailIf            string         `yaml:"fail_if,omitempty"`
	Assume            string         `yaml:"assume,omitempty"`
	Guarantee         string         `yaml:"guarantee,omitempty"`
	OnInit            *Hook          `yaml:"on_init,omitempty"`
	OnSuccess         *Hook          `yaml:"on_success,omitempty"`
	OnFail            *Hook          `yaml:"on_fail,omitempty"`
	OnFinish          *Hook          `yaml:"on_finish,omitempty"`
	MaxRuns           *int           `yaml:"max_runs,omitempty"`
	ContinueOnFailure bool           `yaml:"continue_on_failure,omitempty"`
	Critical          bool           `yaml:"critical,omitempty"`
	Tags              []string       `yaml:"tags,omitempty"`
	Timeout           Duration       `yaml:"timeout,omitempty"`

	Params map[string]any `yaml:",inline"`
}

// HasTag reports whether the check carries the given tag.
func (c *CheckSpec) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TriggeredBy reports whether the check runs for the given event. An empty
// `on` list means the check runs for every event.
func (c *CheckSpec) TriggeredBy(ev review.Event) bool {
	if len(c.On) == 0 {
		return true
	}
	for _, e := range c.On {
		if e == ev {
			return true
		}
	}
	return false
}

// ParamString returns a provider-specific string parameter.
func (c *CheckSpec) ParamString(key string) string {
	if v, ok := c.Params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		if v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// ParamMap returns a provider-specific map parameter.
func (c *CheckSpec) ParamMap(key string) map[string]any {
	if v, ok := c.Params[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// WorkflowSpec is a reusable named group of checks invoked via run items or
// the workflow provider.
type WorkflowSpec struct {
	Inputs map[string]any        `yaml:"inputs,omitempty"`
	Checks map[string]*CheckSpec `yaml:"checks"`
	Output string                `yaml:"output,omitempty"` // check id whose output is the workflow output
}

// Limits bounds per-check execution within a run.
type Limits struct {
	MaxRunsPerCheck int `yaml:"max_runs_per_check"`
}

// Routing bounds routing transitions per scope. A pointer distinguishes an
// explicit zero (routing disabled) from unset.
type Routing struct {
	MaxLoops *int `yaml:"max_loops,omitempty"`
}

// MaxLoopsOrDefault resolves the loop budget, honoring an explicit zero.
func (r Routing) MaxLoopsOrDefault() int {
	if r.MaxLoops == nil {
		return DefaultMaxLoops
	}
	return *r.MaxLoops
}

// MemoryConfig optionally persists the memory store.
type MemoryConfig struct {
	Path   string `yaml:"path,omitempty"`
	Format string `yaml:"format,omitempty"` // "json" (default) or "csv"
}

// EventsConfig optionally bridges engine events to NATS.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// TelemetryConfig enables the NDJSON fallback sink.
type TelemetryConfig struct {
	File string `yaml:"file,omitempty"`
}

// ScheduleConfig configures the schedule store and daemon.
type ScheduleConfig struct {
	Driver        string   `yaml:"driver,omitempty"` // "sqlite" (default) or "postgres"
	Path          string   `yaml:"path,omitempty"`   // sqlite file path
	DSN           string   `yaml:"dsn,omitempty"`    // server backend DSN
	LicenseKey    string   `yaml:"license_key,omitempty"`
	Tick          Duration `yaml:"tick,omitempty"`
	LockTTL       Duration `yaml:"lock_ttl,omitempty"`
	MaxPerCreator int      `yaml:"max_per_creator,omitempty"`
}

// Config is the immutable per-run configuration.
type Config struct {
	Version   string                   `yaml:"version,omitempty"`
	Checks    map[string]*CheckSpec    `yaml:"checks"`
	Tools     map[string]*CheckSpec    `yaml:"tools,omitempty"`
	Workflows map[string]*WorkflowSpec `yaml:"workflows,omitempty"`
	Limits    Limits                   `yaml:"limits,omitempty"`
	Routing   Routing                  `yaml:"routing,omitempty"`
	FailIf    string                   `yaml:"fail_if,omitempty"`

	MaxParallel int             `yaml:"max_parallel,omitempty"`
	Memory      MemoryConfig    `yaml:"memory,omitempty"`
	Events      EventsConfig    `yaml:"events,omitempty"`
	Telemetry   TelemetryConfig `yaml:"telemetry,omitempty"`
	Schedule    ScheduleConfig  `yaml:"schedule,omitempty"`
}

// DefaultConfig returns a config with engine defaults and no checks.
func DefaultConfig() *Config {
	return &Config{
		Checks:      map[string]*CheckSpec{},
		Limits:      Limits{MaxRunsPerCheck: DefaultMaxRunsPerCheck},
		MaxParallel: DefaultMaxParallel,
	}
}

// applyDefaults fills zero values after unmarshal.
func (c *Config) applyDefaults() {
	if c.Checks == nil {
		c.Checks = map[string]*CheckSpec{}
	}
	if c.Limits.MaxRunsPerCheck == 0 {
		c.Limits.MaxRunsPerCheck = DefaultMaxRunsPerCheck
	}
	if c.MaxParallel == 0 {
		c.MaxParallel = DefaultMaxParallel
	}
}

// CheckIDs returns the configured check ids in sorted order.
func (c *Config) CheckIDs() []string {
	ids := make([]string, 0, len(c.Checks))
	for id := range c.Checks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MaxRunsFor resolves the per-check run budget.
func (c *Config) MaxRunsFor(id string) int {
	if spec, ok := c.Checks[id]; ok && spec.MaxRuns != nil {
		return *spec.MaxRuns
	}
	return c.Limits.MaxRunsPerCheck
}

// Validate checks structural validity of the config. Dependency existence
// and cycles are validated by the graph builder.
func (c *Config) Validate() error {
	for id, spec := range c.Checks {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty check id", ErrInvalidConfig)
		}
		if spec == nil {
			return fmt.Errorf("%w: check %q has no body", ErrInvalidConfig, id)
		}
		if strings.TrimSpace(spec.Type) == "" {
			return fmt.Errorf("%w: check %q has no type", ErrInvalidConfig, id)
		}
		for _, ev := range spec.On {
			if !ev.Valid() {
				return fmt.Errorf("%w: check %q: unknown event trigger %q", ErrInvalidConfig, id, ev)
			}
		}
		if spec.MaxRuns != nil && *spec.MaxRuns < 0 {
			return fmt.Errorf("%w: check %q: max_runs must be >= 0", ErrInvalidConfig, id)
		}
		if spec.OnFail != nil && spec.OnFail.Retry != nil && spec.OnFail.Retry.Max < 0 {
			return fmt.Errorf("%w: check %q: retry.max must be >= 0", ErrInvalidConfig, id)
		}
	}
	if c.Routing.MaxLoops != nil && *c.Routing.MaxLoops < 0 {
		return fmt.Errorf("%w: routing.max_loops must be >= 0", ErrInvalidConfig)
	}
	for name, wf := range c.Workflows {
		if wf == nil || len(wf.Checks) == 0 {
			return fmt.Errorf("%w: workflow %q has no checks", ErrInvalidConfig, name)
		}
	}
	return nil
}

// MergeOverrides returns a right-biased merge of base and overrides. The
// result is a fresh map; neither input is mutated.
func MergeOverrides(base, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		if bm, ok := merged[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				merged[k] = MergeOverrides(bm, om)
				continue
			}
		}
		merged[k] = v
	}
	return merged
}
