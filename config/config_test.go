package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visor-run/visor/review"
)

func parse(t *testing.T, yaml string) *Config {
	t.Helper()
	cfg, err := NewLoader(nil).Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func TestParseFullCheck(t *testing.T) {
	cfg := parse(t, `
checks:
  security:
    type: command
    exec: "scan --json"
    depends_on: [fetch]
    on: [pr_opened, pr_updated]
    if: "hasFileMatching('src/**')"
    fail_if: "outputs.security.score < 5"
    max_runs: 3
    critical: true
    tags: [security, one_shot]
    timeout: 30s
    on_fail:
      retry:
        max: 2
        backoff: exponential
        delay: 1s
  fetch:
    type: http_client
    url: "https://example.com"
`)
	sec := cfg.Checks["security"]
	require.NotNil(t, sec)
	assert.Equal(t, "command", sec.Type)
	assert.Equal(t, []string{"fetch"}, sec.DependsOn)
	assert.Equal(t, "scan --json", sec.ParamString("exec"))
	assert.True(t, sec.Critical)
	assert.True(t, sec.HasTag(TagOneShot))
	assert.Equal(t, 30*time.Second, sec.Timeout.Std())
	require.NotNil(t, sec.MaxRuns)
	assert.Equal(t, 3, *sec.MaxRuns)
	require.NotNil(t, sec.OnFail)
	require.NotNil(t, sec.OnFail.Retry)
	assert.Equal(t, 2, sec.OnFail.Retry.Max)
	assert.Equal(t, time.Second, sec.OnFail.Retry.Delay.Std())

	assert.True(t, sec.TriggeredBy(review.EventPROpened))
	assert.False(t, sec.TriggeredBy(review.EventManual))
	// Empty `on` matches every event.
	assert.True(t, cfg.Checks["fetch"].TriggeredBy(review.EventManual))
}

func TestParseDefaults(t *testing.T) {
	cfg := parse(t, `
checks:
  a:
    type: noop
`)
	assert.Equal(t, DefaultMaxRunsPerCheck, cfg.Limits.MaxRunsPerCheck)
	assert.Equal(t, DefaultMaxParallel, cfg.MaxParallel)
	assert.Equal(t, DefaultMaxLoops, cfg.Routing.MaxLoopsOrDefault())
	assert.Equal(t, DefaultMaxRunsPerCheck, cfg.MaxRunsFor("a"))
}

func TestExplicitZeroMaxLoops(t *testing.T) {
	cfg := parse(t, `
checks:
  a:
    type: noop
routing:
  max_loops: 0
`)
	assert.Equal(t, 0, cfg.Routing.MaxLoopsOrDefault())
}

func TestParseRunItemShapes(t *testing.T) {
	cfg := parse(t, `
checks:
  a:
    type: noop
    on_success:
      run:
        - other-check
        - tool: notify
          with: {channel: dev}
          as: ping
        - step: a
        - workflow: triage
          output_mapping: {inner: alias}
`)
	items := cfg.Checks["a"].OnSuccess.Run
	require.Len(t, items, 4)
	assert.Equal(t, "other-check", items[0].Check)
	assert.Equal(t, "other-check", items[0].Alias())
	assert.Equal(t, "notify", items[1].Tool)
	assert.Equal(t, "ping", items[1].Alias())
	assert.Equal(t, "dev", items[1].With["channel"])
	assert.Equal(t, "a", items[2].Step)
	assert.Equal(t, "triage", items[3].Workflow)
	assert.Equal(t, map[string]string{"inner": "alias"}, items[3].OutputMapping)
}

func TestRunItemRejectsAmbiguousShape(t *testing.T) {
	_, err := NewLoader(nil).Parse([]byte(`
checks:
  a:
    type: noop
    on_success:
      run:
        - tool: x
          step: y
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing type", "checks:\n  a: {}\n"},
		{"bad event", "checks:\n  a:\n    type: noop\n    on: [unknown_event]\n"},
		{"negative max_runs", "checks:\n  a:\n    type: noop\n    max_runs: -1\n"},
		{"negative max_loops", "checks:\n  a:\n    type: noop\nrouting:\n  max_loops: -2\n"},
		{"empty workflow", "checks:\n  a:\n    type: noop\nworkflows:\n  w: {}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(nil).Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestParseRunItemsDynamic(t *testing.T) {
	items, err := ParseRunItems([]any{
		"check-id",
		map[string]any{"tool": "notify", "with": map[string]any{"k": "v"}, "as": "n"},
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "check-id", items[0].Check)
	assert.Equal(t, "notify", items[1].Tool)
	assert.Equal(t, "n", items[1].As)

	// A single value is a one-element list.
	items, err = ParseRunItems("solo")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "solo", items[0].Check)

	items, err = ParseRunItems(nil)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = ParseRunItems([]any{42})
	require.Error(t, err)
}

func TestMergeOverrides(t *testing.T) {
	base := map[string]any{
		"a":      1,
		"nested": map[string]any{"x": 1, "y": 2},
	}
	out := MergeOverrides(base, map[string]any{
		"b":      2,
		"nested": map[string]any{"y": 3},
	})
	assert.Equal(t, 1, out["a"])
	assert.Equal(t, 2, out["b"])
	assert.Equal(t, map[string]any{"x": 1, "y": 3}, out["nested"])
	// Inputs stay untouched.
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, base["nested"])
}

func TestDurationParsing(t *testing.T) {
	cfg := parse(t, `
checks:
  a:
    type: noop
schedule:
  tick: 15s
  lock_ttl: 2m
`)
	assert.Equal(t, 15*time.Second, cfg.Schedule.Tick.Std())
	assert.Equal(t, 2*time.Minute, cfg.Schedule.LockTTL.Std())

	_, err := NewLoader(nil).Parse([]byte("checks:\n  a:\n    type: noop\n    timeout: nonsense\n"))
	require.Error(t, err)
}
