package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visor-run/visor/config"
)

func specs(deps map[string][]string) map[string]*config.CheckSpec {
	out := map[string]*config.CheckSpec{}
	for id, d := range deps {
		out[id] = &config.CheckSpec{Type: "noop", DependsOn: d}
	}
	return out
}

func TestBuildWaves(t *testing.T) {
	g, err := Build(specs(map[string][]string{
		"a": nil,
		"b": nil,
		"c": {"a", "b"},
		"d": {"c"},
	}))
	require.NoError(t, err)

	require.Len(t, g.Waves, 3)
	assert.Equal(t, []string{"a", "b"}, g.Waves[0])
	assert.Equal(t, []string{"c"}, g.Waves[1])
	assert.Equal(t, []string{"d"}, g.Waves[2])
	assert.Equal(t, 2, g.Nodes["d"].Depth)
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	_, err := Build(specs(map[string][]string{
		"a": {"ghost"},
	}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownDependency))
}

func TestBuildRejectsCycle(t *testing.T) {
	tests := []struct {
		name string
		deps map[string][]string
	}{
		{"self loop", map[string][]string{"a": {"a"}}},
		{"two nodes", map[string][]string{"a": {"b"}, "b": {"a"}}},
		{"long cycle", map[string][]string{"a": {"c"}, "b": {"a"}, "c": {"b"}, "d": nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(specs(tt.deps))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCycle))
		})
	}
}

func TestDirectDependents(t *testing.T) {
	g, err := Build(specs(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a"},
		"d": {"b"},
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, g.DirectDependents("a"))
	assert.Empty(t, g.DirectDependents("d"))
}

func TestAncestry(t *testing.T) {
	g, err := Build(specs(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"b"},
		"x": nil,
	}))
	require.NoError(t, err)

	assert.True(t, g.IsAncestor("a", "c"))
	assert.True(t, g.IsDescendant("c", "a"))
	assert.False(t, g.IsAncestor("c", "a"))
	assert.False(t, g.IsAncestor("x", "c"))
	assert.False(t, g.IsDescendant("a", "a"))
}

func TestSubgraphWaveOrder(t *testing.T) {
	g, err := Build(specs(map[string][]string{
		"p": nil,
		"b": {"p"},
		"c": {"b"},
		"z": nil,
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, g.Subgraph([]string{"b"}))
	assert.Empty(t, g.Subgraph(nil))
}
