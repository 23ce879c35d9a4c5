package memstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visor-run/visor/sandbox"
)

func TestSetGetNamespaces(t *testing.T) {
	s := NewStore()
	s.Set("", "k", "v")
	s.Set("other", "k", "w")

	v, ok := s.Get(DefaultNamespace, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	v, ok = s.Get("other", "k")
	require.True(t, ok)
	assert.Equal(t, "w", v)

	_, ok = s.Get("other", "missing")
	assert.False(t, ok)
	assert.True(t, s.Has("", "k"))
}

func TestAppendPromotesScalar(t *testing.T) {
	s := NewStore()
	s.Append("", "list", "a")
	assert.Equal(t, []any{"a"}, mustGet(t, s, "list"))

	s.Append("", "list", "b")
	assert.Equal(t, []any{"a", "b"}, mustGet(t, s, "list"))

	s.Set("", "scalar", "x")
	s.Append("", "scalar", "y")
	assert.Equal(t, []any{"x", "y"}, mustGet(t, s, "scalar"))
}

func TestIncrement(t *testing.T) {
	s := NewStore()
	assert.Equal(t, 1.0, s.Increment("", "n", 1))
	assert.Equal(t, 3.5, s.Increment("", "n", 2.5))
	// Non-numeric values restart from zero.
	s.Set("", "s", "text")
	assert.Equal(t, 1.0, s.Increment("", "s", 1))
}

func TestDeleteAndClear(t *testing.T) {
	s := NewStore()
	s.Set("ns", "a", 1)
	s.Set("ns", "b", 2)
	s.Delete("ns", "a")
	assert.False(t, s.Has("ns", "a"))
	assert.Equal(t, []string{"b"}, s.List("ns"))

	s.Clear("ns")
	assert.Empty(t, s.List("ns"))
	assert.Empty(t, s.ListNamespaces())
}

func TestJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	s := NewStore()
	s.Set("", "string", "v")
	s.Set("", "number", 4.0)
	s.Set("stats", "list", []any{"a", "b"})
	require.NoError(t, s.Save(path, FormatJSON))

	loaded := NewStore()
	require.NoError(t, loaded.Load(path, FormatJSON))
	assert.Equal(t, "v", mustGet(t, loaded, "string"))
	assert.Equal(t, 4.0, mustGet(t, loaded, "number"))
	v, ok := loaded.Get("stats", "list")
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, v)
}

func TestCSVRoundTripPreservesTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.csv")
	s := NewStore()
	s.Set("", "flag", true)
	s.Set("", "count", 7.0)
	s.Set("", "obj", map[string]any{"k": "v"})
	s.Set("stats", "list", []any{1.0, 2.0})
	require.NoError(t, s.Save(path, FormatCSV))

	loaded := NewStore()
	require.NoError(t, loaded.Load(path, FormatCSV))
	assert.Equal(t, true, mustGet(t, loaded, "flag"))
	assert.Equal(t, 7.0, mustGet(t, loaded, "count"))
	assert.Equal(t, map[string]any{"k": "v"}, mustGet(t, loaded, "obj"))
	v, _ := loaded.Get("stats", "list")
	assert.Equal(t, []any{1.0, 2.0}, v)
}

func TestLoadMissingFileIsNoop(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Load(filepath.Join(t.TempDir(), "absent.json"), FormatJSON))
	assert.Empty(t, s.ListNamespaces())
}

func TestScopeObjectFromExpressions(t *testing.T) {
	s := NewStore()
	sb := sandbox.New(nil)
	scope := map[string]any{"memory": s.ScopeObject()}

	_, err := sb.Evaluate(context.Background(), `memory.set("seen", true)`, scope, sandbox.Options{})
	require.NoError(t, err)
	_, err = sb.Evaluate(context.Background(), `memory.increment("stats:count", 2)`, scope, sandbox.Options{})
	require.NoError(t, err)

	got, err := sb.Evaluate(context.Background(), `memory.get("seen")`, scope, sandbox.Options{})
	require.NoError(t, err)
	assert.Equal(t, true, got)

	v, ok := s.Get("stats", "count")
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
}

func mustGet(t *testing.T, s *Store, key string) any {
	t.Helper()
	v, ok := s.Get(DefaultNamespace, key)
	require.True(t, ok)
	return v
}
