package outputs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visor-run/visor/review"
)

func sum(out any) *review.Summary { return &review.Summary{Output: out} }

func TestPutGetLatest(t *testing.T) {
	s := NewStore(0)
	s.Put("a", Root, sum("v1"))
	s.Put("a", Root, sum("v2"))

	got, ok := s.Get("a", Root)
	require.True(t, ok)
	assert.Equal(t, "v2", got.Output)

	latest, ok := s.Latest("a")
	require.True(t, ok)
	assert.Equal(t, "v2", latest.Output)

	_, ok = s.Get("missing", Root)
	assert.False(t, ok)
}

func TestGetWalksParentScopes(t *testing.T) {
	s := NewStore(0)
	s.Put("security", Root, sum("root result"))

	child := Root.Child("fetch", 1)
	got, ok := s.Get("security", child)
	require.True(t, ok)
	assert.Equal(t, "root result", got.Output)

	// A child-scope write shadows the parent for that child only.
	s.Put("security", child, sum("child result"))
	got, _ = s.Get("security", child)
	assert.Equal(t, "child result", got.Output)
	got, _ = s.Get("security", Root.Child("fetch", 2))
	assert.Equal(t, "root result", got.Output)
}

func TestBindSkipsHistory(t *testing.T) {
	s := NewStore(0)
	s.Put("producer", Root, sum([]any{"a", "b"}))
	s.Bind("producer", Root.Child("producer", 0), sum("a"))

	assert.Len(t, s.History("producer"), 1)
	got, ok := s.Get("producer", Root.Child("producer", 0))
	require.True(t, ok)
	assert.Equal(t, "a", got.Output)
}

func TestRawFallsBackToLatest(t *testing.T) {
	s := NewStore(0)
	s.Put("a", Root, sum("plain"))
	raw, ok := s.Raw("a")
	require.True(t, ok)
	assert.Equal(t, "plain", raw.Output)

	s.SetRaw("a", sum([]any{"x"}))
	raw, _ = s.Raw("a")
	assert.Equal(t, []any{"x"}, raw.Output)
}

func TestHistoryIsolationBetweenScopes(t *testing.T) {
	s := NewStore(0)
	c0 := Root.Child("p", 0)
	c1 := Root.Child("p", 1)
	s.Put("check", c0, sum("first"))
	s.Put("check", c0, sum("second"))
	s.Put("check", c1, sum("other"))

	assert.Len(t, s.HistoryIn("check", c0), 2)
	assert.Len(t, s.HistoryIn("check", c1), 1)
	assert.Len(t, s.History("check"), 3)
}

func TestHistoryCap(t *testing.T) {
	s := NewStore(2)
	s.Put("a", Root, sum(1))
	s.Put("a", Root, sum(2))
	s.Put("a", Root, sum(3))

	hist := s.History("a")
	require.Len(t, hist, 2)
	assert.Equal(t, 2, hist[0].Output)
	assert.Equal(t, 3, hist[1].Output)
}

func TestScopeParent(t *testing.T) {
	child := Root.Child("p", 3)
	assert.Equal(t, Scope("root/p#3"), child)
	assert.Equal(t, Root, child.Parent())
	assert.True(t, Root.IsRoot())
	assert.False(t, child.IsRoot())

	grand := child.Child("q", 0)
	assert.Equal(t, child, grand.Parent())
}
