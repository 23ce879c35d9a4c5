package outputs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromTextWholeJSON(t *testing.T) {
	v := FromText(`{"issues": [], "score": 7}`)
	require.True(t, v.IsJSON())

	parsed, ok := v.AsParsed().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(7), parsed["score"])
	assert.Equal(t, `{"issues": [], "score": 7}`, v.AsString())
}

func TestFromTextTrailingJSON(t *testing.T) {
	v := FromText("Here is my analysis:\n{\"verdict\": \"ok\"}")
	require.True(t, v.IsJSON())
	parsed := v.AsParsed().(map[string]any)
	assert.Equal(t, "ok", parsed["verdict"])
}

func TestFromTextEmbeddedJSON(t *testing.T) {
	v := FromText(`prefix {"a": 1} suffix`)
	require.True(t, v.IsJSON())
	parsed := v.AsParsed().(map[string]any)
	assert.Equal(t, float64(1), parsed["a"])
}

func TestFromTextPlain(t *testing.T) {
	v := FromText("no structure here")
	assert.False(t, v.IsJSON())
	assert.Equal(t, "no structure here", v.AsParsed())
	assert.Equal(t, "no structure here", v.AsString())
}

func TestFromTextMalformedTail(t *testing.T) {
	// A brace that never closes must not break extraction of the valid
	// object before it.
	v := FromText(`{"ok": true} and then { broken`)
	require.True(t, v.IsJSON())
	parsed := v.AsParsed().(map[string]any)
	assert.Equal(t, true, parsed["ok"])
}

func TestAsArray(t *testing.T) {
	v := FromText(`["a", "b"]`)
	arr, ok := v.AsArray()
	require.True(t, ok)
	assert.Len(t, arr, 2)

	_, ok = FromText("text").AsArray()
	assert.False(t, ok)
}

func TestNewValueStructured(t *testing.T) {
	v := NewValue(map[string]any{"k": "v"})
	require.True(t, v.IsJSON())
	assert.Equal(t, `{"k":"v"}`, v.AsString())
}

func TestFromParts(t *testing.T) {
	v := FromParts("raw text with {\"a\":1}", map[string]any{"a": float64(1)})
	assert.True(t, v.IsJSON())
	assert.Equal(t, "raw text with {\"a\":1}", v.AsString())
	assert.Equal(t, map[string]any{"a": float64(1)}, v.AsParsed())
}
