package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visor-run/visor/config"
	"github.com/visor-run/visor/memstore"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))

	for _, typ := range []string{TypeNoop, TypeLog, TypeCommand, TypeHTTP, TypeMemory, TypeWorkflow, TypeAI, TypeMCP} {
		p, err := r.Get(typ)
		require.NoError(t, err, typ)
		assert.Equal(t, typ, p.Name())
	}

	_, err := r.Get("bogus")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownProvider))
	assert.Len(t, r.Types(), 8)
}

func TestLogProvider(t *testing.T) {
	p := &LogProvider{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	require.Error(t, p.Validate(&config.CheckSpec{Type: TypeLog}))

	spec := &config.CheckSpec{Type: TypeLog, Params: map[string]any{"message": "deploy done"}}
	sum, err := p.Execute(context.Background(), nil, spec, nil, &ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, "deploy done", sum.Output)
}

func TestMemoryProviderOps(t *testing.T) {
	p := &MemoryProvider{}
	mem := memstore.NewStore()
	ec := &ExecContext{Memory: mem}

	exec := func(params map[string]any) any {
		t.Helper()
		sum, err := p.Execute(context.Background(), nil, &config.CheckSpec{Type: TypeMemory, Params: params}, nil, ec)
		require.NoError(t, err)
		return sum.Output
	}

	assert.Equal(t, "v", exec(map[string]any{"op": "set", "key": "k", "value": "v"}))
	assert.Equal(t, "v", exec(map[string]any{"op": "get", "key": "k"}))
	assert.Equal(t, true, exec(map[string]any{"op": "has", "key": "k"}))
	assert.Equal(t, 2.0, exec(map[string]any{"op": "increment", "key": "n", "value": 2.0}))
	assert.Equal(t, []any{"a"}, exec(map[string]any{"op": "append", "key": "list", "value": "a"}))
	assert.Equal(t, []string{"k", "list", "n"}, exec(map[string]any{"op": "list"}))

	exec(map[string]any{"op": "delete", "key": "k"})
	assert.False(t, mem.Has("", "k"))
	exec(map[string]any{"op": "clear"})
	assert.Empty(t, mem.List(memstore.DefaultNamespace))
}

func TestMemoryProviderValidate(t *testing.T) {
	p := &MemoryProvider{}
	assert.Error(t, p.Validate(&config.CheckSpec{Params: map[string]any{"op": "explode"}}))
	assert.Error(t, p.Validate(&config.CheckSpec{Params: map[string]any{"op": "get"}}))
	assert.NoError(t, p.Validate(&config.CheckSpec{Params: map[string]any{"op": "clear"}}))
	assert.NoError(t, p.Validate(&config.CheckSpec{Params: map[string]any{"op": "get", "key": "k"}}))
}

func TestWorkflowProviderRequiresRunner(t *testing.T) {
	p := &WorkflowProvider{}
	require.Error(t, p.Validate(&config.CheckSpec{Type: TypeWorkflow}))

	spec := &config.CheckSpec{Type: TypeWorkflow, Params: map[string]any{"workflow": "w"}}
	_, err := p.Execute(context.Background(), nil, spec, nil, &ExecContext{})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
