package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visor-run/visor/config"
)

func commandSpec(params map[string]any) *config.CheckSpec {
	return &config.CheckSpec{Type: TypeCommand, Params: params}
}

func TestCommandCapturesJSONOutput(t *testing.T) {
	p := &CommandProvider{}
	sum, err := p.Execute(context.Background(), nil, commandSpec(map[string]any{
		"exec": `echo '{"score": 7, "ok": true}'`,
	}), nil, &ExecContext{})
	require.NoError(t, err)

	out, ok := sum.Output.(map[string]any)
	require.True(t, ok, "stdout JSON should be parsed")
	assert.Equal(t, float64(7), out["score"])
	assert.Equal(t, true, out["ok"])
	assert.Contains(t, sum.Content, `"score": 7`)
}

func TestCommandPlainTextOutput(t *testing.T) {
	p := &CommandProvider{}
	sum, err := p.Execute(context.Background(), nil, commandSpec(map[string]any{
		"exec": "printf 'plain text'",
	}), nil, &ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, "plain text", sum.Output)
}

func TestCommandEnvAndStdin(t *testing.T) {
	p := &CommandProvider{}
	sum, err := p.Execute(context.Background(), nil, commandSpec(map[string]any{
		"exec": `printf '%s' "$GREETING"`,
		"env":  map[string]any{"GREETING": "hello"},
	}), nil, &ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, "hello", sum.Output)

	sum, err = p.Execute(context.Background(), nil, commandSpec(map[string]any{
		"exec":  "cat",
		"stdin": "piped",
	}), nil, &ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, "piped", sum.Output)
}

func TestCommandFailureIsPermanent(t *testing.T) {
	p := &CommandProvider{}
	_, err := p.Execute(context.Background(), nil, commandSpec(map[string]any{
		"exec": "echo oops >&2; exit 3",
	}), nil, &ExecContext{})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "oops")
}

func TestCommandTimeoutIsTransient(t *testing.T) {
	p := &CommandProvider{}
	spec := commandSpec(map[string]any{"exec": "sleep 2"})
	spec.Timeout = config.Duration(50 * time.Millisecond)
	_, err := p.Execute(context.Background(), nil, spec, nil, &ExecContext{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestCommandValidate(t *testing.T) {
	p := &CommandProvider{}
	assert.Error(t, p.Validate(commandSpec(nil)))
	assert.NoError(t, p.Validate(commandSpec(map[string]any{"exec": "true"})))
}
