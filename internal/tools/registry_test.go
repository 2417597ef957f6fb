package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/metalagman/stepflow/internal/oracle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcTool struct {
	name string
	fn   func(ctx context.Context, args map[string]any) (Result, error)
}

func (f funcTool) Definition() oracle.ToolDefinition {
	return oracle.ToolDefinition{Name: f.name, Parameters: Parameters(map[string]string{"x": "value"})}
}

func (f funcTool) Invoke(ctx context.Context, args map[string]any) (Result, error) {
	return f.fn(ctx, args)
}

func TestRegistry_Invoke(t *testing.T) {
	t.Parallel()

	echo := funcTool{name: "echo", fn: func(_ context.Context, args map[string]any) (Result, error) {
		return Result{OK: true, Output: args}, nil
	}}
	reg, err := NewRegistry(echo)
	require.NoError(t, err)

	res := reg.Invoke(context.Background(), "echo", `{"x":1}`)
	assert.True(t, res.OK)
	assert.Equal(t, "echo", res.Name)
	assert.Equal(t, map[string]any{"x": float64(1)}, res.Output)

	res = reg.Invoke(context.Background(), "echo", "")
	assert.True(t, res.OK)
	assert.Equal(t, map[string]any{}, res.Output)
}

func TestRegistry_FailuresBecomeResults(t *testing.T) {
	t.Parallel()

	failing := funcTool{name: "fails", fn: func(context.Context, map[string]any) (Result, error) {
		return Result{}, errors.New("boom")
	}}
	panicking := funcTool{name: "panics", fn: func(context.Context, map[string]any) (Result, error) {
		panic("kaboom")
	}}
	reg, err := NewRegistry(failing, panicking)
	require.NoError(t, err)

	res := reg.Invoke(context.Background(), "nope", "{}")
	assert.False(t, res.OK)
	assert.Equal(t, ErrUnknownTool, res.Error)
	assert.Equal(t, map[string]any{}, res.Output)

	res = reg.Invoke(context.Background(), "fails", "{}")
	assert.False(t, res.OK)
	assert.Equal(t, "boom", res.Error)

	res = reg.Invoke(context.Background(), "panics", "{}")
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "kaboom")

	res = reg.Invoke(context.Background(), "fails", "{not json")
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, ErrInvalidArguments)
}

func TestRegistry_OrderAndDuplicates(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, map[string]any) (Result, error) { return Result{OK: true}, nil }
	reg, err := NewRegistry(funcTool{name: "b", fn: noop}, funcTool{name: "a", fn: noop})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, reg.Names())
	assert.Len(t, reg.Definitions(), 2)
	assert.True(t, reg.Has("a"))

	assert.Error(t, reg.Register(funcTool{name: "a", fn: noop}))
	assert.Error(t, reg.Register(funcTool{name: " ", fn: noop}))
}

func TestArgs(t *testing.T) {
	t.Parallel()

	args := map[string]any{"s": "v", "n": 3.0, "ns": "4", "num": 7.0}
	assert.Equal(t, "v", String(args, "s", "d"))
	assert.Equal(t, "d", String(args, "missing", "d"))
	assert.Equal(t, "7", String(args, "num", ""))
	assert.InDelta(t, 3.0, Number(args, "n", 0), 0)
	assert.InDelta(t, 4.0, Number(args, "ns", 0), 0)
	assert.InDelta(t, 15.0, Number(args, "missing", 15), 0)
}
