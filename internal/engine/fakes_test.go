package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/metalagman/stepflow/internal/graph"
	"github.com/metalagman/stepflow/internal/oracle"
	"github.com/metalagman/stepflow/internal/tools"
	"github.com/stretchr/testify/require"
)

var stepIDRe = regexp.MustCompile(`step_id=([^\s]+)\.`)

// routedOracle replays a script per step id, keyed from the system message.
type routedOracle struct {
	mu       sync.Mutex
	scripts  map[string][]func(oracle.Request) oracle.Response
	calls    map[string]int
	requests []oracle.Request
}

func newRoutedOracle() *routedOracle {
	return &routedOracle{
		scripts: make(map[string][]func(oracle.Request) oracle.Response),
		calls:   make(map[string]int),
	}
}

func (o *routedOracle) on(stepID string, replies ...func(oracle.Request) oracle.Response) *routedOracle {
	o.scripts[stepID] = append(o.scripts[stepID], replies...)
	return o
}

func (o *routedOracle) Complete(_ context.Context, req oracle.Request) (oracle.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, req)
	m := stepIDRe.FindStringSubmatch(req.Messages[0].Content)
	if m == nil {
		return oracle.Response{}, fmt.Errorf("no step id in system message")
	}
	id := m[1]
	n := o.calls[id]
	o.calls[id]++
	script := o.scripts[id]
	if n >= len(script) {
		return oracle.Response{}, fmt.Errorf("script for %s exhausted after %d calls", id, n)
	}
	return script[n](req), nil
}

func (o *routedOracle) requestsFor(stepID string) []oracle.Request {
	var out []oracle.Request
	for _, r := range o.requests {
		if m := stepIDRe.FindStringSubmatch(r.Messages[0].Content); m != nil && m[1] == stepID {
			out = append(out, r)
		}
	}
	return out
}

func content(s string) func(oracle.Request) oracle.Response {
	return func(oracle.Request) oracle.Response { return oracle.Response{Content: s, FinishReason: "stop"} }
}

func toolCalls(calls ...oracle.ToolCall) func(oracle.Request) oracle.Response {
	return func(oracle.Request) oracle.Response {
		return oracle.Response{ToolCalls: calls, FinishReason: "tool_calls"}
	}
}

// countingTool records invocations and echoes its arguments.
type countingTool struct {
	name  string
	mu    sync.Mutex
	calls int
	args  []map[string]any
}

func (c *countingTool) Definition() oracle.ToolDefinition {
	return oracle.ToolDefinition{Name: c.name, Description: "test tool", Parameters: tools.Parameters(map[string]string{"q": "query"})}
}

func (c *countingTool) Invoke(_ context.Context, args map[string]any) (tools.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.args = append(c.args, args)
	return tools.Result{OK: true, Output: map[string]any{"echo": args, "n": c.calls}}, nil
}

// memSink keeps artifacts keyed by scope/name.
type memSink struct {
	mu    sync.Mutex
	items map[string]any
}

func newMemSink() *memSink { return &memSink{items: make(map[string]any)} }

func (m *memSink) Write(_ string, scope, name string, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[joinScope(scope, name)] = v
}

func (m *memSink) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[key]
	return ok
}

// memRecorder keeps ledger calls.
type memRecorder struct {
	mu     sync.Mutex
	steps  []StepRecord
	events []Event
}

func (m *memRecorder) RecordStep(_ context.Context, rec StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, rec)
	return nil
}

func (m *memRecorder) RecordEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memRecorder) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

func registry(t *testing.T, ts ...tools.Tool) *tools.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(ts...)
	require.NoError(t, err)
	return reg
}

func contract(id string, fields ...string) graph.StepContract {
	schema := make(graph.OutputsSchema, 0, len(fields))
	for _, f := range fields {
		schema = append(schema, graph.SchemaField{Name: f, Hint: "string"})
	}
	return graph.StepContract{
		StepID:        id,
		Executor:      graph.ExecutorReactive,
		Goal:          "Do " + id + ".",
		Inputs:        graph.Inputs{Required: []string{}},
		OutputsSchema: schema,
	}
}

func compiled(t *testing.T, steps []graph.StepContract, edges []graph.Edge) graph.StepGraph {
	t.Helper()
	g, err := graph.Compile(graph.New(steps, edges))
	require.NoError(t, err)
	return g
}

func toolReply(t *testing.T, msg oracle.Message) tools.Result {
	t.Helper()
	require.Equal(t, oracle.RoleTool, msg.Role)
	var res tools.Result
	require.NoError(t, json.Unmarshal([]byte(msg.Content), &res))
	return res
}
