// Package tools provides the tool registry steps call into during negotiation.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/metalagman/stepflow/internal/oracle"
	"github.com/rs/zerolog/log"
)

// Error codes surfaced to the oracle.
const (
	ErrUnknownTool      = "unknown_tool"
	ErrBudgetExceeded   = "max_tool_exec_per_step_exceeded"
	ErrInvalidArguments = "invalid_arguments"
	ErrMissingReply     = "missing_tool_reply"
	NoteReused          = "reused_cached_result"
)

// Result is the structured outcome of a tool call.
type Result struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Output any    `json:"output"`
	Error  string `json:"error,omitempty"`
	Note   string `json:"note,omitempty"`
}

// Failure builds an error result with an empty output.
func Failure(name, msg string) Result {
	return Result{Name: name, OK: false, Output: map[string]any{}, Error: msg}
}

// Tool is a named capability the oracle may invoke.
type Tool interface {
	Definition() oracle.ToolDefinition
	Invoke(ctx context.Context, args map[string]any) (Result, error)
}

// Registry holds tools by name in registration order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates a registry with the given tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Definition().Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns the catalogue offered to the oracle.
func (r *Registry) Definitions() []oracle.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]oracle.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Definition())
	}
	return out
}

// Invoke runs a tool with raw JSON arguments. It never returns an error:
// unknown names, malformed arguments, tool errors and panics all become failed results.
func (r *Registry) Invoke(ctx context.Context, name, rawArgs string) (res Result) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Failure(name, ErrUnknownTool)
	}

	args := map[string]any{}
	if strings.TrimSpace(rawArgs) != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return Failure(name, fmt.Sprintf("%s: %v", ErrInvalidArguments, err))
		}
		if args == nil {
			args = map[string]any{}
		}
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("tool", name).Interface("panic", p).Msg("tool panicked")
			res = Failure(name, fmt.Sprintf("tool panicked: %v", p))
		}
	}()

	out, err := t.Invoke(ctx, args)
	if err != nil {
		return Failure(name, err.Error())
	}
	if out.Name == "" {
		out.Name = name
	}
	if out.Output == nil {
		out.Output = map[string]any{}
	}
	return out
}
