package graph

import (
	"errors"
	"fmt"

	"github.com/metalagman/stepflow/internal/invariant"
)

var (
	// ErrCompile marks a malformed graph draft.
	ErrCompile = errors.New("compile graph")
	// ErrNotOrderable is returned when a graph has a cycle or an edge to a missing step.
	ErrNotOrderable = errors.New("graph has cycles or disconnected nodes")
)

// CompileError names the step that failed validation.
type CompileError struct {
	StepID string
	Reason string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s for %s", e.Reason, e.StepID)
}

// Unwrap lets callers match ErrCompile.
func (e *CompileError) Unwrap() error {
	return ErrCompile
}

type compileOptions struct {
	strictInvariants bool
}

// CompileOption configures Compile.
type CompileOption func(*compileOptions)

// WithStrictInvariants rejects invariant expressions outside the supported forms.
func WithStrictInvariants(strict bool) CompileOption {
	return func(o *compileOptions) {
		o.strictInvariants = strict
	}
}

// Compile validates a draft and returns it with executors normalized and
// invariants parsed. It fails on the first offending step in declaration order.
// Graph shape is not checked here; TopologicalOrder does that.
func Compile(draft StepGraph, opts ...CompileOption) (StepGraph, error) {
	var o compileOptions
	for _, opt := range opts {
		opt(&o)
	}

	out := StepGraph{Edges: append([]Edge(nil), draft.Edges...)}
	for _, key := range draft.IDs() {
		step := draft.Steps[key]
		if step.StepID != key {
			return StepGraph{}, &CompileError{StepID: key, Reason: "step_id mismatch"}
		}
		if len(step.OutputsSchema) == 0 {
			return StepGraph{}, &CompileError{StepID: key, Reason: "outputs_schema missing"}
		}
		executor, err := ParseExecutor(string(step.Executor))
		if err != nil {
			return StepGraph{}, &CompileError{StepID: key, Reason: err.Error()}
		}
		step.Executor = executor

		step.Predicates = invariant.ParseAll(step.Invariants)
		if o.strictInvariants {
			for _, p := range step.Predicates {
				if invariant.IsUnknown(p) {
					return StepGraph{}, &CompileError{StepID: key, Reason: fmt.Sprintf("unsupported invariant %q", p.Expr())}
				}
			}
		}
		out.put(key, step)
	}
	return out, nil
}
