// Package graph defines step graphs and the compile, schedule, and patch operations over them.
package graph

import (
	"fmt"
	"strings"

	"github.com/metalagman/stepflow/internal/invariant"
)

// Executor is the kind of executor that runs a step.
type Executor string

// Executor kinds.
const (
	ExecutorReactive   Executor = "reactive"
	ExecutorProcedural Executor = "procedural"
	ExecutorSubgraph   Executor = "subgraph"
)

// ParseExecutor normalizes an executor name. Legacy names are accepted as aliases.
func ParseExecutor(name string) (Executor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "reactive", "intelligent":
		return ExecutorReactive, nil
	case "procedural":
		return ExecutorProcedural, nil
	case "subgraph", "workflow":
		return ExecutorSubgraph, nil
	default:
		return "", fmt.Errorf("unknown executor %q", name)
	}
}

// Determinism is an informational hint about output stability.
type Determinism string

// Determinism levels.
const (
	DeterminismLow  Determinism = "low"
	DeterminismHigh Determinism = "high"
)

// Failure policy actions.
const (
	OnFailEmitRemediation = "emit_remediation"
	OnFailHalt            = "halt"
)

// Inputs lists store keys a step reads.
type Inputs struct {
	Required []string `json:"required"`
	Optional []string `json:"optional,omitempty"`
}

// All returns required keys followed by optional keys.
func (in Inputs) All() []string {
	out := make([]string, 0, len(in.Required)+len(in.Optional))
	out = append(out, in.Required...)
	return append(out, in.Optional...)
}

// ToolBudget caps resources a step may consume.
type ToolBudget struct {
	Tokens    int `json:"tokens,omitempty"`
	Calls     int `json:"calls,omitempty"`
	WallTimeS int `json:"wall_time_s,omitempty"`
}

// FailurePolicy controls retries and remediation.
type FailurePolicy struct {
	Retries int    `json:"retries,omitempty"`
	OnFail  string `json:"on_fail,omitempty"`
}

// StepContract is one unit of executable work.
type StepContract struct {
	StepID               string         `json:"step_id"`
	Executor             Executor       `json:"executor"`
	Goal                 string         `json:"goal"`
	Inputs               Inputs         `json:"inputs"`
	OutputsSchema        OutputsSchema  `json:"outputs_schema"`
	Determinism          Determinism    `json:"determinism,omitempty"`
	Invariants           []string       `json:"invariants,omitempty"`
	ToolBudget           *ToolBudget    `json:"tool_budget,omitempty"`
	FailurePolicy        *FailurePolicy `json:"failure_policy,omitempty"`
	AllowedBranchIntents []string       `json:"allowed_branch_intents,omitempty"`

	// Predicates holds the parsed invariants. Compile fills it.
	Predicates []invariant.Predicate `json:"-"`
}

// Retries returns the number of extra attempts allowed after an exhausted negotiation.
func (s StepContract) Retries() int {
	if s.FailurePolicy == nil || s.FailurePolicy.Retries < 0 {
		return 0
	}
	return s.FailurePolicy.Retries
}

// Halts reports whether failed invariants must not trigger remediation.
func (s StepContract) Halts() bool {
	return s.FailurePolicy != nil && s.FailurePolicy.OnFail == OnFailHalt
}

// AllowsIntent reports whether intent may trigger branching for this step.
func (s StepContract) AllowsIntent(intent string) bool {
	if len(s.AllowedBranchIntents) == 0 {
		return true
	}
	for _, allowed := range s.AllowedBranchIntents {
		if allowed == intent {
			return true
		}
	}
	return false
}

// PredicateList returns parsed invariants, parsing on demand for uncompiled contracts.
func (s StepContract) PredicateList() []invariant.Predicate {
	if len(s.Predicates) == len(s.Invariants) {
		return s.Predicates
	}
	return invariant.ParseAll(s.Invariants)
}

// Edge is a dependency from one step to another.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}
