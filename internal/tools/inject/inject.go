// Package inject implements workflow_inject_subgraph, which lets a step
// propose a subgraph for the engine to splice into the running graph.
package inject

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/metalagman/stepflow/internal/graph"
	"github.com/metalagman/stepflow/internal/oracle"
	"github.com/metalagman/stepflow/internal/tools"
	"github.com/oklog/ulid/v2"
)

// Name is the tool name offered to the oracle.
const Name = "workflow_inject_subgraph"

// HandlePrefix starts every proposal handle.
const HandlePrefix = "subgraph_"

// Options bounds proposals.
type Options struct {
	MaxSteps int
	MaxEdges int
	Strict   bool
}

// Tool validates subgraph proposals. It never mutates a graph.
type Tool struct {
	opts Options
}

type attachPoint struct {
	Mode       graph.AttachMode `json:"mode"`
	AnchorStep string           `json:"anchor_step"`
}

type limits struct {
	MaxSteps *int `json:"max_steps"`
	MaxEdges *int `json:"max_edges"`
}

type callArgs struct {
	Reason      string          `json:"reason"`
	AttachPoint *attachPoint    `json:"attach_point"`
	Subgraph    json.RawMessage `json:"subgraph"`
	Limits      *limits         `json:"limits"`
}

// New creates the tool.
func New(opts Options) *Tool {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 8
	}
	if opts.MaxEdges <= 0 {
		opts.MaxEdges = 24
	}
	return &Tool{opts: opts}
}

// Definition implements tools.Tool.
func (t *Tool) Definition() oracle.ToolDefinition {
	return oracle.ToolDefinition{
		Name:        Name,
		Description: "Propose a subgraph to attach to the running workflow. Returns a handle to apply via apply_handle.",
		Parameters: tools.Parameters(map[string]string{
			"reason":       "string, why a subflow is needed",
			"attach_point": "{ mode:'before|after|replace|fanout', anchor_step:string }",
			"subgraph":     "StepGraph {steps, edges}. Also accepts simplified {steps:[{id|step_id, goal, type?, params?}], edges:[{from,to}]}",
			"limits":       "{ max_steps?: number, max_edges?: number }",
			"dry_run":      "boolean (default true)",
			"metadata":     "{ intent?: string, tags?: string[] }",
		}, "reason", "attach_point", "subgraph"),
	}
}

// Invoke implements tools.Tool. The output is a graph.Proposal.
func (t *Tool) Invoke(_ context.Context, args map[string]any) (tools.Result, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return tools.Failure(Name, "Invalid args"), nil
	}
	var a callArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return tools.Failure(Name, fmt.Sprintf("Invalid args: %v", err)), nil
	}
	return tools.Result{Name: Name, OK: true, Output: t.propose(a)}, nil
}

// propose validates a call and builds the proposal.
func (t *Tool) propose(a callArgs) graph.Proposal {
	issues := []string{}
	if strings.TrimSpace(a.Reason) == "" {
		issues = append(issues, "reason missing")
	}
	var ap attachPoint
	if a.AttachPoint != nil {
		ap = *a.AttachPoint
	}
	if ap.Mode == "" || ap.AnchorStep == "" {
		issues = append(issues, "attach_point.mode and attach_point.anchor_step required")
	} else if !ap.Mode.Valid() {
		issues = append(issues, fmt.Sprintf("invalid attach mode %q", ap.Mode))
	}

	var compiled *graph.StepGraph
	if len(issues) == 0 {
		sub, err := graph.Coerce(a.Subgraph)
		if err == nil {
			var c graph.StepGraph
			c, err = graph.Compile(sub, graph.WithStrictInvariants(t.opts.Strict))
			if err == nil {
				compiled = &c
			}
		}
		if err != nil {
			issues = append(issues, fmt.Sprintf("compileGraph failed: %v", err))
		}
	}

	metrics := graph.ProposalMetrics{}
	if compiled != nil {
		metrics.StepCount = compiled.Len()
		metrics.EdgeCount = len(compiled.Edges)
		if metrics.StepCount == 0 {
			issues = append(issues, "subgraph has no steps")
		}
	}
	maxSteps, maxEdges := t.opts.MaxSteps, t.opts.MaxEdges
	if a.Limits != nil {
		if a.Limits.MaxSteps != nil {
			maxSteps = *a.Limits.MaxSteps
		}
		if a.Limits.MaxEdges != nil {
			maxEdges = *a.Limits.MaxEdges
		}
	}
	if metrics.StepCount > maxSteps {
		issues = append(issues, fmt.Sprintf("too many steps: %d > %d", metrics.StepCount, maxSteps))
	}
	if metrics.EdgeCount > maxEdges {
		issues = append(issues, fmt.Sprintf("too many edges: %d > %d", metrics.EdgeCount, maxEdges))
	}

	patch := graph.Patch{Op: graph.PatchOpAttach, Mode: ap.Mode, AnchorStep: ap.AnchorStep}
	if compiled != nil {
		patch.Subgraph = compiled.Clone()
	} else {
		patch.Subgraph = graph.New(nil, nil)
	}

	return graph.Proposal{
		Handle:           NewHandle(),
		Approved:         len(issues) == 0,
		Issues:           issues,
		CompiledSubgraph: compiled,
		Patch:            patch,
		Metrics:          metrics,
		Reason:           a.Reason,
	}
}

// NewHandle returns a fresh proposal handle.
func NewHandle() string {
	return HandlePrefix + strings.ToLower(ulid.Make().String())
}
