// Package branch maps failed invariant intents to corrective subgraphs.
package branch

import (
	"fmt"

	"github.com/metalagman/stepflow/internal/graph"
	"github.com/metalagman/stepflow/internal/invariant"
)

// Builder produces a corrective subgraph for a failing step.
type Builder func(failing graph.StepContract) graph.StepGraph

// Factory looks up remediation subgraphs by intent.
type Factory struct {
	builders map[string]Builder
}

// NewFactory returns a factory with the built-in remediations registered.
func NewFactory() *Factory {
	f := &Factory{builders: make(map[string]Builder)}
	f.Register(invariant.IntentDeepenSearch, deepenSearch)
	f.Register(invariant.IntentFillMissing, fillMissing)
	return f
}

// Register adds or replaces the builder for intent.
func (f *Factory) Register(intent string, b Builder) {
	f.builders[intent] = b
}

// Intents returns registered intents.
func (f *Factory) Intents() []string {
	out := make([]string, 0, len(f.builders))
	for k := range f.builders {
		out = append(out, k)
	}
	return out
}

// Branch returns the compiled remediation for intent. Unknown intents yield an empty graph.
func (f *Factory) Branch(intent string, failing graph.StepContract) (graph.StepGraph, error) {
	b, ok := f.builders[intent]
	if !ok {
		return graph.StepGraph{}, nil
	}
	g, err := graph.Compile(b(failing))
	if err != nil {
		return graph.StepGraph{}, fmt.Errorf("compile %s remediation: %w", intent, err)
	}
	return g, nil
}

func deepenSearch(failing graph.StepContract) graph.StepGraph {
	return graph.New([]graph.StepContract{{
		StepID:   "search_more",
		Executor: graph.ExecutorReactive,
		Goal:     "Find additional high-quality sources to raise confidence.",
		Inputs: graph.Inputs{
			Required: []string{failing.StepID + ".notes"},
			Optional: []string{"workflow_definition"},
		},
		OutputsSchema: graph.OutputsSchema{
			{Name: "sources", Hint: "string[]"},
			{Name: "confidence", Hint: "number"},
			{Name: "notes", Hint: "string"},
		},
		Determinism: graph.DeterminismLow,
		Invariants:  []string{"len(sources)>=3", "confidence>=0.75"},
	}}, nil)
}

func fillMissing(failing graph.StepContract) graph.StepGraph {
	optional := make([]string, 0, len(failing.OutputsSchema))
	for _, name := range failing.OutputsSchema.Names() {
		optional = append(optional, failing.StepID+"."+name)
	}
	return graph.New([]graph.StepContract{{
		StepID:   "fill_missing",
		Executor: graph.ExecutorReactive,
		Goal:     fmt.Sprintf("Produce the outputs step %s left missing: %s.", failing.StepID, failing.Goal),
		Inputs: graph.Inputs{
			Required: append([]string(nil), failing.Inputs.Required...),
			Optional: optional,
		},
		OutputsSchema: failing.OutputsSchema,
		Determinism:   graph.DeterminismLow,
	}}, nil)
}
