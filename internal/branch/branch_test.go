package branch

import (
	"testing"

	"github.com/metalagman/stepflow/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing() graph.StepContract {
	return graph.StepContract{
		StepID:        "research",
		Goal:          "Research the topic.",
		Inputs:        graph.Inputs{Required: []string{"topic"}},
		OutputsSchema: graph.OutputsSchema{{Name: "sources", Hint: "string[]"}, {Name: "notes", Hint: "string"}},
	}
}

func TestBranch_DeepenSearch(t *testing.T) {
	t.Parallel()

	g, err := NewFactory().Branch("deepen_search", failing())
	require.NoError(t, err)
	require.Equal(t, []string{"search_more"}, g.IDs())

	s := g.Steps["search_more"]
	assert.Equal(t, []string{"research.notes"}, s.Inputs.Required)
	assert.Equal(t, []string{"workflow_definition"}, s.Inputs.Optional)
	assert.Equal(t, []string{"sources", "confidence", "notes"}, s.OutputsSchema.Names())
	assert.Len(t, s.Predicates, 2)
	assert.Empty(t, g.Edges)
}

func TestBranch_FillMissing(t *testing.T) {
	t.Parallel()

	g, err := NewFactory().Branch("fill_missing", failing())
	require.NoError(t, err)
	s := g.Steps["fill_missing"]
	assert.Equal(t, []string{"research.sources", "research.notes"}, s.Inputs.Optional)
	assert.Equal(t, []string{"topic"}, s.Inputs.Required)
}

func TestBranch_UnknownIntentIsEmpty(t *testing.T) {
	t.Parallel()

	g, err := NewFactory().Branch("no_such_intent", failing())
	require.NoError(t, err)
	assert.Equal(t, 0, g.Len())
}

func TestRegister_Custom(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	f.Register("reconcile", func(s graph.StepContract) graph.StepGraph {
		return graph.New([]graph.StepContract{{
			StepID:        "reconcile_" + s.StepID,
			Goal:          "Reconcile.",
			OutputsSchema: graph.OutputsSchema{{Name: "result", Hint: "string"}},
		}}, nil)
	})
	g, err := f.Branch("reconcile", failing())
	require.NoError(t, err)
	assert.True(t, g.Has("reconcile_research"))
	assert.Contains(t, f.Intents(), "reconcile")
}
