package engine

import (
	"testing"

	"github.com/metalagman/stepflow/internal/graph"
	"github.com/metalagman/stepflow/internal/store"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func researchStep() graph.StepContract {
	return graph.StepContract{
		StepID:     "research",
		Executor:   graph.ExecutorReactive,
		Goal:       "Find sources about Go generics.",
		Invariants: []string{"len(sources)>=3", "confidence>=0.7"},
		Inputs: graph.Inputs{
			Required: []string{"topic"},
			Optional: []string{"research.notes", "style"},
		},
		OutputsSchema: graph.OutputsSchema{
			{Name: "sources", Hint: "array<{url,title}>"},
			{Name: "summary", Hint: "string"},
			{Name: "confidence", Hint: "number 0..1"},
		},
	}
}

func TestRender_Golden(t *testing.T) {
	t.Parallel()

	st := store.New()
	st.Write("topic", "Go generics")
	st.Write("research.notes", []string{"a<b"})

	system, user, err := RenderTranscript(researchStep(), st, RenderOptions{HandleField: DefaultHandleField})
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "render_research", []byte("--- system ---\n"+system+"\n--- user ---\n"+user+"\n"))
}

func TestRenderTranscript_HidesIntentSuffix(t *testing.T) {
	t.Parallel()

	step := researchStep()
	step.Invariants = []string{"len(sources)>=3 => deepen_search", `eq(route, "a=>b")`}
	system, _, err := RenderTranscript(step, store.New(), RenderOptions{})
	require.NoError(t, err)
	assert.Contains(t, system, `You MUST satisfy invariants: len(sources)>=3; eq(route, "a=>b")`+"\n")
	assert.NotContains(t, system, "deepen_search")
}

func TestRender_NoInvariantsNoHandle(t *testing.T) {
	t.Parallel()

	step := contract("plain", "answer")
	system, user, err := RenderTranscript(step, store.New(), RenderOptions{})
	require.NoError(t, err)

	assert.Contains(t, system, "You MUST satisfy invariants: none")
	assert.Contains(t, system, "Output strictly as JSON matching outputs_schema keys: answer")
	assert.Equal(t, "INPUTS:\n\nINSTRUCTIONS:\n"+
		"- If you need external info, propose tool calls via function-calling.\n"+
		"- Otherwise, return JSON with exactly the required fields.\n\n"+
		"SCHEMA HINTS:\n{\n  \"answer\": \"string\"\n}", user)
}
