package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/metalagman/stepflow/internal/graph"
	"github.com/metalagman/stepflow/internal/oracle"
	"github.com/metalagman/stepflow/internal/store"
	"github.com/metalagman/stepflow/internal/tools/inject"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executed(sum Summary) []string {
	out := make([]string, 0, len(sum.Steps))
	for _, s := range sum.Steps {
		out = append(out, s.StepID)
	}
	return out
}

func TestRun_TopologicalOrderAndInputs(t *testing.T) {
	t.Parallel()

	a := contract("a", "out")
	b := contract("b", "out")
	b.Inputs.Required = []string{"a.out"}
	g := compiled(t, []graph.StepContract{b, a}, []graph.Edge{{From: "a", To: "b"}})

	o := newRoutedOracle().
		on("a", content(`{"out":"from a"}`)).
		on("b", content(`{"out":"from b"}`))
	rec := &memRecorder{}
	sink := newMemSink()

	sum, err := New(o, nil, testOptions(), WithRecorder(rec), WithSink(sink)).Run(context.Background(), g, store.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, sum.Order)
	assert.Equal(t, []string{"a", "b"}, executed(sum))

	bReq := o.requestsFor("b")
	require.Len(t, bReq, 1)
	assert.Contains(t, bReq[0].Messages[1].Content, `- a.out: "from a"`)

	require.Len(t, rec.steps, 2)
	assert.Equal(t, StatusOK, rec.steps[1].Status)
	assert.Equal(t, 2, rec.steps[1].Index)
	assert.True(t, sink.has("graph.json"))

	last, ok := sum.Last()
	require.True(t, ok)
	assert.Equal(t, "b", last.StepID)
}

func TestRun_SchedulingErrorStartsNothing(t *testing.T) {
	t.Parallel()

	g := compiled(t, []graph.StepContract{contract("a", "x"), contract("b", "x")},
		[]graph.Edge{{From: "a", To: "b"}, {From: "b", To: "a"}})
	o := newRoutedOracle()

	_, err := New(o, nil, testOptions()).Run(context.Background(), g, store.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrNotOrderable)
	assert.Empty(t, o.requests)
}

func TestRun_OracleFailureHaltsRun(t *testing.T) {
	t.Parallel()

	g := compiled(t, []graph.StepContract{contract("a", "x"), contract("b", "x"), contract("c", "x")},
		[]graph.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}})
	o := newRoutedOracle().on("a", content(`{"x":1}`))
	rec := &memRecorder{}
	st := store.New()

	sum, err := New(o, nil, testOptions(), WithRecorder(rec)).Run(context.Background(), g, st)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOracle)
	assert.Equal(t, []string{"a"}, executed(sum))
	require.Len(t, rec.steps, 2)
	assert.Equal(t, StatusFailed, rec.steps[1].Status)
	// Already written values stay.
	assert.True(t, st.Exists("a.x"))
}

func researchGraph(t *testing.T, mutate func(*graph.StepContract)) graph.StepGraph {
	t.Helper()
	research := contract("research", "sources", "confidence")
	research.Invariants = []string{"len(sources)>=3"}
	if mutate != nil {
		mutate(&research)
	}
	return compiled(t, []graph.StepContract{research, contract("write", "text")},
		[]graph.Edge{{From: "research", To: "write"}})
}

func TestRun_BranchesOnFailedInvariant(t *testing.T) {
	t.Parallel()

	o := newRoutedOracle().
		on("research", content(`{"sources":["a","b"],"confidence":0.9}`)).
		on("search_more", content(`{"sources":["a","b","c"],"confidence":0.8,"notes":"more"}`)).
		on("write", content(`{"text":"t"}`))
	rec := &memRecorder{}

	sum, err := New(o, nil, testOptions(), WithRecorder(rec)).Run(context.Background(), researchGraph(t, nil), store.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"research", "search_more", "write"}, executed(sum))
	assert.Equal(t, "research/deepen_search/search_more", sum.Steps[1].Scope)
	assert.Equal(t, 1, sum.Branches)
	assert.Contains(t, rec.eventTypes(), EventBranch)
}

func TestRun_BranchPolicies(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*graph.StepContract){
		"halt": func(s *graph.StepContract) {
			s.FailurePolicy = &graph.FailurePolicy{OnFail: graph.OnFailHalt}
		},
		"intent not allowed": func(s *graph.StepContract) {
			s.AllowedBranchIntents = []string{"fill_missing"}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			o := newRoutedOracle().
				on("research", content(`{"sources":["a"],"confidence":0.9}`)).
				on("write", content(`{"text":"t"}`))

			sum, err := New(o, nil, testOptions()).Run(context.Background(), researchGraph(t, mutate), store.New())
			require.NoError(t, err)
			assert.Equal(t, []string{"research", "write"}, executed(sum))
			assert.Zero(t, sum.Branches)
		})
	}
}

func TestRun_DepthCapSkipsNestedRemediation(t *testing.T) {
	t.Parallel()

	weak := content(`{"sources":["a"],"confidence":0.1}`)
	o := newRoutedOracle().
		on("research", weak).
		on("search_more", weak, weak, weak).
		on("write", content(`{"text":"t"}`))
	opts := testOptions()
	opts.MaxDepth = 2
	rec := &memRecorder{}

	sum, err := New(o, nil, opts, WithRecorder(rec)).Run(context.Background(), researchGraph(t, nil), store.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"research", "search_more", "search_more", "write"}, executed(sum))
	assert.Equal(t, "research/deepen_search/search_more/deepen_search/search_more", sum.Steps[2].Scope)
	assert.Len(t, sum.Skipped, 1)
	assert.Contains(t, rec.eventTypes(), EventDepthSkipped)
}

// proposeThenApply scripts a step that proposes a subgraph and then applies it.
func proposeThenApply(t *testing.T, args map[string]any, outputs map[string]any) []func(oracle.Request) oracle.Response {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return []func(oracle.Request) oracle.Response{
		toolCalls(oracle.ToolCall{ID: "p1", Name: inject.Name, Arguments: string(raw)}),
		func(req oracle.Request) oracle.Response {
			last := req.Messages[len(req.Messages)-1]
			var reply struct {
				Output struct {
					Handle   string   `json:"handle"`
					Approved bool     `json:"approved"`
					Issues   []string `json:"issues"`
				} `json:"output"`
			}
			if err := json.Unmarshal([]byte(last.Content), &reply); err != nil {
				return oracle.Response{Content: "bad reply"}
			}
			out := map[string]any{"apply_handle": reply.Output.Handle}
			for k, v := range outputs {
				out[k] = v
			}
			data, _ := json.Marshal(out)
			return oracle.Response{Content: string(data)}
		},
	}
}

func TestRun_AppliesProposalAfterAnchor(t *testing.T) {
	t.Parallel()

	g := compiled(t, []graph.StepContract{contract("gather", "summary"), contract("report", "text")},
		[]graph.Edge{{From: "gather", To: "report"}})
	o := newRoutedOracle().
		on("gather", proposeThenApply(t, map[string]any{
			"reason":       "need a cross-check",
			"attach_point": map[string]any{"mode": "after", "anchor_step": "gather"},
			"subgraph":     map[string]any{"steps": []any{map[string]any{"id": "Cross Check"}}},
		}, map[string]any{"summary": "s"})...).
		on("cross_check", content(`{"result":"checked"}`)).
		on("report", content(`{"text":"done"}`))
	rec := &memRecorder{}
	sink := newMemSink()

	e := New(o, registry(t, inject.New(inject.Options{})), testOptions(), WithRecorder(rec), WithSink(sink))
	sum, err := e.Run(context.Background(), g, store.New())
	require.NoError(t, err)

	assert.Equal(t, []string{"gather", "cross_check", "report"}, executed(sum))
	assert.True(t, strings.HasPrefix(sum.Steps[1].Scope, "gather/"+inject.HandlePrefix))
	assert.Equal(t, 1, sum.Patches)
	assert.Contains(t, sum.Graph.Edges, graph.Edge{From: "gather", To: "cross_check"})
	assert.Contains(t, sum.Graph.Edges, graph.Edge{From: "gather", To: "report"})
	assert.Contains(t, rec.eventTypes(), EventPatchApplied)

	// The proposal tool was offered and the handle instruction rendered.
	gatherReq := o.requestsFor("gather")[0]
	assert.Equal(t, inject.Name, gatherReq.Tools[0].Name)
	assert.Contains(t, gatherReq.Messages[1].Content, `"apply_handle"`)
}

func TestRun_ReplaceRemovesFutureAnchor(t *testing.T) {
	t.Parallel()

	g := compiled(t, []graph.StepContract{contract("gather", "summary"), contract("report", "text"), contract("publish", "url")},
		[]graph.Edge{{From: "gather", To: "report"}, {From: "report", To: "publish"}})
	o := newRoutedOracle().
		on("gather", proposeThenApply(t, map[string]any{
			"reason":       "better report",
			"attach_point": map[string]any{"mode": "replace", "anchor_step": "report"},
			"subgraph":     map[string]any{"steps": []any{map[string]any{"id": "final"}}},
		}, map[string]any{"summary": "s"})...).
		on("final", content(`{"result":"r"}`)).
		on("publish", content(`{"url":"u"}`))

	sum, err := New(o, registry(t, inject.New(inject.Options{})), testOptions()).Run(context.Background(), g, store.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"gather", "final", "publish"}, executed(sum))
	assert.False(t, sum.Graph.Has("report"))
	assert.ElementsMatch(t, []graph.Edge{{From: "gather", To: "final"}, {From: "final", To: "publish"}}, sum.Graph.Edges)
	assert.Empty(t, o.requestsFor("report"))
}

func TestRun_InjectedStepPatchesHostGraph(t *testing.T) {
	t.Parallel()

	g := compiled(t, []graph.StepContract{contract("gather", "summary"), contract("report", "text")},
		[]graph.Edge{{From: "gather", To: "report"}})
	o := newRoutedOracle().
		on("gather", proposeThenApply(t, map[string]any{
			"reason":       "need a cross-check",
			"attach_point": map[string]any{"mode": "after", "anchor_step": "gather"},
			"subgraph":     map[string]any{"steps": []any{map[string]any{"id": "xcheck"}}},
		}, map[string]any{"summary": "s"})...).
		on("xcheck", proposeThenApply(t, map[string]any{
			"reason":       "polish before reporting",
			"attach_point": map[string]any{"mode": "before", "anchor_step": "report"},
			"subgraph":     map[string]any{"steps": []any{map[string]any{"id": "polish"}}},
		}, map[string]any{"result": "ok"})...).
		on("polish", content(`{"result":"polished"}`)).
		on("report", content(`{"text":"done"}`))
	rec := &memRecorder{}
	sink := newMemSink()

	sum, err := New(o, registry(t, inject.New(inject.Options{})), testOptions(), WithRecorder(rec), WithSink(sink)).
		Run(context.Background(), g, store.New())
	require.NoError(t, err)

	assert.Equal(t, []string{"gather", "xcheck", "polish", "report"}, executed(sum))
	assert.Equal(t, 2, sum.Patches)
	assert.True(t, sum.Graph.Has("xcheck"))
	assert.True(t, sum.Graph.Has("polish"))
	assert.Contains(t, sum.Graph.Edges, graph.Edge{From: "polish", To: "report"})
	assert.NotContains(t, rec.eventTypes(), EventPatchError)
}

func TestRun_CollidingProposalIsRecordedNotFatal(t *testing.T) {
	t.Parallel()

	g := compiled(t, []graph.StepContract{contract("gather", "summary"), contract("report", "text")},
		[]graph.Edge{{From: "gather", To: "report"}})
	o := newRoutedOracle().
		on("gather", proposeThenApply(t, map[string]any{
			"reason":       "dup",
			"attach_point": map[string]any{"mode": "after", "anchor_step": "gather"},
			"subgraph":     map[string]any{"steps": []any{map[string]any{"id": "report"}}},
		}, map[string]any{"summary": "s"})...).
		on("report", content(`{"text":"done"}`))
	rec := &memRecorder{}
	sink := newMemSink()

	sum, err := New(o, registry(t, inject.New(inject.Options{})), testOptions(), WithRecorder(rec), WithSink(sink)).
		Run(context.Background(), g, store.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"gather", "report"}, executed(sum))
	assert.Zero(t, sum.Patches)
	assert.True(t, sink.has("gather/patch_error.json"))
	assert.Contains(t, rec.eventTypes(), EventPatchError)
}

func TestRun_UnapprovedProposalIsNotApplied(t *testing.T) {
	t.Parallel()

	g := compiled(t, []graph.StepContract{contract("gather", "summary")}, nil)
	o := newRoutedOracle().
		on("gather", proposeThenApply(t, map[string]any{
			"attach_point": map[string]any{"mode": "after", "anchor_step": "gather"},
			"subgraph":     map[string]any{"steps": []any{map[string]any{"id": "x"}}},
		}, map[string]any{"summary": "s"})...)

	sum, err := New(o, registry(t, inject.New(inject.Options{})), testOptions()).Run(context.Background(), g, store.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"gather"}, executed(sum))
	assert.Contains(t, sum.Steps[0].PatchError, "was not approved")
	assert.Contains(t, sum.Steps[0].PatchError, "reason missing")
}

func TestRun_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := compiled(t, []graph.StepContract{contract("a", "x")}, nil)
	_, err := New(newRoutedOracle(), nil, testOptions()).Run(ctx, g, store.New())
	assert.ErrorIs(t, err, context.Canceled)
}

func ExampleEngine_Run() {
	g, _ := graph.Compile(graph.New([]graph.StepContract{{
		StepID:        "greet",
		Executor:      graph.ExecutorReactive,
		Goal:          "Say hello.",
		OutputsSchema: graph.OutputsSchema{{Name: "greeting", Hint: "string"}},
	}}, nil))
	o := oracle.Func(func(context.Context, oracle.Request) (oracle.Response, error) {
		return oracle.Response{Content: `{"greeting":"hello"}`}, nil
	})
	st := store.New()
	if _, err := New(o, nil, DefaultOptions()).Run(context.Background(), g, st); err != nil {
		fmt.Println(err)
		return
	}
	v, _ := st.Read("greet.greeting")
	fmt.Println(v)
	// Output: hello
}
