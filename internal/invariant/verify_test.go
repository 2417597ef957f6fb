package invariant

import (
	"testing"

	"github.com/metalagman/stepflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Forms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr   string
		want   Predicate
		intent string
	}{
		{
			expr:   "len(sources)>=3",
			want:   LenAtLeast{Label: Label{Source: "len(sources)>=3", BranchIntent: IntentDeepenSearch}, Field: "sources", N: 3},
			intent: IntentDeepenSearch,
		},
		{
			expr:   "exists(notes)",
			want:   Exists{Label: Label{Source: "exists(notes)", BranchIntent: IntentFillMissing}, Field: "notes"},
			intent: IntentFillMissing,
		},
		{
			expr:   "confidence >= 0.75",
			want:   ConfidenceAtLeast{Label: Label{Source: "confidence >= 0.75", BranchIntent: IntentDeepenSearch}, N: 0.75},
			intent: IntentDeepenSearch,
		},
		{
			expr:   `eq(status, "done") => recheck`,
			want:   Eq{Label: Label{Source: `eq(status, "done")`, BranchIntent: "recheck"}, Field: "status", Value: "done"},
			intent: "recheck",
		},
		{
			expr:   `eq(route, "a=>b")`,
			want:   Eq{Label: Label{Source: `eq(route, "a=>b")`, BranchIntent: IntentReconcile}, Field: "route", Value: "a=>b"},
			intent: IntentReconcile,
		},
		{
			expr:   `eq(route, "a=>b") => reroute`,
			want:   Eq{Label: Label{Source: `eq(route, "a=>b")`, BranchIntent: "reroute"}, Field: "route", Value: "a=>b"},
			intent: "reroute",
		},
		{
			expr:   "sources are good",
			want:   Unknown{Label: Label{Source: "sources are good"}},
			intent: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			got := Parse(tt.expr)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.intent, got.Intent())
		})
	}
}

func TestVerify_LenAtLeast(t *testing.T) {
	t.Parallel()

	preds := ParseAll([]string{"len(sources)>=3"})

	s := store.New()
	s.Write("research.sources", []any{"a", "b"})
	v := Verify("research", preds, s)
	assert.False(t, v.Pass)
	assert.Equal(t, IntentDeepenSearch, v.Intent)
	assert.Equal(t, "len(sources)>=3", v.Reason)

	s.Write("research.sources", []any{"a", "b", "c"})
	v = Verify("research", preds, s)
	assert.True(t, v.Pass)
	assert.Empty(t, v.Intent)
}

func TestVerify_FirstFailureWins(t *testing.T) {
	t.Parallel()

	s := store.New()
	s.Write("step.sources", []string{"a", "b", "c"})
	s.Write("step.confidence", 0.5)

	v := Verify("step", ParseAll([]string{"len(sources)>=3", "exists(summary) => fill", "confidence>=0.75"}), s)
	require.False(t, v.Pass)
	assert.Equal(t, "fill", v.Intent)
	assert.Equal(t, "exists(summary)", v.Reason)
}

func TestVerify_ConfidenceAndEq(t *testing.T) {
	t.Parallel()

	s := store.New()
	s.Write("step.confidence", 0.8)
	s.Write("step.meta", map[string]any{"count": 2})

	v := Verify("step", ParseAll([]string{"confidence>=0.75", `eq(meta, {"count": 2})`}), s)
	assert.True(t, v.Pass)

	s.Write("step.confidence", "0.1")
	v = Verify("step", ParseAll([]string{"confidence>=0.75"}), s)
	assert.False(t, v.Pass)
}

func TestVerify_UnscopedFallback(t *testing.T) {
	t.Parallel()

	s := store.New()
	s.Write("topic", "go")

	assert.True(t, Verify("step", ParseAll([]string{"exists(topic)"}), s).Pass)
	assert.False(t, Verify("step", ParseAll([]string{"exists(other)"}), s).Pass)
}

func TestVerify_UnknownPassesAndIsReported(t *testing.T) {
	t.Parallel()

	v := Verify("step", ParseAll([]string{"looks right"}), store.New())
	assert.True(t, v.Pass)
	assert.Equal(t, []string{"looks right"}, v.Unrecognized)
	assert.True(t, IsUnknown(Parse("looks right")))
}
