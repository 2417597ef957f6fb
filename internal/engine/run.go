package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/metalagman/stepflow/internal/graph"
	"github.com/metalagman/stepflow/internal/store"
	"github.com/rs/zerolog/log"
)

// Frame kinds.
const (
	FrameRoot     = "root"
	FrameBranch   = "branch"
	FrameInjected = "injected"
)

// frame is one pending graph on the execution stack.
type frame struct {
	kind     string
	label    string
	graph    graph.StepGraph
	queue    []string
	executed map[string]bool
	depth    int
	// host is the frame whose graph holds this injected frame's steps.
	host *frame
}

func (f *frame) pop() (string, bool) {
	for len(f.queue) > 0 {
		id := f.queue[0]
		f.queue = f.queue[1:]
		if !f.executed[id] {
			return id, true
		}
	}
	return "", false
}

// Summary reports what a run did.
type Summary struct {
	RunID    string
	Order    []string
	Steps    []StepResult
	Branches int
	Patches  int
	Skipped  []string
	// Graph is the root graph after all applied patches.
	Graph graph.StepGraph
}

// Last returns the result of the last executed root step.
func (s Summary) Last() (StepResult, bool) {
	for i := len(s.Steps) - 1; i >= 0; i-- {
		if s.Steps[i].Scope == s.Steps[i].StepID {
			return s.Steps[i], true
		}
	}
	return StepResult{}, false
}

// Run executes g in topological order. Remediation branches and applied
// proposals run as nested frames before the rest of the enclosing graph.
// Compiler, scheduler, oracle and iteration budget errors stop the run.
func (e *Engine) Run(ctx context.Context, g graph.StepGraph, st *store.Store) (Summary, error) {
	order, err := graph.TopologicalOrder(g)
	if err != nil {
		return Summary{}, fmt.Errorf("schedule graph: %w", err)
	}
	sum := Summary{RunID: e.opts.RunID, Order: order}
	root := &frame{kind: FrameRoot, graph: g.Clone(), queue: order, executed: make(map[string]bool)}
	stack := []*frame{root}
	index := 0

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			sum.Graph = root.graph
			return sum, err
		}
		top := stack[len(stack)-1]
		id, ok := top.pop()
		if !ok {
			e.write(top.label, "graph.json", top.graph)
			stack = stack[:len(stack)-1]
			continue
		}

		step := top.graph.Steps[id]
		scope := joinScope(top.label, id)
		index++
		e.reporter.StepStarted(scope, index, index+pending(stack), step.Goal)
		log.Info().Str("run_id", e.opts.RunID).Str("step_id", id).Int("depth", top.depth).Str("frame", top.kind).Msg("step started")

		started := time.Now()
		res, err := e.RunStep(ctx, step, st, scope)
		e.finishStep(ctx, index, res, step, scope, started, err)
		if err != nil {
			sum.Graph = root.graph
			return sum, err
		}
		top.executed[id] = true
		sum.Steps = append(sum.Steps, res)
		e.reporter.StepFinished(scope, res.Written)

		var nested []*frame
		if injected := e.applyProposal(ctx, top, res, scope); injected != nil {
			sum.Patches++
			nested = append(nested, injected)
		}
		if br, err := e.branch(ctx, top, step, res, scope); err != nil {
			sum.Graph = root.graph
			return sum, err
		} else if br != nil {
			sum.Branches++
			nested = append(nested, br)
		}

		for _, f := range nested {
			if f.depth > e.opts.MaxDepth {
				msg := fmt.Sprintf("%s: skipping %s frame at depth %d", scope, f.kind, f.depth)
				log.Warn().Err(ErrDepthExceeded).Str("step_id", id).Int("depth", f.depth).Int("max_depth", e.opts.MaxDepth).Msg("nested graph skipped")
				e.reporter.Warn(msg)
				e.event(ctx, EventDepthSkipped, scope, msg, map[string]any{"kind": f.kind, "depth": f.depth})
				sum.Skipped = append(sum.Skipped, f.label)
				continue
			}
			stack = append(stack, f)
		}
	}

	sum.Graph = root.graph
	return sum, nil
}

// applyProposal splices an approved proposal into the graph holding the current
// step and returns a frame running the injected steps. Steps of an injected
// frame live in their host's graph, so their patches land there too.
// Failures are recorded and not fatal.
func (e *Engine) applyProposal(ctx context.Context, f *frame, res StepResult, scope string) *frame {
	if res.Proposal == nil {
		if res.PatchError != "" {
			e.metrics.Patch("rejected")
			e.event(ctx, EventPatchError, scope, res.PatchError, nil)
		}
		return nil
	}
	p := *res.Proposal

	fail := func(err error) *frame {
		log.Warn().Err(err).Str("handle", p.Handle).Str("scope", scope).Msg("patch rejected")
		e.write(scope, "patch_error.json", map[string]any{"handle": p.Handle, "error": err.Error()})
		e.metrics.Patch("rejected")
		e.event(ctx, EventPatchError, scope, err.Error(), map[string]any{"handle": p.Handle})
		return nil
	}

	if f.depth+1 > e.opts.MaxDepth {
		return fail(fmt.Errorf("apply %s: %w", p.Handle, ErrDepthExceeded))
	}
	subOrder, err := graph.TopologicalOrder(p.Patch.Subgraph)
	if err != nil {
		return fail(fmt.Errorf("schedule subgraph %s: %w", p.Handle, err))
	}
	target := f
	if f.host != nil {
		target = f.host
	}
	patched, err := graph.ApplyPatch(target.graph, p.Patch)
	if err != nil {
		return fail(fmt.Errorf("apply %s: %w", p.Handle, err))
	}
	order, err := graph.TopologicalOrder(patched)
	if err != nil {
		return fail(fmt.Errorf("schedule patched graph: %w", err))
	}

	for _, id := range subOrder {
		target.executed[id] = true
	}
	target.graph = patched
	target.queue = target.queue[:0:0]
	for _, id := range order {
		if !target.executed[id] {
			target.queue = append(target.queue, id)
		}
	}
	if target != f {
		f.queue = reschedule(f.queue, order, patched)
	}

	e.metrics.Patch("applied")
	e.event(ctx, EventPatchApplied, scope, fmt.Sprintf("applied %s (%s %s)", p.Handle, p.Patch.Mode, p.Patch.AnchorStep),
		map[string]any{"handle": p.Handle, "mode": p.Patch.Mode, "anchor_step": p.Patch.AnchorStep, "steps": subOrder})
	log.Info().Str("handle", p.Handle).Str("mode", string(p.Patch.Mode)).Str("anchor", p.Patch.AnchorStep).Strs("steps", subOrder).Msg("patch applied")

	return &frame{
		kind:     FrameInjected,
		label:    joinScope(scope, p.Handle),
		graph:    p.Patch.Subgraph.Clone(),
		queue:    subOrder,
		executed: make(map[string]bool),
		depth:    f.depth + 1,
		host:     target,
	}
}

// reschedule keeps the queued ids still present in g, in the given order.
func reschedule(queue, order []string, g graph.StepGraph) []string {
	queued := make(map[string]bool, len(queue))
	for _, id := range queue {
		queued[id] = true
	}
	out := make([]string, 0, len(queue))
	for _, id := range order {
		if queued[id] && g.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

// branch returns the remediation frame for a failed verdict, if any.
func (e *Engine) branch(ctx context.Context, f *frame, step graph.StepContract, res StepResult, scope string) (*frame, error) {
	v := res.Verdict
	if v.Pass || v.Intent == "" {
		return nil, nil
	}
	if step.Halts() {
		log.Info().Str("step_id", step.StepID).Str("reason", v.Reason).Msg("invariant failed, remediation disabled by policy")
		return nil, nil
	}
	if !step.AllowsIntent(v.Intent) {
		log.Info().Str("step_id", step.StepID).Str("intent", v.Intent).Msg("invariant failed, intent not allowed")
		return nil, nil
	}
	sub, err := e.branches.Branch(v.Intent, step)
	if err != nil {
		return nil, fmt.Errorf("branch %s for %s: %w", v.Intent, step.StepID, err)
	}
	if sub.Len() == 0 {
		return nil, nil
	}

	e.metrics.Branch(v.Intent)
	e.reporter.Warn(fmt.Sprintf("%s: invariant %q failed, branching %s", scope, v.Reason, v.Intent))
	e.event(ctx, EventBranch, scope, v.Reason, map[string]any{"intent": v.Intent, "steps": sub.IDs()})
	return &frame{
		kind:     FrameBranch,
		label:    joinScope(scope, v.Intent),
		graph:    sub,
		queue:    sub.IDs(),
		executed: make(map[string]bool),
		depth:    f.depth + 1,
	}, nil
}

func (e *Engine) finishStep(ctx context.Context, index int, res StepResult, step graph.StepContract, scope string, started time.Time, runErr error) {
	ended := time.Now()
	status := StatusOK
	summary := fmt.Sprintf("wrote %d field(s)", len(res.Written))
	if runErr != nil {
		status = StatusFailed
		summary = runErr.Error()
	} else if !res.Verdict.Pass {
		summary += "; invariant failed: " + res.Verdict.Reason
	}
	e.metrics.StepFinished(status, ended.Sub(started))
	rec := StepRecord{
		RunID:      e.opts.RunID,
		Index:      index,
		StepID:     step.StepID,
		Scope:      scope,
		Status:     status,
		Iterations: res.Iterations,
		ToolCalls:  res.ToolCalls,
		StartedAt:  started,
		EndedAt:    ended,
		Summary:    summary,
	}
	if err := e.recorder.RecordStep(ctx, rec); err != nil {
		log.Warn().Err(err).Str("step_id", step.StepID).Msg("record step")
	}
}

func pending(stack []*frame) int {
	n := 0
	for _, f := range stack {
		for _, id := range f.queue {
			if !f.executed[id] {
				n++
			}
		}
	}
	return n
}
