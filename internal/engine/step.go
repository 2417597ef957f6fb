package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/metalagman/stepflow/internal/graph"
	"github.com/metalagman/stepflow/internal/invariant"
	"github.com/metalagman/stepflow/internal/metrics"
	"github.com/metalagman/stepflow/internal/oracle"
	"github.com/metalagman/stepflow/internal/store"
	"github.com/metalagman/stepflow/internal/tools"
	"github.com/metalagman/stepflow/internal/tools/inject"
	"github.com/rs/zerolog/log"
)

// StepResult describes a finished step.
type StepResult struct {
	StepID     string
	Scope      string
	Outputs    map[string]any
	Written    []string
	Iterations int
	ToolCalls  int
	Tokens     int
	Attempts   int
	Verdict    invariant.Verdict
	// Proposal is the approved proposal the output asked to apply.
	Proposal *graph.Proposal
	// PatchError explains why a requested handle was not applied.
	PatchError string
}

const proposalTool = inject.Name

// attempt holds the state of a single negotiation.
type attempt struct {
	step      graph.StepContract
	scope     string
	prefix    string
	ceiling   int
	executed  int
	tokens    int
	overrun   bool
	cache     map[string]tools.Result
	proposals map[string]graph.Proposal
}

// RunStep negotiates one step until it produces output, then writes the declared
// fields and verifies the step's invariants. Nested execution is left to the caller.
func (e *Engine) RunStep(ctx context.Context, step graph.StepContract, st *store.Store, scope string) (StepResult, error) {
	if step.Executor != "" && step.Executor != graph.ExecutorReactive {
		return StepResult{}, fmt.Errorf("run step %s: %w: %s", step.StepID, ErrUnsupportedExecutor, step.Executor)
	}
	if scope == "" {
		scope = step.StepID
	}

	retries := step.Retries()
	for n := 0; ; n++ {
		res, err := e.negotiate(ctx, step, st, scope, n)
		res.Attempts = n + 1
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrIterationBudget) || n >= retries {
			return res, err
		}
		log.Warn().Str("run_id", e.opts.RunID).Str("step_id", step.StepID).Int("attempt", n+1).Msg("iteration budget exhausted, retrying step")
		e.reporter.Warn(fmt.Sprintf("%s: retry %d/%d", scope, n+1, retries))
		e.event(ctx, EventRetry, scope, "iteration budget exhausted", map[string]any{"attempt": n + 1})
	}
}

func (e *Engine) negotiate(ctx context.Context, step graph.StepContract, st *store.Store, scope string, n int) (StepResult, error) {
	renderOpts := RenderOptions{}
	if e.tools.Has(proposalTool) {
		renderOpts.HandleField = e.opts.HandleField
	}
	system, user, err := RenderTranscript(step, st, renderOpts)
	if err != nil {
		return StepResult{}, fmt.Errorf("render step %s: %w", step.StepID, err)
	}

	a := &attempt{
		step:      step,
		scope:     scope,
		ceiling:   e.opts.MaxToolExec,
		cache:     make(map[string]tools.Result),
		proposals: make(map[string]graph.Proposal),
	}
	if n > 0 {
		a.prefix = fmt.Sprintf("retry_%d_", n)
	}
	if step.ToolBudget != nil && step.ToolBudget.Calls > 0 {
		a.ceiling = step.ToolBudget.Calls
	}

	tr := NewTranscript(system, user)
	defs := e.tools.Definitions()
	res := StepResult{StepID: step.StepID, Scope: scope}

	for i := 0; i < e.opts.MaxIterations; i++ {
		res.Iterations = i + 1
		e.reporter.Iteration(scope, i+1, "thinking")

		req := oracle.Request{
			Model:          e.opts.Model,
			Messages:       Repair(tr.Messages()),
			Tools:          defs,
			Temperature:    e.opts.Temperature,
			MaxTokens:      e.opts.MaxTokens,
			ResponseFormat: oracle.JSONObject,
		}
		if len(defs) > 0 {
			req.ToolChoice = "auto"
		}
		e.write(scope, fmt.Sprintf("%siter_%d_request.json", a.prefix, i), req)

		resp, err := e.oracle.Complete(ctx, req)
		e.metrics.OracleCall(err, usageTotal(resp.Usage))
		if err != nil {
			return res, fmt.Errorf("complete step %s: %w: %w", step.StepID, ErrOracle, err)
		}
		e.write(scope, fmt.Sprintf("%siter_%d_response.json", a.prefix, i), resp)
		e.trackTokens(ctx, a, resp.Usage)
		res.Tokens = a.tokens

		if len(resp.ToolCalls) > 0 {
			names := make([]string, 0, len(resp.ToolCalls))
			for _, c := range resp.ToolCalls {
				names = append(names, c.Name)
			}
			e.reporter.Iteration(scope, i+1, "tool_call -> "+strings.Join(names, ", "))

			tr.Append(e.dispatch(ctx, a, resp))
			res.ToolCalls = a.executed
			e.reporter.Iteration(scope, i+1, "consuming tool results")
			continue
		}

		parsed, ok := parseObject(resp.Content)
		if !ok {
			e.reporter.Iteration(scope, i+1, "nudge: enforce JSON")
			e.metrics.Nudge()
			tr.Append(AssistantEntry{Content: resp.Content}, UserEntry{Content: NudgeMessage})
			continue
		}

		res.Outputs = parsed
		for _, field := range step.OutputsSchema.Names() {
			if v, present := parsed[field]; present {
				st.Write(step.StepID+"."+field, v)
				res.Written = append(res.Written, field)
			}
		}
		e.write(scope, a.prefix+"outputs.json", parsed)
		log.Debug().Str("run_id", e.opts.RunID).Str("step_id", step.StepID).Int("iteration", i+1).Strs("written", res.Written).Msg("step outputs written")

		e.resolveHandle(a, parsed, &res)

		res.Verdict = invariant.Verify(step.StepID, step.PredicateList(), st)
		if len(res.Verdict.Unrecognized) > 0 {
			log.Warn().Str("step_id", step.StepID).Strs("invariants", res.Verdict.Unrecognized).Msg("unrecognized invariants treated as passing")
		}
		e.write(scope, a.prefix+"verdict.json", res.Verdict)
		return res, nil
	}

	return res, fmt.Errorf("exceeded max iterations for step %s: %w", step.StepID, ErrIterationBudget)
}

// dispatch answers every call of a tool round, in order.
func (e *Engine) dispatch(ctx context.Context, a *attempt, resp oracle.Response) *ToolRound {
	calls := make([]oracle.ToolCall, len(resp.ToolCalls))
	for i, c := range resp.ToolCalls {
		if c.ID == "" {
			c.ID = "call_" + uuid.NewString()
		}
		if strings.TrimSpace(c.Arguments) == "" {
			c.Arguments = "{}"
		}
		calls[i] = c
	}
	round := &ToolRound{Content: resp.Content, Calls: calls}

	for i, call := range calls {
		e.reporter.ToolCall(a.scope, call.Name, call.Arguments)
		sig := call.Name + "::" + resp.ToolCalls[i].Arguments

		var result tools.Result
		switch cached, seen := a.cache[sig]; {
		case seen:
			result = cached
			result.Note = tools.NoteReused
			e.metrics.ToolCall(call.Name, metrics.ToolCached)
		case a.executed >= a.ceiling:
			result = tools.Failure(call.Name, tools.ErrBudgetExceeded)
			e.metrics.ToolCall(call.Name, metrics.ToolBudget)
			log.Warn().Str("step_id", a.step.StepID).Str("tool", call.Name).Int("ceiling", a.ceiling).Msg("tool budget exhausted")
		case !e.tools.Has(call.Name):
			result = tools.Failure(call.Name, tools.ErrUnknownTool)
			e.metrics.ToolCall(call.Name, metrics.ToolUnknown)
		default:
			result = e.tools.Invoke(ctx, call.Name, call.Arguments)
			a.executed++
			a.cache[sig] = result
			if p, ok := result.Output.(graph.Proposal); ok {
				a.proposals[p.Handle] = p
			}
			outcome := metrics.ToolOK
			if !result.OK {
				outcome = metrics.ToolError
			}
			e.metrics.ToolCall(call.Name, outcome)
			e.write(a.scope, fmt.Sprintf("%stool_%s_%s.json", a.prefix, call.Name, call.ID), map[string]any{
				"args":   rawArgs(call.Arguments),
				"result": result,
			})
			log.Debug().Str("step_id", a.step.StepID).Str("tool", call.Name).Bool("ok", result.OK).Msg("tool executed")
		}

		content, err := encodeJSON(result)
		if err != nil {
			content, _ = encodeJSON(tools.Failure(call.Name, err.Error()))
		}
		round.Reply(call, content)
	}
	return round
}

// resolveHandle picks up a proposal named in the output.
func (e *Engine) resolveHandle(a *attempt, parsed map[string]any, res *StepResult) {
	raw, present := parsed[e.opts.HandleField]
	if !present || raw == nil {
		return
	}
	handle, isString := raw.(string)
	if isString && handle == "" {
		return
	}
	p, ok := a.proposals[handle]
	switch {
	case !isString:
		res.PatchError = fmt.Sprintf("invalid handle %v: %s must be a string", raw, e.opts.HandleField)
		log.Warn().Str("step_id", a.step.StepID).Interface("handle", raw).Msg(res.PatchError)
		e.write(a.scope, a.prefix+"patch_error.json", map[string]any{"handle": raw, "error": res.PatchError})
		return
	case !ok:
		res.PatchError = fmt.Sprintf("unknown handle %s", handle)
	case !p.Approved:
		res.PatchError = fmt.Sprintf("handle %s was not approved: %s", handle, strings.Join(p.Issues, "; "))
	default:
		res.Proposal = &p
		return
	}
	log.Warn().Str("step_id", a.step.StepID).Str("handle", handle).Msg(res.PatchError)
	e.write(a.scope, a.prefix+"patch_error.json", map[string]any{"handle": handle, "error": res.PatchError})
}

func (e *Engine) trackTokens(ctx context.Context, a *attempt, usage *oracle.Usage) {
	a.tokens += usageTotal(usage)
	b := a.step.ToolBudget
	if b == nil || b.Tokens <= 0 || a.overrun || a.tokens <= b.Tokens {
		return
	}
	a.overrun = true
	log.Warn().Str("step_id", a.step.StepID).Int("tokens", a.tokens).Int("budget", b.Tokens).Msg("token budget exceeded")
	e.event(ctx, EventTokenBudget, a.scope, "token budget exceeded", map[string]any{"tokens": a.tokens, "budget": b.Tokens})
}

func (e *Engine) write(scope, name string, v any) {
	if e.opts.RunID == "" {
		return
	}
	e.sink.Write(e.opts.RunID, scope, name, v)
}

func (e *Engine) event(ctx context.Context, typ, scope, msg string, data any) {
	ev := Event{RunID: e.opts.RunID, Type: typ, Scope: scope, Message: msg, Data: data}
	if err := e.recorder.RecordEvent(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event", typ).Msg("record event")
	}
}

// parseObject accepts a single JSON object, optionally inside a markdown code fence.
func parseObject(content string) (map[string]any, bool) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if s == "" {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil || out == nil {
		return nil, false
	}
	return out, true
}

func rawArgs(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func usageTotal(u *oracle.Usage) int {
	if u == nil {
		return 0
	}
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

func joinScope(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return path.Join(nonEmpty...)
}
