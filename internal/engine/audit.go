package engine

import (
	"context"
	"time"
)

// Sink stores audit artifacts. Writes are best effort and never read back during a run.
type Sink interface {
	Write(runID, scope, name string, v any)
}

// Recorder persists step outcomes and notable events, e.g. to the run ledger.
type Recorder interface {
	RecordStep(ctx context.Context, rec StepRecord) error
	RecordEvent(ctx context.Context, ev Event) error
}

// StepRecord summarizes one step execution.
type StepRecord struct {
	RunID      string
	Index      int
	StepID     string
	Scope      string
	Status     string
	Iterations int
	ToolCalls  int
	StartedAt  time.Time
	EndedAt    time.Time
	Summary    string
}

// Event types recorded during a run.
const (
	EventBranch       = "branch"
	EventPatchApplied = "patch_applied"
	EventPatchError   = "patch_error"
	EventDepthSkipped = "depth_skipped"
	EventRetry        = "retry"
	EventTokenBudget  = "token_budget"
)

// Event is a notable occurrence inside a run.
type Event struct {
	RunID   string
	Type    string
	Scope   string
	Message string
	Data    any
}

// Step statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

type nopSink struct{}

func (nopSink) Write(string, string, string, any) {}

type nopRecorder struct{}

func (nopRecorder) RecordStep(context.Context, StepRecord) error { return nil }
func (nopRecorder) RecordEvent(context.Context, Event) error     { return nil }
