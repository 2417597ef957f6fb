// Package engine executes step graphs: it negotiates each step with the oracle,
// dispatches tool calls, verifies invariants and splices remediation and
// proposed subgraphs into the running graph.
//
// Execution is sequential. The store is written by one step at a time and is not locked.
package engine

import (
	"github.com/metalagman/stepflow/internal/branch"
	"github.com/metalagman/stepflow/internal/metrics"
	"github.com/metalagman/stepflow/internal/oracle"
	"github.com/metalagman/stepflow/internal/tools"
)

// DefaultHandleField is the output field naming a proposal to apply.
const DefaultHandleField = "apply_handle"

// Options holds per-run limits and decoding parameters.
type Options struct {
	Model         string
	RunID         string
	MaxIterations int
	MaxToolExec   int
	MaxDepth      int
	Temperature   float64
	MaxTokens     int
	HandleField   string
}

// DefaultOptions returns the stock limits.
func DefaultOptions() Options {
	return Options{
		MaxIterations: 8,
		MaxToolExec:   6,
		MaxDepth:      4,
		Temperature:   0.2,
		MaxTokens:     800,
		HandleField:   DefaultHandleField,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.MaxToolExec <= 0 {
		o.MaxToolExec = d.MaxToolExec
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = d.MaxDepth
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = d.MaxTokens
	}
	if o.HandleField == "" {
		o.HandleField = d.HandleField
	}
	return o
}

// Engine runs step graphs against an oracle and a tool registry.
type Engine struct {
	oracle   oracle.Oracle
	tools    *tools.Registry
	opts     Options
	branches *branch.Factory
	sink     Sink
	reporter Reporter
	recorder Recorder
	metrics  *metrics.Collector
}

// Option customizes an Engine.
type Option func(*Engine)

// WithBranchFactory replaces the remediation factory.
func WithBranchFactory(f *branch.Factory) Option {
	return func(e *Engine) { e.branches = f }
}

// WithSink sets the artifact sink.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithReporter sets the progress reporter.
func WithReporter(r Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// WithRecorder sets the run ledger.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine. A nil registry offers no tools.
func New(o oracle.Oracle, reg *tools.Registry, opts Options, extra ...Option) *Engine {
	if reg == nil {
		reg, _ = tools.NewRegistry()
	}
	e := &Engine{
		oracle:   o,
		tools:    reg,
		opts:     opts.withDefaults(),
		branches: branch.NewFactory(),
		sink:     nopSink{},
		reporter: NopReporter{},
		recorder: nopRecorder{},
	}
	for _, opt := range extra {
		opt(e)
	}
	return e
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}
