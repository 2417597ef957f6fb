// Package metrics exposes prometheus instruments for runs. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stepflow"

// Tool call outcomes.
const (
	ToolOK      = "ok"
	ToolError   = "error"
	ToolCached  = "cached"
	ToolBudget  = "budget_exceeded"
	ToolUnknown = "unknown"
)

// Collector groups the run instruments behind a private registry.
type Collector struct {
	registry *prometheus.Registry

	steps        *prometheus.CounterVec
	stepDuration prometheus.Histogram
	oracleCalls  *prometheus.CounterVec
	oracleTokens prometheus.Counter
	toolCalls    *prometheus.CounterVec
	branches     *prometheus.CounterVec
	patches      *prometheus.CounterVec
	nudges       prometheus.Counter
}

// New creates a collector with process and Go runtime collectors registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Executed steps by final status.",
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of a single step execution.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		oracleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_calls_total",
			Help:      "Oracle completions by outcome.",
		}, []string{"outcome"}),
		oracleTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_tokens_total",
			Help:      "Total tokens reported by the oracle.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool call requests by tool and outcome.",
		}, []string{"tool", "outcome"}),
		branches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branches_total",
			Help:      "Remediation branches triggered by failed invariants.",
		}, []string{"intent"}),
		patches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patches_total",
			Help:      "Subgraph patch applications by outcome.",
		}, []string{"outcome"}),
		nudges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "json_nudges_total",
			Help:      "Corrective re-prompts after non-JSON oracle output.",
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.steps, c.stepDuration, c.oracleCalls, c.oracleTokens, c.toolCalls, c.branches, c.patches, c.nudges,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) StepFinished(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.steps.WithLabelValues(status).Inc()
	c.stepDuration.Observe(d.Seconds())
}

func (c *Collector) OracleCall(err error, totalTokens int) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.oracleCalls.WithLabelValues(outcome).Inc()
	if totalTokens > 0 {
		c.oracleTokens.Add(float64(totalTokens))
	}
}

func (c *Collector) ToolCall(tool, outcome string) {
	if c == nil {
		return
	}
	c.toolCalls.WithLabelValues(tool, outcome).Inc()
}

func (c *Collector) Branch(intent string) {
	if c == nil {
		return
	}
	c.branches.WithLabelValues(intent).Inc()
}

func (c *Collector) Patch(outcome string) {
	if c == nil {
		return
	}
	c.patches.WithLabelValues(outcome).Inc()
}

func (c *Collector) Nudge() {
	if c == nil {
		return
	}
	c.nudges.Inc()
}
