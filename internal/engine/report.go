package engine

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Reporter receives human-facing progress. It is separate from structured logging.
type Reporter interface {
	StepStarted(scope string, index, total int, goal string)
	Iteration(scope string, iter int, phase string)
	ToolCall(scope, name, args string)
	StepFinished(scope string, written []string)
	Warn(msg string)
}

// NopReporter discards progress.
type NopReporter struct{}

func (NopReporter) StepStarted(string, int, int, string) {}
func (NopReporter) Iteration(string, int, string)        {}
func (NopReporter) ToolCall(string, string, string)      {}
func (NopReporter) StepFinished(string, []string)        {}
func (NopReporter) Warn(string)                          {}

// ReportOptions selects which progress lines are printed.
type ReportOptions struct {
	LogSteps bool
	LogTools bool
}

// ConsoleReporter prints styled progress lines.
type ConsoleReporter struct {
	w    io.Writer
	opts ReportOptions

	step  lipgloss.Style
	muted lipgloss.Style
	ok    lipgloss.Style
	tool  lipgloss.Style
	warn  lipgloss.Style
	iter  lipgloss.Style
}

const previewLimit = 140

// NewConsoleReporter creates a reporter writing to w.
func NewConsoleReporter(w io.Writer, opts ReportOptions) *ConsoleReporter {
	return &ConsoleReporter{
		w:     w,
		opts:  opts,
		step:  lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
		muted: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		tool:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		iter:  lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
	}
}

func (c *ConsoleReporter) StepStarted(scope string, index, total int, goal string) {
	if !c.opts.LogSteps {
		return
	}
	line := fmt.Sprintf("\n%s %d/%d %s", c.step.Render("▶ step"), index, total, scope)
	if goal = truncate(goal, 96); goal != "" {
		line += " " + c.muted.Render("- "+goal)
	}
	_, _ = fmt.Fprintln(c.w, line)
}

func (c *ConsoleReporter) Iteration(_ string, iter int, phase string) {
	if !c.opts.LogSteps {
		return
	}
	style := c.muted
	if strings.HasPrefix(phase, "tool_call") {
		style = c.iter
	}
	_, _ = fmt.Fprintln(c.w, style.Render(fmt.Sprintf("  iter %d - %s", iter, phase)))
}

func (c *ConsoleReporter) ToolCall(_ string, name, args string) {
	if !c.opts.LogTools {
		return
	}
	_, _ = fmt.Fprintln(c.w, c.tool.Render(fmt.Sprintf("    ↳ tool %s(%s)", name, truncate(args, previewLimit))))
}

func (c *ConsoleReporter) StepFinished(scope string, written []string) {
	if !c.opts.LogSteps {
		return
	}
	fields := "(none)"
	if len(written) > 0 {
		fields = strings.Join(written, ", ")
	}
	_, _ = fmt.Fprintln(c.w, c.ok.Render("  wrote: "+fields))
	_, _ = fmt.Fprintf(c.w, "%s %s\n", c.ok.Render("✓ done"), scope)
}

func (c *ConsoleReporter) Warn(msg string) {
	if !c.opts.LogSteps {
		return
	}
	_, _ = fmt.Fprintln(c.w, c.warn.Render("  ! "+msg))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
