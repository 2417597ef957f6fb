// Package cliexec implements the cli_exec tool.
package cliexec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/metalagman/stepflow/internal/oracle"
	"github.com/metalagman/stepflow/internal/tools"
)

// Name is the tool name offered to the oracle.
const Name = "cli_exec"

// Options configures the tool.
type Options struct {
	Shell          string
	DefaultTimeout time.Duration
	// Dir is used when the call does not set cwd.
	Dir string
}

// Tool runs shell commands.
type Tool struct {
	opts Options
}

// New creates the tool.
func New(opts Options) *Tool {
	if opts.Shell == "" {
		opts.Shell = "/bin/bash"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 15 * time.Second
	}
	return &Tool{opts: opts}
}

// Definition implements tools.Tool.
func (t *Tool) Definition() oracle.ToolDefinition {
	return oracle.ToolDefinition{
		Name:        Name,
		Description: "Run a shell command and return stdout, stderr and exit_code.",
		Parameters: tools.Parameters(map[string]string{
			"cmd":       "string (command to run)",
			"cwd":       "string (optional working directory)",
			"timeout_s": "number (optional, default 15)",
		}, "cmd"),
	}
}

// Invoke implements tools.Tool.
func (t *Tool) Invoke(ctx context.Context, args map[string]any) (tools.Result, error) {
	cmdline := strings.TrimSpace(tools.String(args, "cmd", ""))
	if cmdline == "" {
		return tools.Failure(Name, "cmd is required"), nil
	}

	timeout := t.opts.DefaultTimeout
	if s := tools.Number(args, "timeout_s", 0); s > 0 {
		timeout = time.Duration(s * float64(time.Second))
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.opts.Shell, "-c", cmdline)
	cmd.Dir = tools.String(args, "cwd", t.opts.Dir)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": 0,
	}
	if err == nil {
		return tools.Result{Name: Name, OK: true, Output: out}, nil
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		out["exit_code"] = "ETIMEDOUT"
		if stderr.Len() == 0 {
			out["stderr"] = "command timed out"
		}
	case errors.As(err, &exitErr):
		out["exit_code"] = exitErr.ExitCode()
	default:
		out["exit_code"] = "ERR"
		if stderr.Len() == 0 {
			out["stderr"] = err.Error()
		}
	}
	return tools.Result{Name: Name, OK: false, Output: out}, nil
}
