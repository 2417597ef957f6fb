// Package mcpbridge exposes tools from MCP servers through the tool registry.
package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/metalagman/stepflow/internal/oracle"
	"github.com/metalagman/stepflow/internal/tools"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
)

// Separator joins the server name and the remote tool name.
const Separator = "__"

// ServerConfig describes an MCP server started over stdio.
type ServerConfig struct {
	Name    string            `mapstructure:"name" json:"name"`
	Command string            `mapstructure:"command" json:"command"`
	Args    []string          `mapstructure:"args" json:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" json:"env,omitempty"`
}

// Bridge owns client sessions to MCP servers.
type Bridge struct {
	client *mcp.Client

	mu       sync.Mutex
	sessions map[string]*mcp.ClientSession
	order    []string
}

// New creates a bridge identifying itself as name/version.
func New(name, version string) *Bridge {
	return &Bridge{
		client:   mcp.NewClient(&mcp.Implementation{Name: name, Version: version}, nil),
		sessions: make(map[string]*mcp.ClientSession),
	}
}

// Start launches the configured server and connects to it.
func (b *Bridge) Start(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" || cfg.Command == "" {
		return fmt.Errorf("mcp server requires name and command")
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return b.Connect(ctx, cfg.Name, &mcp.CommandTransport{Command: cmd})
}

// StartAll starts every server in order. When one fails, the sessions
// opened so far are closed before the error is returned.
func (b *Bridge) StartAll(ctx context.Context, servers []ServerConfig) error {
	for _, cfg := range servers {
		if err := b.Start(ctx, cfg); err != nil {
			return errors.Join(err, b.Close())
		}
	}
	return nil
}

// Sessions returns the number of connected servers.
func (b *Bridge) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Connect attaches a server reachable over transport under name.
func (b *Bridge) Connect(ctx context.Context, name string, transport mcp.Transport) error {
	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect mcp server %s: %w", name, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.sessions[name]; ok {
		_ = old.Close()
	} else {
		b.order = append(b.order, name)
	}
	b.sessions[name] = session
	log.Debug().Str("server", name).Msg("mcp server connected")
	return nil
}

// Tools lists the remote tools of every connected server.
func (b *Bridge) Tools(ctx context.Context) ([]tools.Tool, error) {
	b.mu.Lock()
	names := append([]string(nil), b.order...)
	sessions := make(map[string]*mcp.ClientSession, len(b.sessions))
	for k, v := range b.sessions {
		sessions[k] = v
	}
	b.mu.Unlock()

	var out []tools.Tool
	for _, server := range names {
		session := sessions[server]
		for remote, err := range session.Tools(ctx, nil) {
			if err != nil {
				return nil, fmt.Errorf("list tools of %s: %w", server, err)
			}
			out = append(out, &remoteTool{server: server, tool: remote, session: session})
		}
	}
	return out, nil
}

// Close ends every session.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, name := range b.order {
		if err := b.sessions[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mcp server %s: %w", name, err))
		}
	}
	b.sessions = make(map[string]*mcp.ClientSession)
	b.order = nil
	return errors.Join(errs...)
}

type remoteTool struct {
	server  string
	tool    *mcp.Tool
	session *mcp.ClientSession
}

func (r *remoteTool) Definition() oracle.ToolDefinition {
	return oracle.ToolDefinition{
		Name:        r.server + Separator + r.tool.Name,
		Description: r.tool.Description,
		Parameters:  schemaMap(r.tool.InputSchema),
	}
}

func (r *remoteTool) Invoke(ctx context.Context, args map[string]any) (tools.Result, error) {
	name := r.server + Separator + r.tool.Name
	res, err := r.session.CallTool(ctx, &mcp.CallToolParams{Name: r.tool.Name, Arguments: args})
	if err != nil {
		return tools.Failure(name, err.Error()), nil
	}

	var texts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	text := strings.Join(texts, "\n")

	output := map[string]any{"text": text}
	if res.StructuredContent != nil {
		output["structured"] = res.StructuredContent
	}
	if res.IsError {
		return tools.Result{Name: name, OK: false, Output: output, Error: text}, nil
	}
	return tools.Result{Name: name, OK: true, Output: output}, nil
}

func schemaMap(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	out := map[string]any{"type": "object", "properties": map[string]any{}}
	if schema == nil {
		return out
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return out
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return out
	}
	return m
}
