package mcpbridge

import (
	"context"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greetInput struct {
	Name string `json:"name" jsonschema:"who to greet"`
}

func startServer(t *testing.T, b *Bridge) {
	t.Helper()
	ctx := context.Background()

	server := mcp.NewServer(&mcp.Implementation{Name: "fixture", Version: "v0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "greet", Description: "Say hello"},
		func(_ context.Context, _ *mcp.CallToolRequest, in greetInput) (*mcp.CallToolResult, any, error) {
			if in.Name == "" {
				return nil, nil, errors.New("name is required")
			}
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "hello " + in.Name}}}, nil, nil
		})

	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	require.NoError(t, b.Connect(ctx, "fixture", clientT))
}

func TestBridge_ListAndCall(t *testing.T) {
	t.Parallel()

	b := New("stepflow-test", "v0")
	startServer(t, b)
	defer func() { _ = b.Close() }()

	remote, err := b.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, remote, 1)

	def := remote[0].Definition()
	assert.Equal(t, "fixture__greet", def.Name)
	assert.Equal(t, "Say hello", def.Description)
	assert.Equal(t, "object", def.Parameters["type"])

	res, err := remote[0].Invoke(context.Background(), map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "hello ada", res.Output.(map[string]any)["text"])

	res, err = remote[0].Invoke(context.Background(), map[string]any{"name": ""})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "name is required")
}

func TestBridge_StartValidation(t *testing.T) {
	t.Parallel()

	b := New("stepflow-test", "v0")
	assert.Error(t, b.Start(context.Background(), ServerConfig{Name: "x"}))
	assert.NoError(t, b.Close())
}

func TestBridge_StartAllClosesOnFailure(t *testing.T) {
	t.Parallel()

	b := New("stepflow-test", "v0")
	startServer(t, b)
	require.Equal(t, 1, b.Sessions())

	err := b.StartAll(context.Background(), []ServerConfig{{Name: "broken"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires name and command")
	assert.Zero(t, b.Sessions())

	remote, err := b.Tools(context.Background())
	require.NoError(t, err)
	assert.Empty(t, remote)
}

func TestSchemaMap(t *testing.T) {
	t.Parallel()

	assert.Equal(t, map[string]any{"type": "object", "properties": map[string]any{}}, schemaMap(nil))
	assert.Equal(t, map[string]any{"type": "string"}, schemaMap(struct {
		Type string `json:"type"`
	}{Type: "string"}))
}
