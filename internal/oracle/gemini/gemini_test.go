package gemini

import (
	"context"
	"testing"

	"github.com/metalagman/stepflow/internal/oracle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeGenerator struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	resp     *genai.GenerateContentResponse
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.contents = contents
	f.config = config
	return f.resp, nil
}

func TestComplete_MapsTranscriptAndToolCalls(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: genai.NewContentFromParts([]*genai.Part{
				genai.NewPartFromFunctionCall("web_search", map[string]any{"query": "go"}),
			}, genai.RoleModel),
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 2, TotalTokenCount: 5},
	}}
	c := &Client{model: "gemini-test", gen: gen}

	out, err := c.Complete(context.Background(), oracle.Request{
		Messages: []oracle.Message{
			{Role: oracle.RoleSystem, Content: "be precise"},
			{Role: oracle.RoleUser, Content: "INPUTS:"},
			{Role: oracle.RoleAssistant, ToolCalls: []oracle.ToolCall{{ID: "c1", Name: "http_request", Arguments: `{"url":"x"}`}, {ID: "c2", Name: "cli_exec", Arguments: ""}}},
			{Role: oracle.RoleTool, Name: "http_request", ToolCallID: "c1", Content: `{"ok":true}`},
			{Role: oracle.RoleTool, Name: "cli_exec", ToolCallID: "c2", Content: `not json`},
		},
		Tools:          []oracle.ToolDefinition{{Name: "web_search", Parameters: map[string]any{"type": "object"}}},
		ToolChoice:     "auto",
		Temperature:    0.2,
		MaxTokens:      800,
		ResponseFormat: oracle.JSONObject,
	})
	require.NoError(t, err)

	assert.Equal(t, "gemini-test", gen.model)
	require.Len(t, gen.contents, 3)
	assert.Equal(t, "model", gen.contents[1].Role)
	require.Len(t, gen.contents[1].Parts, 2)
	assert.Equal(t, "c1", gen.contents[1].Parts[0].FunctionCall.ID)
	require.Len(t, gen.contents[2].Parts, 2, "consecutive tool replies share one turn")
	assert.Equal(t, map[string]any{"output": "not json"}, gen.contents[2].Parts[1].FunctionResponse.Response)

	require.NotNil(t, gen.config.SystemInstruction)
	assert.Equal(t, int32(800), gen.config.MaxOutputTokens)
	assert.Empty(t, gen.config.ResponseMIMEType)
	require.Len(t, gen.config.Tools, 1)

	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "web_search", out.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"go"}`, out.ToolCalls[0].Arguments)
	assert.NotEmpty(t, out.ToolCalls[0].ID)
	assert.Equal(t, "stop", out.FinishReason)
	assert.Equal(t, 5, out.Usage.TotalTokens)
}

func TestComplete_TextResponseUsesJSONMime(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: genai.NewContentFromText(`{"answer":1}`, genai.RoleModel),
		}},
	}}
	c := &Client{model: "gemini-test", gen: gen}

	out, err := c.Complete(context.Background(), oracle.Request{
		Messages:       []oracle.Message{{Role: oracle.RoleUser, Content: "q"}},
		ResponseFormat: oracle.JSONObject,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"answer":1}`, out.Content)
	assert.Equal(t, "application/json", gen.config.ResponseMIMEType)
	assert.Nil(t, gen.config.SystemInstruction)
}
