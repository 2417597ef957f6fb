// Package gemini implements the oracle on top of the Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/metalagman/stepflow/internal/oracle"
	"google.golang.org/genai"
)

const defaultAPIKeyEnv = "GEMINI_API_KEY"

// Config is Gemini client configuration.
type Config struct {
	Model     string
	BaseURL   string
	APIKey    string
	APIKeyEnv string
}

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client adapts genai to oracle.Oracle.
type Client struct {
	model string
	gen   generator
}

// NewClient creates a Gemini API backed oracle.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		envKey := strings.TrimSpace(cfg.APIKeyEnv)
		if envKey == "" {
			envKey = defaultAPIKeyEnv
		}
		apiKey = strings.TrimSpace(os.Getenv(envKey))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required (set api_key or api_key_env)")
	}
	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{model: cfg.Model, gen: client.Models}, nil
}

// Complete implements oracle.Oracle.
func (c *Client) Complete(ctx context.Context, req oracle.Request) (oracle.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	if model == "" {
		return oracle.Response{}, fmt.Errorf("gemini model is required")
	}
	system, contents, err := toContents(req.Messages)
	if err != nil {
		return oracle.Response{}, err
	}
	resp, err := c.gen.GenerateContent(ctx, model, contents, toConfig(req, system))
	if err != nil {
		return oracle.Response{}, fmt.Errorf("gemini generate content: %w", err)
	}
	return fromResponse(resp), nil
}

func toConfig(req oracle.Request, system string) *genai.GenerateContentConfig {
	temp := float32(req.Temperature)
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, td := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 td.Name,
				Description:          td.Description,
				ParametersJsonSchema: td.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		if req.ToolChoice == "" || req.ToolChoice == "auto" {
			cfg.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
			}
		}
	} else if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		// JSON mime type cannot be combined with function calling.
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

func toContents(msgs []oracle.Message) (string, []*genai.Content, error) {
	var system []string
	var out []*genai.Content
	var pendingReplies []*genai.Part
	flush := func() {
		if len(pendingReplies) > 0 {
			out = append(out, genai.NewContentFromParts(pendingReplies, genai.RoleUser))
			pendingReplies = nil
		}
	}
	for _, m := range msgs {
		if m.Role != oracle.RoleTool {
			flush()
		}
		switch m.Role {
		case oracle.RoleSystem:
			system = append(system, m.Content)
		case oracle.RoleUser:
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))
		case oracle.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args, err := decodeObject(tc.Arguments)
				if err != nil {
					return "", nil, fmt.Errorf("tool call %s arguments: %w", tc.ID, err)
				}
				part := genai.NewPartFromFunctionCall(tc.Name, args)
				part.FunctionCall.ID = tc.ID
				parts = append(parts, part)
			}
			if len(parts) > 0 {
				out = append(out, genai.NewContentFromParts(parts, genai.RoleModel))
			}
		case oracle.RoleTool:
			response, err := decodeObject(m.Content)
			if err != nil {
				response = map[string]any{"output": m.Content}
			}
			part := genai.NewPartFromFunctionResponse(m.Name, response)
			part.FunctionResponse.ID = m.ToolCallID
			pendingReplies = append(pendingReplies, part)
		default:
			return "", nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	flush()
	return strings.Join(system, "\n\n"), out, nil
}

func fromResponse(resp *genai.GenerateContentResponse) oracle.Response {
	var out oracle.Response
	if resp == nil {
		return out
	}
	for _, fc := range resp.FunctionCalls() {
		args, err := json.Marshal(fc.Args)
		if err != nil || fc.Args == nil {
			args = []byte("{}")
		}
		id := fc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		out.ToolCalls = append(out.ToolCalls, oracle.ToolCall{ID: id, Name: fc.Name, Arguments: string(args)})
	}
	if len(out.ToolCalls) == 0 {
		out.Content = resp.Text()
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.FinishReason = strings.ToLower(string(resp.Candidates[0].FinishReason))
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = &oracle.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out
}

func decodeObject(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
