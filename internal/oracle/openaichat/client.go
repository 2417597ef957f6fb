// Package openaichat implements the oracle over an OpenAI-compatible chat completions endpoint.
package openaichat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/metalagman/stepflow/internal/oracle"
)

// Client calls a chat completions endpoint.
type Client struct {
	cfg    Config
	apiKey string
	http   *http.Client
}

// NewClient constructs a client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		envKey := strings.TrimSpace(cfg.APIKeyEnv)
		if envKey == "" {
			envKey = defaultAPIKeyEnv
		}
		apiKey = strings.TrimSpace(os.Getenv(envKey))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required (set api_key or api_key_env)")
	}

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = defaultPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, apiKey: apiKey, http: httpClient}, nil
}

// Complete implements oracle.Oracle.
func (c *Client) Complete(ctx context.Context, req oracle.Request) (oracle.Response, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	if model == "" {
		return oracle.Response{}, fmt.Errorf("openai model is required")
	}

	body, err := json.Marshal(toChatRequest(model, req))
	if err != nil {
		return oracle.Response{}, fmt.Errorf("encode chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return oracle.Response{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return oracle.Response{}, fmt.Errorf("chat completions: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return oracle.Response{}, fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return oracle.Response{}, fmt.Errorf("chat completions failed: HTTP %d: %s", resp.StatusCode, snippet(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return oracle.Response{}, fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return oracle.Response{}, fmt.Errorf("chat completions failed: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return oracle.Response{}, fmt.Errorf("chat completions response missing choices")
	}
	return fromChatResponse(parsed), nil
}

func toChatRequest(model string, req oracle.Request) chatRequest {
	out := chatRequest{
		Model:       model,
		Messages:    make([]chatMessage, 0, len(req.Messages)),
		ToolChoice:  req.ToolChoice,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		msg := chatMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if m.Role == oracle.RoleTool {
			msg.Name = m.Name
		}
		for _, tc := range m.ToolCalls {
			args := tc.Arguments
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: chatFunction{Name: tc.Name, Arguments: args},
			})
		}
		out.Messages = append(out.Messages, msg)
	}
	for _, td := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type:     "function",
			Function: chatFunctionDef{Name: td.Name, Description: td.Description, Parameters: td.Parameters},
		})
	}
	if len(out.Tools) == 0 {
		out.ToolChoice = ""
	}
	if req.ResponseFormat != nil {
		out.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: req.ResponseFormat.Type}
	}
	return out
}

func fromChatResponse(parsed chatResponse) oracle.Response {
	choice := parsed.Choices[0]
	out := oracle.Response{FinishReason: choice.FinishReason}
	if choice.Message.Content != nil {
		out.Content = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		out.ToolCalls = append(out.ToolCalls, oracle.ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if parsed.Usage != nil {
		out.Usage = &oracle.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	return out
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}
