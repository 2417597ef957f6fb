// Package oracle defines the completion provider a step negotiates with.
package oracle

import "context"

// Role tags a message in the negotiation.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the oracle.
// Arguments is the raw JSON argument string as produced by the provider.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry of the conversation sent to the oracle.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolDefinition describes a tool offered to the oracle.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ResponseFormat hints the expected output encoding.
type ResponseFormat struct {
	Type string `json:"type"`
}

// JSONObject requests a single JSON object.
var JSONObject = &ResponseFormat{Type: "json_object"}

// Request is a single completion call.
type Request struct {
	Model          string           `json:"model"`
	Messages       []Message        `json:"messages"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	ToolChoice     string           `json:"tool_choice,omitempty"`
	Temperature    float64          `json:"temperature"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat  `json:"response_format,omitempty"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the oracle's reply: either content or tool calls.
type Response struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
}

// Oracle completes a conversation. Errors are treated as fatal by callers.
type Oracle interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, req Request) (Response, error)

// Complete implements Oracle.
func (f Func) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
