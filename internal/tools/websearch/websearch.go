// Package websearch implements the web_search tool against a Tavily-compatible endpoint.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/metalagman/stepflow/internal/oracle"
	"github.com/metalagman/stepflow/internal/tools"
)

// Name is the tool name offered to the oracle.
const Name = "web_search"

// DefaultBaseURL is the Tavily search endpoint.
const DefaultBaseURL = "https://api.tavily.com/search"

// Options configures the tool.
type Options struct {
	BaseURL string
	APIKey  string
	// APIKeyEnv names the variable APIKey was resolved from; used in messages.
	APIKeyEnv string
}

// Tool searches the web.
type Tool struct {
	client *http.Client
	opts   Options
}

// Item is a single search hit.
type Item struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

type hit struct {
	URL     string `json:"url"`
	Link    string `json:"link"`
	Title   string `json:"title"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Snippet string `json:"snippet"`
}

type searchResponse struct {
	Results []hit `json:"results"`
	Data    []hit `json:"data"`
}

// New creates the tool.
func New(client *http.Client, opts Options) *Tool {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.APIKeyEnv == "" {
		opts.APIKeyEnv = "TAVILY_API_KEY"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Tool{client: client, opts: opts}
}

// Definition implements tools.Tool.
func (t *Tool) Definition() oracle.ToolDefinition {
	return oracle.ToolDefinition{
		Name:        Name,
		Description: "Search the web and return a list of {url, title, snippet} items.",
		Parameters: tools.Parameters(map[string]string{
			"query": "string (search query)",
			"k":     "number (max results, default 5)",
		}, "query"),
	}
}

// Invoke implements tools.Tool.
func (t *Tool) Invoke(ctx context.Context, args map[string]any) (tools.Result, error) {
	empty := map[string]any{"items": []Item{}}
	query := tools.String(args, "query", "")
	if query == "" {
		return tools.Result{Name: Name, Output: empty, Error: "missing query"}, nil
	}
	k := int(tools.Number(args, "k", 5))
	if k <= 0 {
		k = 5
	}
	if t.opts.APIKey == "" {
		return tools.Result{
			Name:   Name,
			OK:     true,
			Output: empty,
			Error:  fmt.Sprintf("%s not set; returning empty items", t.opts.APIKeyEnv),
		}, nil
	}

	payload, err := json.Marshal(map[string]any{
		"api_key":     t.opts.APIKey,
		"query":       query,
		"max_results": k,
	})
	if err != nil {
		return tools.Result{}, fmt.Errorf("encode search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return tools.Result{Name: Name, Output: empty, Error: err.Error()}, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return tools.Result{Name: Name, Output: empty, Error: err.Error()}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return tools.Result{Name: Name, Output: empty, Error: fmt.Sprintf("decode search response: %v", err)}, nil
	}
	hits := decoded.Results
	if len(hits) == 0 {
		hits = decoded.Data
	}

	items := make([]Item, 0, len(hits))
	for _, h := range hits {
		it := Item{URL: first(h.URL, h.Link), Title: first(h.Title, h.Name), Snippet: first(h.Content, h.Snippet)}
		if it.URL == "" {
			continue
		}
		items = append(items, it)
	}
	return tools.Result{Name: Name, OK: true, Output: map[string]any{"items": items}}, nil
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
