// Package httpreq implements the http_request tool.
package httpreq

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/metalagman/stepflow/internal/oracle"
	"github.com/metalagman/stepflow/internal/tools"
)

// Name is the tool name offered to the oracle.
const Name = "http_request"

const defaultMaxBody = 1 << 20

// Options configures the tool.
type Options struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	// Markdown converts text/html bodies to markdown.
	Markdown bool
}

// Tool performs a single HTTP request.
type Tool struct {
	client    *http.Client
	opts      Options
	converter *md.Converter
}

// New creates the tool. A nil client uses a client with opts.Timeout.
func New(client *http.Client, opts Options) *Tool {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	return &Tool{client: client, opts: opts, converter: conv}
}

// Definition implements tools.Tool.
func (t *Tool) Definition() oracle.ToolDefinition {
	return oracle.ToolDefinition{
		Name:        Name,
		Description: "Perform an HTTP request and return status, headers and body.",
		Parameters: tools.Parameters(map[string]string{
			"url":     "Absolute URL to request",
			"method":  "HTTP method, default GET",
			"headers": "Object of request headers",
			"body":    "Request body as a string",
		}, "url"),
	}
}

// Invoke implements tools.Tool.
func (t *Tool) Invoke(ctx context.Context, args map[string]any) (tools.Result, error) {
	url := tools.String(args, "url", "")
	if url == "" {
		return tools.Failure(Name, "missing url"), nil
	}
	method := strings.ToUpper(tools.String(args, "method", http.MethodGet))

	var body io.Reader
	if b := tools.String(args, "body", ""); b != "" {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return tools.Failure(Name, fmt.Sprintf("build request: %v", err)), nil
	}
	if hdrs, ok := args["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return tools.Failure(Name, err.Error()), nil
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, t.opts.MaxBodyBytes))
	if err != nil {
		return tools.Failure(Name, fmt.Sprintf("read body: %v", err)), nil
	}

	text := string(raw)
	if t.opts.Markdown && strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		if converted, cerr := t.converter.ConvertString(text); cerr == nil {
			text = converted
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	res := tools.Result{
		Name: Name,
		OK:   ok,
		Output: map[string]any{
			"status":  resp.StatusCode,
			"headers": headers,
			"body":    text,
		},
	}
	if !ok {
		res.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return res, nil
}
