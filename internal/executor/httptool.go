package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/undoable-org/undoable/internal/actionlog"
	"github.com/undoable-org/undoable/internal/fileutil"
)

// HTTPTool performs an outbound HTTP request. GET and HEAD shadow and apply
// as reads; everything else is a network effect that cannot be undone.
//
// Params: method (string, default GET), url (string, required), body
// (string), headers (map[string]any).
type HTTPTool struct {
	client *resty.Client
}

// NewHTTPTool builds the tool with the given request timeout.
func NewHTTPTool(timeout time.Duration) *HTTPTool {
	return &HTTPTool{client: resty.New().SetTimeout(timeout)}
}

func (t *HTTPTool) Name() string { return "http" }

func (t *HTTPTool) Category(params map[string]any) actionlog.Category {
	switch t.method(params) {
	case "GET", "HEAD":
		return actionlog.CategoryRead
	default:
		return actionlog.CategoryNetwork
	}
}

func (t *HTTPTool) Undoable(map[string]any) bool { return false }

func (t *HTTPTool) method(params map[string]any) string {
	m := strings.ToUpper(stringParam(params, "method"))
	if m == "" {
		m = "GET"
	}
	return m
}

// Shadow validates the request shape without sending it.
func (t *HTTPTool) Shadow(_ context.Context, params map[string]any) (string, error) {
	url := stringParam(params, "url")
	if url == "" {
		return "", fmt.Errorf("http: missing url")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("http: unsupported url %q", url)
	}
	return fmt.Sprintf("would %s %s", t.method(params), url), nil
}

// Apply sends the request and returns a summary with a truncated body.
func (t *HTTPTool) Apply(ctx context.Context, params map[string]any) (string, error) {
	url := stringParam(params, "url")
	if url == "" {
		return "", fmt.Errorf("http: missing url")
	}

	req := t.client.R().SetContext(ctx)
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.SetHeader(k, s)
			}
		}
	}
	if body := stringParam(params, "body"); body != "" {
		req.SetBody(body)
	}

	resp, err := req.Execute(t.method(params), url)
	if err != nil {
		return "", fmt.Errorf("http: %w", err)
	}
	out := fmt.Sprintf("%d %s", resp.StatusCode(), fileutil.TruncString(resp.String(), 1000))
	if resp.IsError() {
		return out, fmt.Errorf("http: status %d", resp.StatusCode())
	}
	return out, nil
}
