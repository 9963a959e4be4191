package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dshills/draftgraph/graph/model"
)

const defaultMaxBytes = 64 << 10

// FetchTool fetches a reference document over HTTP GET so a section can cite
// it. Bodies are truncated to a byte limit; hosts can be restricted.
//
//	fetch := tool.NewFetchTool(tool.WithAllowedHosts("docs.internal.example"))
type FetchTool struct {
	client   *http.Client
	maxBytes int64
	allowed  map[string]bool
}

// FetchOption configures a FetchTool.
type FetchOption func(*FetchTool)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) FetchOption {
	return func(f *FetchTool) { f.client = c }
}

// WithMaxBytes caps the returned body size.
func WithMaxBytes(n int64) FetchOption {
	return func(f *FetchTool) { f.maxBytes = n }
}

// WithAllowedHosts restricts fetches to the given hosts.
func WithAllowedHosts(hosts ...string) FetchOption {
	return func(f *FetchTool) {
		if f.allowed == nil {
			f.allowed = make(map[string]bool)
		}
		for _, h := range hosts {
			f.allowed[h] = true
		}
	}
}

// NewFetchTool creates a FetchTool.
func NewFetchTool(opts ...FetchOption) *FetchTool {
	f := &FetchTool{
		client:   &http.Client{Timeout: 30 * time.Second},
		maxBytes: defaultMaxBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Spec implements Tool.
func (f *FetchTool) Spec() model.ToolSpec {
	return model.ToolSpec{
		Name:        "fetch_reference",
		Description: "Fetch a reference document by URL and return its text.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{"type": "string", "description": "http or https URL"},
			},
			"required": []string{"url"},
		},
	}
}

// Call implements Tool. The result carries status_code, content_type, body
// and truncated.
func (f *FetchTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	raw, ok := input["url"].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("url parameter required (string)")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", raw)
	}
	if f.allowed != nil && !f.allowed[u.Hostname()] {
		return nil, fmt.Errorf("host %q is not allowed", u.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	truncated := int64(len(body)) > f.maxBytes
	if truncated {
		body = body[:f.maxBytes]
	}

	return map[string]interface{}{
		"status_code":  resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"body":         string(body),
		"truncated":    truncated,
	}, nil
}
