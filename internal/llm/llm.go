// Package llm talks to model providers through a unified completion format.
// Each provider translates the unified request to its wire format and back;
// the Client owns transport, so executors and the classifier share one code
// path regardless of vendor.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/functionsdo/gateway/internal/tracing"
)

// Request is a unified completion request.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int
	Tools     []Tool
}

// Message is one conversation turn. Assistant turns may carry tool calls;
// tool turns answer one call via ToolCallID.
type Message struct {
	Role       string // user, assistant, tool
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// Tool declares a capability the model may invoke.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage // JSON schema for the tool input
}

// ToolCall is the model asking for one tool invocation.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Response is a unified completion response. A response with ToolCalls set
// expects tool result turns before the conversation continues.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	StopReason   string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider translates between the unified format and one vendor's API.
type Provider interface {
	Name() string
	BuildRequest(ctx context.Context, req *Request) (*http.Request, error)
	ParseResponse(body []byte, statusCode int) (*Response, error)
}

// ProviderError is a non-2xx reply from a provider.
type ProviderError struct {
	Provider string
	Status   int
	Body     []byte
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, truncate(e.Body, 200))
}

// Temporary reports whether the failure is worth retrying.
func (e *ProviderError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// NewProvider builds a provider by kind. Unknown kinds are an error so
// configuration typos surface at startup, not at first use.
func NewProvider(kind, apiKey, baseURL, model string) (Provider, error) {
	switch kind {
	case "anthropic":
		return newAnthropic(apiKey, baseURL, model), nil
	case "openai":
		return newOpenAI(apiKey, baseURL, model), nil
	case "openrouter":
		return newOpenRouter(apiKey, baseURL, model), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider kind %q", kind)
	}
}

// Client pairs a provider with a transport.
type Client struct {
	provider   Provider
	httpClient *http.Client
	model      string
	maxTokens  int
}

// NewClient wraps a provider. timeout <= 0 defaults to 60s.
func NewClient(p Provider, timeout time.Duration, model string, maxTokens int) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		provider:   p,
		httpClient: &http.Client{Timeout: timeout},
		model:      model,
		maxTokens:  maxTokens,
	}
}

// Name returns the underlying provider name.
func (c *Client) Name() string { return c.provider.Name() }

// Complete runs one completion round trip. Defaults from the client fill in
// a missing model or token budget; the caller's request is not mutated so
// one request value can be replayed against several clients.
func (c *Client) Complete(ctx context.Context, req *Request) (*Response, error) {
	filled := *req
	if filled.Model == "" {
		filled.Model = c.model
	}
	if filled.MaxTokens == 0 {
		filled.MaxTokens = c.maxTokens
	}

	httpReq, err := c.provider.BuildRequest(ctx, &filled)
	if err != nil {
		return nil, err
	}
	tracing.Inject(ctx, httpReq.Header)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.provider.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", c.provider.Name(), err)
	}
	return c.provider.ParseResponse(body, resp.StatusCode)
}
