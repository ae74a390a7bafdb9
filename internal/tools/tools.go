// Package tools builds the callable handlers behind an agentic function's
// tool declarations. Handlers never abort the agent loop: every failure is
// returned as a structured value the model can read and react to.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/functionsdo/gateway/internal/config"
	"github.com/functionsdo/gateway/internal/fn"
	"github.com/functionsdo/gateway/internal/ssrf"
)

// Handler executes one tool call and returns a JSON-marshalable value.
type Handler func(ctx context.Context, input json.RawMessage) any

// Invoker dispatches a deployed function by id. The dispatcher implements
// it; the indirection keeps this package below dispatch in the import graph.
type Invoker interface {
	InvokeFunction(ctx context.Context, functionID string, input map[string]any) (int, map[string]any, error)
}

const maxToolResponseBytes = 1 << 20

// Factory builds handlers from tool specs.
type Factory struct {
	invoker   Invoker
	dialer    *ssrf.SafeDialer
	client    *http.Client
	searchURL string
	slackURL  string
}

// NewFactory wires the tool backends. All outbound HTTP goes through an
// SSRF-guarded client.
func NewFactory(invoker Invoker, cfg config.ToolsConfig) (*Factory, error) {
	dialer, err := ssrf.NewDialer(nil, nil)
	if err != nil {
		return nil, err
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Factory{
		invoker:   invoker,
		dialer:    dialer,
		client:    dialer.Client(timeout),
		searchURL: cfg.SearchURL,
		slackURL:  cfg.SlackWebhook,
	}, nil
}

// Build returns the handler for one tool spec. Unknown implementation kinds
// are a deploy-time error; unavailable builtins are not, they answer every
// call with a structured error instead.
func (f *Factory) Build(spec fn.ToolSpec) (Handler, error) {
	impl := spec.Implementation
	switch impl.Kind {
	case fn.ToolBuiltin:
		name := impl.Name
		if name == "" {
			name = spec.Name
		}
		return f.builtin(name)
	case fn.ToolAPI:
		if impl.Endpoint == "" {
			return nil, fmt.Errorf("tools: api tool %q has no endpoint", spec.Name)
		}
		return f.apiHandler(impl.Endpoint), nil
	case fn.ToolFunction:
		if impl.FunctionID == "" {
			return nil, fmt.Errorf("tools: function tool %q has no functionId", spec.Name)
		}
		return f.functionHandler(impl.FunctionID), nil
	case fn.ToolInline:
		return inlineHandler, nil
	default:
		return nil, fmt.Errorf("tools: unknown implementation kind %q for tool %q", impl.Kind, spec.Name)
	}
}

func (f *Factory) builtin(name string) (Handler, error) {
	switch name {
	case "web_fetch":
		return f.webFetch, nil
	case "web_search":
		if f.searchURL == "" {
			return notAvailable(name), nil
		}
		return f.webSearch, nil
	case "slack_send":
		if f.slackURL == "" {
			return notAvailable(name), nil
		}
		return f.slackSend, nil
	case "file_read", "file_write", "shell_exec", "database_query", "email_send":
		return notAvailable(name), nil
	default:
		return nil, fmt.Errorf("tools: unknown builtin %q", name)
	}
}

// notAvailable answers every call with the same structured refusal.
func notAvailable(name string) Handler {
	msg := name + " not available in this environment"
	return func(ctx context.Context, input json.RawMessage) any {
		return map[string]any{"error": msg}
	}
}

// inlineHandler refuses dynamic code. Deploy the handler as a function and
// reference it with kind "function" instead.
func inlineHandler(ctx context.Context, input json.RawMessage) any {
	return map[string]any{
		"error": "inline tool code is not supported; deploy the code as a function and reference it with kind \"function\"",
	}
}

func (f *Factory) webFetch(ctx context.Context, input json.RawMessage) any {
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(input, &args); err != nil || args.URL == "" {
		return map[string]any{"error": "web_fetch requires a url"}
	}
	if err := f.dialer.ValidateURL(args.URL); err != nil {
		return blockedResult(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if ssrf.Blocked(err) {
			return blockedResult(err)
		}
		return map[string]any{"error": err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponseBytes))
	if err != nil {
		return map[string]any{"error": "read response: " + err.Error()}
	}
	return map[string]any{
		"status":      resp.StatusCode,
		"contentType": resp.Header.Get("Content-Type"),
		"body":        parseMaybeJSON(resp.Header.Get("Content-Type"), body),
	}
}

func blockedResult(err error) map[string]any {
	return map[string]any{"error": err.Error(), "blocked": true}
}

func (f *Factory) webSearch(ctx context.Context, input json.RawMessage) any {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(input, &args); err != nil || args.Query == "" {
		return map[string]any{"error": "web_search requires a query"}
	}
	return f.postJSON(ctx, "web_search", f.searchURL, map[string]any{"query": args.Query})
}

func (f *Factory) slackSend(ctx context.Context, input json.RawMessage) any {
	var args struct {
		Text    string `json:"text"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return map[string]any{"error": "slack_send requires text"}
	}
	text := args.Text
	if text == "" {
		text = args.Message
	}
	if text == "" {
		return map[string]any{"error": "slack_send requires text"}
	}
	result := f.postJSON(ctx, "slack_send", f.slackURL, map[string]any{"text": text})
	if m, ok := result.(map[string]any); ok {
		if _, failed := m["error"]; failed {
			return result
		}
	}
	return map[string]any{"ok": true}
}

// apiHandler POSTs the raw tool input to the declared endpoint and passes
// the reply through, parsed as JSON when the endpoint says so.
func (f *Factory) apiHandler(endpoint string) Handler {
	return func(ctx context.Context, input json.RawMessage) any {
		if err := f.dialer.ValidateURL(endpoint); err != nil {
			return blockedResult(err)
		}
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(input))
		if err != nil {
			return map[string]any{"error": err.Error()}
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := f.client.Do(req)
		if err != nil {
			if ssrf.Blocked(err) {
				return blockedResult(err)
			}
			return map[string]any{"error": err.Error()}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponseBytes))
		if err != nil {
			return map[string]any{"error": "read response: " + err.Error()}
		}
		parsed := parseMaybeJSON(resp.Header.Get("Content-Type"), body)
		if resp.StatusCode >= 400 {
			return map[string]any{
				"error":  fmt.Sprintf("api tool returned status %d", resp.StatusCode),
				"status": resp.StatusCode,
				"body":   parsed,
			}
		}
		return parsed
	}
}

// functionHandler dispatches another deployed function and returns its body
// without the _meta block.
func (f *Factory) functionHandler(functionID string) Handler {
	return func(ctx context.Context, input json.RawMessage) any {
		if f.invoker == nil {
			return map[string]any{"error": "function tools not available in this environment"}
		}
		var in map[string]any
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return map[string]any{"error": "tool input must be a JSON object"}
			}
		}
		_, body, err := f.invoker.InvokeFunction(ctx, functionID, in)
		if err != nil {
			return map[string]any{"error": err.Error()}
		}
		delete(body, "_meta")
		return body
	}
}

func (f *Factory) postJSON(ctx context.Context, tool, url string, payload map[string]any) any {
	if err := f.dialer.ValidateURL(url); err != nil {
		return blockedResult(err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		if ssrf.Blocked(err) {
			return blockedResult(err)
		}
		return map[string]any{"error": err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponseBytes))
	if err != nil {
		return map[string]any{"error": "read response: " + err.Error()}
	}
	if resp.StatusCode >= 400 {
		return map[string]any{
			"error":  fmt.Sprintf("%s backend returned status %d", tool, resp.StatusCode),
			"status": resp.StatusCode,
		}
	}
	return parseMaybeJSON(resp.Header.Get("Content-Type"), raw)
}

// parseMaybeJSON decodes body when the content type looks like JSON,
// otherwise returns it as a string.
func parseMaybeJSON(contentType string, body []byte) any {
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}
