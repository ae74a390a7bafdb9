package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/functionsdo/gateway/internal/llm"
)

// runGenerative executes tier-2 functions: one completion against the
// configured model, prompt rendered from the function's template.
func (d *Dispatcher) runGenerative(ctx context.Context, req *Request) *Result {
	if d.llm == nil {
		return errorResult(http.StatusServiceUnavailable, "No language model configured")
	}
	meta := req.Meta

	prompt, err := renderPrompt(meta.Prompt, req.Input)
	if err != nil {
		return errorResult(http.StatusInternalServerError, "Prompt template failed: "+err.Error())
	}

	start := time.Now()
	resp, err := d.llm.Complete(ctx, &llm.Request{
		Model:    meta.Model,
		System:   meta.SystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return modelError(ctx, err)
	}

	model := resp.Model
	if model == "" {
		model = meta.Model
	}
	body := map[string]any{
		"output": parseModelOutput(resp.Text),
		"_meta": map[string]any{
			"generativeExecution": map[string]any{
				"model": model,
				"tokens": map[string]any{
					"input":  resp.InputTokens,
					"output": resp.OutputTokens,
				},
				"stopReason":     resp.StopReason,
				"modelLatencyMs": time.Since(start).Milliseconds(),
			},
		},
	}
	return &Result{Status: http.StatusOK, Body: body}
}

// modelError maps a completion failure onto the envelope: deadline → 408,
// anything else → 500.
func modelError(ctx context.Context, err error) *Result {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return errorResult(http.StatusRequestTimeout, "Function execution timed out")
	}
	return errorResult(http.StatusInternalServerError, "Model call failed: "+err.Error())
}

// renderPrompt runs the function's prompt template against the invocation
// input. An empty template sends the input itself as JSON.
func renderPrompt(tmpl string, input map[string]any) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		b, err := json.Marshal(input)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	t, err := template.New("prompt").Funcs(sprig.FuncMap()).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, input); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// parseModelOutput decodes the reply as JSON when possible, unwrapping a
// code fence first. Undecodable replies stay raw text.
func parseModelOutput(text string) any {
	trimmed := strings.TrimSpace(text)
	for _, candidate := range []string{unfence(trimmed), trimmed} {
		var v any
		if err := json.Unmarshal([]byte(candidate), &v); err == nil && v != nil {
			return v
		}
	}
	return text
}

// unfence strips a ``` or ```lang wrapper around a reply.
func unfence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	body := strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if i := strings.IndexByte(body, '\n'); i >= 0 && !strings.ContainsAny(body[:i], "{[\"") {
		body = body[i+1:]
	}
	return strings.TrimSpace(body)
}
