package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAnthropicBuildRequest(t *testing.T) {
	p := newAnthropic("sk-ant-test", "", "claude-sonnet-4")

	req := &Request{
		Messages: []Message{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "Hello"},
		},
		MaxTokens: 100,
	}

	httpReq, err := p.BuildRequest(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	if httpReq.URL.Path != "/v1/messages" {
		t.Errorf("expected /v1/messages, got %s", httpReq.URL.Path)
	}
	if httpReq.Header.Get("x-api-key") != "sk-ant-test" {
		t.Errorf("expected x-api-key header")
	}
	if httpReq.Header.Get("anthropic-version") != "2023-06-01" {
		t.Errorf("expected anthropic-version header")
	}

	body, _ := io.ReadAll(httpReq.Body)
	var areq anthropicRequest
	json.Unmarshal(body, &areq)

	if areq.System != "You are helpful." {
		t.Errorf("expected system message extracted, got: %s", areq.System)
	}
	if len(areq.Messages) != 1 {
		t.Errorf("expected 1 message (system extracted), got %d", len(areq.Messages))
	}
	if areq.Model != "claude-sonnet-4" {
		t.Errorf("expected provider default model, got %s", areq.Model)
	}
}

func TestAnthropicBuildRequestTools(t *testing.T) {
	p := newAnthropic("sk-ant-test", "", "claude-sonnet-4")

	req := &Request{
		Messages: []Message{
			{Role: "user", Content: "Look it up"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "tu_1", Name: "web_search", Input: json.RawMessage(`{"query":"go"}`)}}},
			{Role: "tool", ToolCallID: "tu_1", Content: `{"results":[]}`},
		},
		Tools: []Tool{{Name: "web_search", Description: "Search the web", Schema: json.RawMessage(`{"type":"object"}`)}},
	}

	httpReq, err := p.BuildRequest(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	body, _ := io.ReadAll(httpReq.Body)
	var areq anthropicRequest
	json.Unmarshal(body, &areq)

	if len(areq.Tools) != 1 || areq.Tools[0].Name != "web_search" {
		t.Fatalf("expected web_search tool, got %+v", areq.Tools)
	}
	if len(areq.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(areq.Messages))
	}
	if areq.Messages[1].Content[0].Type != "tool_use" {
		t.Errorf("expected tool_use block, got %s", areq.Messages[1].Content[0].Type)
	}
	// Tool results travel as user messages with a tool_result block.
	if areq.Messages[2].Role != "user" || areq.Messages[2].Content[0].Type != "tool_result" {
		t.Errorf("expected user tool_result message, got %+v", areq.Messages[2])
	}
	if areq.Messages[2].Content[0].ToolUseID != "tu_1" {
		t.Errorf("expected tool_use_id tu_1, got %s", areq.Messages[2].Content[0].ToolUseID)
	}
}

func TestAnthropicParseResponse(t *testing.T) {
	p := newAnthropic("sk-test", "", "")

	body := `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"Hello!"},{"type":"tool_use","id":"tu_9","name":"web_fetch","input":{"url":"https://example.com"}}],"stop_reason":"tool_use","usage":{"input_tokens":10,"output_tokens":5}}`

	resp, err := p.ParseResponse([]byte(body), 200)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "Hello!" {
		t.Errorf("unexpected text: %s", resp.Text)
	}
	if resp.StopReason != "tool_use" {
		t.Errorf("expected tool_use, got: %s", resp.StopReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "web_fetch" {
		t.Fatalf("expected one web_fetch tool call, got %+v", resp.ToolCalls)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 5 {
		t.Errorf("unexpected usage: %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAIBuildRequest(t *testing.T) {
	p := newOpenAI("sk-test", "", "gpt-4o")

	req := &Request{
		System:   "Be brief.",
		Messages: []Message{{Role: "user", Content: "Hello"}},
		Tools:    []Tool{{Name: "web_search", Schema: json.RawMessage(`{"type":"object"}`)}},
	}

	httpReq, err := p.BuildRequest(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	if httpReq.URL.Path != "/v1/chat/completions" {
		t.Errorf("expected /v1/chat/completions, got %s", httpReq.URL.Path)
	}
	if httpReq.Header.Get("Authorization") != "Bearer sk-test" {
		t.Errorf("expected Bearer auth header")
	}

	body, _ := io.ReadAll(httpReq.Body)
	var oreq openaiRequest
	json.Unmarshal(body, &oreq)

	if len(oreq.Messages) != 2 || oreq.Messages[0].Role != "system" {
		t.Errorf("expected leading system message, got %+v", oreq.Messages)
	}
	if len(oreq.Tools) != 1 || oreq.Tools[0].Type != "function" || oreq.Tools[0].Function.Name != "web_search" {
		t.Errorf("unexpected tools: %+v", oreq.Tools)
	}
}

func TestOpenAIParseResponse(t *testing.T) {
	p := newOpenAI("sk-test", "", "gpt-4o")

	body := `{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"web_search","arguments":"{\"query\":\"go\"}"}}]},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":5,"completion_tokens":1}}`

	resp, err := p.ParseResponse([]byte(body), 200)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StopReason != "tool_calls" {
		t.Errorf("expected tool_calls, got: %s", resp.StopReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "call_1" {
		t.Fatalf("expected one tool call, got %+v", resp.ToolCalls)
	}
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(resp.ToolCalls[0].Input, &args); err != nil || args.Query != "go" {
		t.Errorf("unexpected tool arguments: %s", resp.ToolCalls[0].Input)
	}
}

func TestOpenAIParseResponseNoChoices(t *testing.T) {
	p := newOpenAI("sk-test", "", "gpt-4o")
	if _, err := p.ParseResponse([]byte(`{"choices":[]}`), 200); err == nil {
		t.Error("expected error for empty choices")
	}
}

func TestProviderErrorTemporary(t *testing.T) {
	tests := []struct {
		status    int
		temporary bool
	}{
		{400, false},
		{401, false},
		{404, false},
		{429, true},
		{500, true},
		{502, true},
		{529, true},
	}
	for _, tt := range tests {
		err := &ProviderError{Provider: "anthropic", Status: tt.status}
		if err.Temporary() != tt.temporary {
			t.Errorf("status %d: expected temporary=%v", tt.status, tt.temporary)
		}
	}
}

func TestParseResponseErrorStatus(t *testing.T) {
	p := newAnthropic("sk-test", "", "")
	_, err := p.ParseResponse([]byte(`{"error":{"type":"overloaded_error"}}`), 529)
	if err == nil {
		t.Fatal("expected error")
	}
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if perr.Status != 529 || !perr.Temporary() {
		t.Errorf("expected temporary 529 error, got %+v", perr)
	}
}

func TestNewProvider(t *testing.T) {
	for _, kind := range []string{"anthropic", "openai", "openrouter"} {
		p, err := NewProvider(kind, "key", "", "model")
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if p.Name() != kind {
			t.Errorf("expected name %s, got %s", kind, p.Name())
		}
	}
	if _, err := NewProvider("bedrock", "key", "", "model"); err == nil {
		t.Error("expected error for unknown provider kind")
	}
}

func TestClientComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("expected x-api-key header")
		}
		var areq anthropicRequest
		json.NewDecoder(r.Body).Decode(&areq)
		if areq.Model != "claude-sonnet-4" {
			t.Errorf("expected client default model, got %s", areq.Model)
		}
		if areq.MaxTokens != 2048 {
			t.Errorf("expected client default max_tokens, got %d", areq.MaxTokens)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","model":"claude-sonnet-4","content":[{"type":"text","text":"Hi there!"}],"stop_reason":"end_turn","usage":{"input_tokens":8,"output_tokens":4}}`))
	}))
	defer server.Close()

	p, err := NewProvider("anthropic", "test-key", server.URL, "claude-sonnet-4")
	if err != nil {
		t.Fatal(err)
	}
	client := NewClient(p, 5*time.Second, "claude-sonnet-4", 2048)

	resp, err := client.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "Hi there!" {
		t.Errorf("unexpected text: %s", resp.Text)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("unexpected stop reason: %s", resp.StopReason)
	}
}

func TestClientCompleteUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
	}))
	defer server.Close()

	p, _ := NewProvider("openai", "test-key", server.URL, "gpt-4o")
	client := NewClient(p, 5*time.Second, "gpt-4o", 0)

	_, err := client.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "Hello"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if perr.Status != 429 {
		t.Errorf("expected 429, got %d", perr.Status)
	}
}

func TestOpenRouterDefaults(t *testing.T) {
	p := newOpenRouter("or-key", "", "meta-llama/llama-3-70b")
	req, err := p.BuildRequest(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatal(err)
	}
	if req.URL.Host != "openrouter.ai" {
		t.Errorf("expected openrouter.ai host, got %s", req.URL.Host)
	}
	if req.URL.Path != "/api/v1/chat/completions" {
		t.Errorf("unexpected path: %s", req.URL.Path)
	}
	if p.Name() != "openrouter" {
		t.Errorf("expected openrouter, got %s", p.Name())
	}
}
