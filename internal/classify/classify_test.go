package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/functionsdo/gateway/internal/config"
	"github.com/functionsdo/gateway/internal/fn"
)

// replyServer returns an OpenAI-shaped completion whose content is text.
func replyServer(t *testing.T, calls *atomic.Int64, text string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		body, _ := json.Marshal(map[string]any{
			"model": "test-model",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": text}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5},
		})
		w.Write(body)
	}))
}

func testConfig(urls ...string) config.ClassifierConfig {
	cfg := config.ClassifierConfig{CacheSize: 10, CacheTTL: time.Minute}
	for _, u := range urls {
		cfg.Providers = append(cfg.Providers, config.ProviderConfig{
			Kind: "openai", APIKey: "test", BaseURL: u, Model: "test-model", Timeout: 2 * time.Second,
		})
	}
	return cfg
}

func TestNewRejectsEmptyProviders(t *testing.T) {
	if _, err := New(config.ClassifierConfig{}); err == nil {
		t.Fatal("expected error for empty provider list")
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	cfg := config.ClassifierConfig{Providers: []config.ProviderConfig{{Kind: "psychic"}}}
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for unknown provider kind")
	}
}

func TestClassifyProviderVerdict(t *testing.T) {
	var calls atomic.Int64
	server := replyServer(t, &calls, `{"type":"generative","confidence":0.9,"reasoning":"writes text"}`)
	defer server.Close()

	c, err := New(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	entry := c.Classify(context.Background(), "write-poem", "composes a poem", nil)
	if entry.Type != fn.KindGenerative {
		t.Errorf("expected generative, got %s", entry.Type)
	}
	if entry.Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", entry.Confidence)
	}
	if entry.Provider != "openai" {
		t.Errorf("expected provider openai, got %s", entry.Provider)
	}
	if entry.Reasoning != "writes text" {
		t.Errorf("unexpected reasoning: %s", entry.Reasoning)
	}

	// Second call for the same signature hits the cache.
	c.Classify(context.Background(), "write-poem", "composes a poem", nil)
	if calls.Load() != 1 {
		t.Errorf("expected 1 provider call, got %d", calls.Load())
	}

	stats := c.Stats()
	if stats.CacheHits != 1 || stats.CacheMisses != 1 {
		t.Errorf("unexpected cache stats: %+v", stats)
	}
}

func TestClassifyDistinctSchemasMiss(t *testing.T) {
	var calls atomic.Int64
	server := replyServer(t, &calls, `{"type":"code","confidence":0.8}`)
	defer server.Close()

	c, _ := New(testConfig(server.URL))
	c.Classify(context.Background(), "convert", "", json.RawMessage(`{"type":"object"}`))
	c.Classify(context.Background(), "convert", "", json.RawMessage(`{"type":"array"}`))
	if calls.Load() != 2 {
		t.Errorf("expected 2 provider calls for distinct schemas, got %d", calls.Load())
	}
}

func TestClassifyFencedReply(t *testing.T) {
	server := replyServer(t, nil, "```json\n{\"type\":\"agentic\",\"confidence\":0.7}\n```")
	defer server.Close()

	c, _ := New(testConfig(server.URL))
	entry := c.Classify(context.Background(), "crawl-site", "", nil)
	if entry.Type != fn.KindAgentic || entry.Confidence != 0.7 {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestClassifyConfidenceDefaultsAndClamps(t *testing.T) {
	tests := []struct {
		reply string
		want  float64
	}{
		{`{"type":"code"}`, 0.5},
		{`{"type":"code","confidence":1.7}`, 1},
		{`{"type":"code","confidence":-0.2}`, 0},
	}
	for i, tt := range tests {
		server := replyServer(t, nil, tt.reply)
		c, _ := New(testConfig(server.URL))
		entry := c.Classify(context.Background(), fmt.Sprintf("f-%d", i), "", nil)
		server.Close()
		if entry.Confidence != tt.want {
			t.Errorf("reply %s: expected confidence %v, got %v", tt.reply, tt.want, entry.Confidence)
		}
	}
}

func TestClassifySubstringFallback(t *testing.T) {
	server := replyServer(t, nil, "This is clearly an agentic workload, not simple code.")
	defer server.Close()

	c, _ := New(testConfig(server.URL))
	entry := c.Classify(context.Background(), "do-stuff", "", nil)
	// "code" appears later in the reply; tier order scans code first.
	if entry.Type != fn.KindCode {
		t.Errorf("expected code from substring scan, got %s", entry.Type)
	}
	if entry.Confidence != 0.5 {
		t.Errorf("expected confidence 0.5, got %v", entry.Confidence)
	}
}

func TestClassifyInvalidTypeTriesNextProvider(t *testing.T) {
	bad := replyServer(t, nil, `{"type":"quantum","confidence":0.9}`)
	defer bad.Close()
	good := replyServer(t, nil, `{"type":"human","confidence":0.8}`)
	defer good.Close()

	c, _ := New(testConfig(bad.URL, good.URL))
	entry := c.Classify(context.Background(), "escalate", "", nil)
	if entry.Type != fn.KindHuman {
		t.Errorf("expected human from second provider, got %s", entry.Type)
	}
}

func TestClassifyHeuristicWhenProvidersFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c, _ := New(testConfig(server.URL))
	entry := c.Classify(context.Background(), "approve-expense", "review and approve expense reports", nil)
	if entry.Provider != "fallback" {
		t.Fatalf("expected fallback provider, got %s", entry.Provider)
	}
	if entry.Type != fn.KindHuman {
		t.Errorf("expected human, got %s", entry.Type)
	}
	if entry.Confidence != 0.8 {
		t.Errorf("expected boosted confidence 0.8, got %v", entry.Confidence)
	}

	// Heuristic verdicts are not cached: the provider is consulted again.
	stats := c.Stats()
	if stats.Heuristic != 1 {
		t.Errorf("expected 1 heuristic verdict, got %d", stats.Heuristic)
	}
}

func TestHeuristicTables(t *testing.T) {
	tests := []struct {
		name        string
		description string
		wantType    fn.Kind
		wantConf    float64
	}{
		{"calculate-tax", "", fn.KindCode, 0.6},
		{"summarize-doc", "", fn.KindGenerative, 0.6},
		{"research-topic", "", fn.KindAgentic, 0.6},
		{"approve-refund", "", fn.KindHuman, 0.6},
		{"approve-refund", "review requests", fn.KindHuman, 0.8},
		{"handler", "translate text to French", fn.KindGenerative, 0.6},
		{"mystery", "does things", fn.KindCode, 0.3},
	}
	for _, tt := range tests {
		got := heuristic(tt.name, tt.description)
		if got.Type != tt.wantType || got.Confidence != tt.wantConf {
			t.Errorf("heuristic(%q, %q) = %s/%v, want %s/%v",
				tt.name, tt.description, got.Type, got.Confidence, tt.wantType, tt.wantConf)
		}
		if got.Provider != "fallback" {
			t.Errorf("heuristic provider = %s, want fallback", got.Provider)
		}
	}
}

func TestUnwrapFences(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"type":"code"}`, `{"type":"code"}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  ```JSON\n{\"a\":1}\n```  ", `{"a":1}`},
		{"no fences here", "no fences here"},
	}
	for _, tt := range tests {
		if got := unwrapFences(tt.in); got != tt.want {
			t.Errorf("unwrapFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseReplyRejectsGarbage(t *testing.T) {
	if _, ok := parseReply("I cannot help with that."); ok {
		t.Error("expected parse failure for reply without tier names")
	}
	if _, ok := parseReply(`{"type":"cascade"}`); ok {
		t.Error("cascade is not a classifiable tier")
	}
}
