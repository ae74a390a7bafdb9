package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/functionsdo/gateway/internal/config"
)

func TestHTTPRunnerExecute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" {
			t.Errorf("expected /execute, got %s", r.URL.Path)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Code != "export default () => 42" {
			t.Errorf("unexpected code: %s", req.Code)
		}
		if req.Input["n"] != float64(7) {
			t.Errorf("unexpected input: %v", req.Input)
		}
		if req.TimeoutMs != 5000 {
			t.Errorf("unexpected timeout: %d", req.TimeoutMs)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"output":{"answer":42},"logs":[{"level":"info","message":"computing"}],"durationMs":3}`))
	}))
	defer server.Close()

	runner := newHTTPRunner(server.URL, 0)
	res, err := runner.Execute(context.Background(), &Request{
		Code:      "export default () => 42",
		Input:     map[string]any{"n": float64(7)},
		TimeoutMs: 5000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	var out map[string]any
	json.Unmarshal(res.Output, &out)
	if out["answer"] != float64(42) {
		t.Errorf("unexpected output: %s", res.Output)
	}
	if len(res.Logs) != 1 || res.Logs[0].Message != "computing" {
		t.Errorf("unexpected logs: %+v", res.Logs)
	}
}

func TestHTTPRunnerExecutionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":false,"error":"ReferenceError: x is not defined"}`))
	}))
	defer server.Close()

	runner := newHTTPRunner(server.URL, 0)
	res, err := runner.Execute(context.Background(), &Request{Code: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("expected failure result")
	}
	if res.Error != "ReferenceError: x is not defined" {
		t.Errorf("unexpected error: %s", res.Error)
	}
}

func TestHTTPRunnerServiceDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	runner := newHTTPRunner(server.URL, 0)
	if _, err := runner.Execute(context.Background(), &Request{Code: "1"}); err == nil {
		t.Fatal("expected transport error for non-200 service reply")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	r, err := New(config.SandboxConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if r != nil {
		t.Fatal("expected nil runner when nothing is configured")
	}

	r, err = New(config.SandboxConfig{URL: "http://sandbox.internal:9000"})
	if err != nil {
		t.Fatal(err)
	}
	if r == nil || r.Name() != "http" {
		t.Fatalf("expected http runner, got %v", r)
	}
}

func TestLambdaErrorMessage(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`{"errorMessage":"task timed out","errorType":"TimeoutError"}`, "TimeoutError: task timed out"},
		{`{"errorMessage":"boom"}`, "boom"},
		{`not json`, "not json"},
	}
	for _, tt := range tests {
		if got := lambdaErrorMessage([]byte(tt.payload)); got != tt.want {
			t.Errorf("lambdaErrorMessage(%q) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}
