//go:build ignore

// Mock sandbox for local development. Speaks the /execute wire protocol and
// echoes the invocation input back as the function output.
// Run with: go run scripts/mock-sandbox.go -port 9001
// then point executors.sandbox.url at http://localhost:9001.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"
)

type executeRequest struct {
	Code       string         `json:"code"`
	Input      map[string]any `json:"input"`
	EntryPoint string         `json:"entryPoint,omitempty"`
	Language   string         `json:"language,omitempty"`
	TimeoutMs  int64          `json:"timeoutMs,omitempty"`
}

type logLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type executeResult struct {
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Logs       []logLine       `json:"logs,omitempty"`
	DurationMs int64           `json:"durationMs"`
}

func main() {
	port := flag.Int("port", 9001, "Port to listen on")
	flag.Parse()

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "runner": "mock"})
	})

	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		lang := req.Language
		if lang == "" {
			lang = "typescript"
		}
		output, _ := json.Marshal(map[string]any{"echo": req.Input})
		res := executeResult{
			Success: true,
			Output:  output,
			Logs: []logLine{{
				Level:   "info",
				Message: fmt.Sprintf("mock run: %d bytes of %s", len(req.Code), lang),
			}},
			DurationMs: time.Since(start).Milliseconds(),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock sandbox listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}
