// Package sandbox runs function code in an external runtime. The gateway
// never executes user code in-process; it ships source (or the compiled
// artifact) to an HTTP sandbox service or an AWS Lambda worker and relays
// the verdict.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/functionsdo/gateway/internal/config"
)

// Request is one execution order for the runtime.
type Request struct {
	Code       string         `json:"code"`
	Input      map[string]any `json:"input"`
	EntryPoint string         `json:"entryPoint,omitempty"`
	Language   string         `json:"language,omitempty"`
	TimeoutMs  int64          `json:"timeoutMs,omitempty"`
}

// Result is the runtime's verdict. Output is the function return value;
// Logs carries any console output the runtime captured.
type Result struct {
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Logs       []LogLine       `json:"logs,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
}

// LogLine is one captured console line.
type LogLine struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// Runner executes code in some isolated runtime.
type Runner interface {
	Name() string
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// New selects a runner from config: Lambda when a function is named,
// otherwise the HTTP sandbox service. Returns nil without error when
// neither backend is configured; the dispatcher answers 501 in that case.
func New(cfg config.SandboxConfig) (Runner, error) {
	if cfg.Lambda.Function != "" {
		return newLambdaRunner(cfg.Lambda)
	}
	if cfg.URL != "" {
		return newHTTPRunner(cfg.URL, 0), nil
	}
	return nil, nil
}

// errorResult folds a runtime-reported failure into a Result.
func errorResult(msg string) *Result {
	return &Result{Success: false, Error: msg}
}

func decodeResult(body []byte) (*Result, error) {
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("sandbox: malformed runtime reply: %w", err)
	}
	return &res, nil
}
