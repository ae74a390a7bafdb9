package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/functionsdo/gateway/internal/tracing"
)

// httpRunner posts executions to a sandbox service.
type httpRunner struct {
	baseURL    string
	httpClient *http.Client
}

func newHTTPRunner(baseURL string, timeout time.Duration) *httpRunner {
	if timeout <= 0 {
		// The per-call context carries the tier deadline; this is a backstop.
		timeout = 2 * time.Minute
	}
	return &httpRunner{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (r *httpRunner) Name() string { return "http" }

func (r *httpRunner) Execute(ctx context.Context, req *Request) (*Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.Inject(ctx, httpReq.Header)

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("sandbox: read reply: %w", err)
	}

	// The service reports execution failures in the Result body with a 200;
	// other statuses mean the service itself is unhealthy.
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox: service returned status %d: %s", resp.StatusCode, firstLine(body))
	}
	return decodeResult(body)
}

func firstLine(b []byte) string {
	s := string(b)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
