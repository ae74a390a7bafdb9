package compile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EsbuildClient talks to an esbuild transform service over HTTP. The service
// accepts a transform request and returns compiled output plus diagnostics.
type EsbuildClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewEsbuildClient creates a client for the esbuild service at baseURL.
func NewEsbuildClient(baseURL string, timeout time.Duration) *EsbuildClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EsbuildClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type esbuildRequest struct {
	Code      string `json:"code"`
	Loader    string `json:"loader"`
	Target    string `json:"target,omitempty"`
	Format    string `json:"format,omitempty"`
	JSX       string `json:"jsx,omitempty"`
	Sourcemap bool   `json:"sourcemap,omitempty"`
}

type esbuildResponse struct {
	Code     string   `json:"code"`
	Map      string   `json:"map,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Transform sends code to the esbuild service. A transport or server failure
// returns an error; compile diagnostics come back in the response.
func (c *EsbuildClient) Transform(ctx context.Context, code string, opts Options) (*esbuildResponse, error) {
	body, err := json.Marshal(esbuildRequest{
		Code:      code,
		Loader:    opts.Loader,
		Target:    opts.Target,
		Format:    opts.Format,
		JSX:       opts.JSX,
		Sourcemap: opts.Sourcemap,
	})
	if err != nil {
		return nil, fmt.Errorf("esbuild: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("esbuild: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("esbuild: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("esbuild: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnprocessableEntity {
		return nil, fmt.Errorf("esbuild: service returned %d", resp.StatusCode)
	}

	var out esbuildResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("esbuild: decode response: %w", err)
	}
	return &out, nil
}
