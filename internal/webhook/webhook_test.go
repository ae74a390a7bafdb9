package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/functionsdo/gateway/internal/config"
)

func newTestDeliverer(t *testing.T, cfg config.WebhookConfig) *Deliverer {
	t.Helper()
	d := New(cfg)
	d.baseBackoff = time.Millisecond
	t.Cleanup(d.Close)
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDeliverSignedHeaders(t *testing.T) {
	var mu sync.Mutex
	var gotHeader http.Header
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotHeader = r.Header.Clone()
		gotBody = body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDeliverer(t, config.WebhookConfig{Secret: "hunter2"})
	if !d.Enqueue("task.completed", srv.URL, map[string]any{"taskId": "t-1", "status": "completed"}) {
		t.Fatal("Enqueue returned false")
	}

	waitFor(t, "delivery", func() bool { return d.Stats().Metrics.Delivered == 1 })

	mu.Lock()
	defer mu.Unlock()
	if got := gotHeader.Get("X-Webhook-Event"); got != "task.completed" {
		t.Errorf("X-Webhook-Event = %q, want task.completed", got)
	}
	if gotHeader.Get("X-Webhook-ID") == "" {
		t.Error("X-Webhook-ID missing")
	}
	if gotHeader.Get("X-Webhook-Timestamp") == "" {
		t.Error("X-Webhook-Timestamp missing")
	}
	if got := gotHeader.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}

	mac := hmac.New(sha256.New, []byte("hunter2"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if got := gotHeader.Get("X-Webhook-Signature"); got != want {
		t.Errorf("signature = %q, want %q", got, want)
	}

	var payload map[string]any
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload["taskId"] != "t-1" {
		t.Errorf("payload taskId = %v", payload["taskId"])
	}
}

func TestNoSignatureWithoutSecret(t *testing.T) {
	var sigPresent atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sigPresent.Store(r.Header.Get("X-Webhook-Signature") != "")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDeliverer(t, config.WebhookConfig{})
	d.Enqueue("task.expired", srv.URL, map[string]any{"taskId": "t-2"})
	waitFor(t, "delivery", func() bool { return d.Stats().Metrics.Delivered == 1 })

	if sigPresent.Load() {
		t.Error("signature header set without a configured secret")
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDeliverer(t, config.WebhookConfig{MaxRetries: 5})
	d.Enqueue("task.completed", srv.URL, map[string]any{"taskId": "t-3"})
	waitFor(t, "delivery after retries", func() bool { return d.Stats().Metrics.Delivered == 1 })

	if got := calls.Load(); got != 3 {
		t.Errorf("endpoint called %d times, want 3", got)
	}
	stats := d.Stats()
	if stats.Metrics.Retried != 2 {
		t.Errorf("Retried = %d, want 2", stats.Metrics.Retried)
	}
	if len(stats.Recent) != 1 {
		t.Fatalf("Recent has %d entries, want 1", len(stats.Recent))
	}
	rec := stats.Recent[0]
	if !rec.Delivered || rec.Attempts != 3 {
		t.Errorf("recorded delivery = {Delivered:%v Attempts:%d}, want delivered in 3 attempts", rec.Delivered, rec.Attempts)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := newTestDeliverer(t, config.WebhookConfig{MaxRetries: 5})
	d.Enqueue("task.cancelled", srv.URL, map[string]any{"taskId": "t-4"})
	waitFor(t, "failure", func() bool { return d.Stats().Metrics.Failed == 1 })

	if got := calls.Load(); got != 1 {
		t.Errorf("endpoint called %d times, want 1", got)
	}
	rec := d.Stats().Recent[0]
	if rec.Delivered {
		t.Error("delivery marked delivered after 400")
	}
	if !strings.Contains(rec.LastError, "status 400") {
		t.Errorf("LastError = %q, want status 400 mention", rec.LastError)
	}
}

func TestQueueFullDropsDelivery(t *testing.T) {
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDeliverer(t, config.WebhookConfig{Workers: 1, QueueSize: 1})
	defer close(release)

	if !d.Enqueue("task.completed", srv.URL, map[string]any{"n": 1}) {
		t.Fatal("first Enqueue returned false")
	}
	<-entered // worker is busy, queue is empty again

	if !d.Enqueue("task.completed", srv.URL, map[string]any{"n": 2}) {
		t.Fatal("second Enqueue returned false")
	}
	if d.Enqueue("task.completed", srv.URL, map[string]any{"n": 3}) {
		t.Error("third Enqueue succeeded with a full queue")
	}
	if got := d.Stats().Metrics.Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func TestEnqueueRejectsUnserializablePayload(t *testing.T) {
	d := newTestDeliverer(t, config.WebhookConfig{})
	if d.Enqueue("task.completed", "http://127.0.0.1:0/hook", make(chan int)) {
		t.Error("Enqueue accepted an unserializable payload")
	}
	if got := d.Stats().Metrics.Enqueued; got != 0 {
		t.Errorf("Enqueued = %d, want 0", got)
	}
}

func TestHistoryKeepsLastHundred(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDeliverer(t, config.WebhookConfig{Workers: 4, QueueSize: 256})
	const n = 110
	for i := 0; i < n; i++ {
		d.Enqueue("task.completed", srv.URL, map[string]any{"n": i})
	}
	waitFor(t, "all deliveries", func() bool { return d.Stats().Metrics.Delivered == n })

	if got := len(d.Stats().Recent); got != historySize {
		t.Errorf("Recent has %d entries, want %d", got, historySize)
	}
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"bad request", &statusError{status: 400}, false},
		{"not found", &statusError{status: 404}, false},
		{"gone", &statusError{status: 410}, false},
		{"server error", &statusError{status: 500}, true},
		{"unavailable", &statusError{status: 503}, true},
		{"transport error", errors.New("connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatsReportsQueue(t *testing.T) {
	d := newTestDeliverer(t, config.WebhookConfig{QueueSize: 7})
	if got := d.Stats().QueueSize; got != 7 {
		t.Errorf("QueueSize = %d, want 7", got)
	}
}
