package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/functionsdo/gateway/internal/config"
	"github.com/functionsdo/gateway/internal/logging"
)

func captureLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, obs := observer.New(zapcore.InfoLevel)
	original := logging.Global()
	logging.SetGlobal(zap.New(core))
	t.Cleanup(func() { logging.SetGlobal(original) })
	return obs
}

func TestAccessLogFields(t *testing.T) {
	obs := captureLogs(t)

	h := AccessLog(config.AccessLogConfig{Enabled: true})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte("made"))
		}))

	r := httptest.NewRequest("POST", "/v1/functions/add?version=v2", nil)
	r.Header.Set("CF-Connecting-IP", "203.0.113.9")
	h.ServeHTTP(httptest.NewRecorder(), r)

	entries := obs.FilterMessage("http request").All()
	if len(entries) != 1 {
		t.Fatalf("got %d log entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["method"] != "POST" || fields["path"] != "/v1/functions/add" {
		t.Errorf("method/path = %v/%v", fields["method"], fields["path"])
	}
	if fields["status"] != int64(201) {
		t.Errorf("status = %v, want 201", fields["status"])
	}
	if fields["bytes"] != int64(4) {
		t.Errorf("bytes = %v, want 4", fields["bytes"])
	}
	if fields["ip"] != "203.0.113.9" {
		t.Errorf("ip = %v, want the CF-Connecting-IP value", fields["ip"])
	}
	if fields["query"] != "version=v2" {
		t.Errorf("query = %v", fields["query"])
	}
}

func TestAccessLogSkipPaths(t *testing.T) {
	obs := captureLogs(t)

	h := AccessLog(config.AccessLogConfig{
		Enabled:   true,
		SkipPaths: []string{"/health"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/functions/x", nil))

	if n := len(obs.FilterMessage("http request").All()); n != 1 {
		t.Errorf("got %d log entries, want 1 (health skipped)", n)
	}
}

func TestAccessLogPassesResponseThrough(t *testing.T) {
	captureLogs(t)

	h := AccessLog(config.AccessLogConfig{Enabled: true})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte("queued"))
		}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusAccepted || w.Body.String() != "queued" {
		t.Errorf("response = %d %q, want 202 queued", w.Code, w.Body.String())
	}
}
