package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if seen == "" {
		t.Fatal("no request id in context")
	}
	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("request id %q is not a UUID: %v", seen, err)
	}
	if got := w.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("response header = %q, context id = %q", got, seen)
	}
}

func TestRequestIDReused(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Request-ID", "caller-supplied-id")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if seen != "caller-supplied-id" {
		t.Errorf("context id = %q, want the caller's", seen)
	}
	if got := w.Header().Get("X-Request-ID"); got != "caller-supplied-id" {
		t.Errorf("response header = %q, want the caller's", got)
	}
}

func TestRequestIDFromContextUnset(t *testing.T) {
	if got := RequestIDFromContext(httptest.NewRequest("GET", "/", nil).Context()); got != "" {
		t.Errorf("got %q before the stage ran, want empty", got)
	}
}
