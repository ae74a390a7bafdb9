package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBodyLimitRejectsDeclaredLength(t *testing.T) {
	h := BodyLimit(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler ran for an oversized body")
	}))

	r := httptest.NewRequest("POST", "/v1/functions/x", strings.NewReader("123456789"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestBodyLimitCapsReads(t *testing.T) {
	var readErr error
	h := BodyLimit(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	// No Content-Length: force the handler-side limit.
	r := httptest.NewRequest("POST", "/v1/functions/x", io.NopCloser(strings.NewReader("0123456789abcdef")))
	r.ContentLength = -1
	h.ServeHTTP(httptest.NewRecorder(), r)

	var mbe *http.MaxBytesError
	if !errors.As(readErr, &mbe) {
		t.Errorf("read error = %v, want MaxBytesError", readErr)
	}
}

func TestBodyLimitAllowsSmallBodies(t *testing.T) {
	var body []byte
	h := BodyLimit(64)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
	}))

	r := httptest.NewRequest("POST", "/v1/functions/x", strings.NewReader(`{"a":1}`))
	h.ServeHTTP(httptest.NewRecorder(), r)

	if string(body) != `{"a":1}` {
		t.Errorf("body = %q", body)
	}
}
