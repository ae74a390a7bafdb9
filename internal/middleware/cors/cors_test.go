package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/functionsdo/gateway/internal/config"
)

func corsHandler(cfg config.CORSConfig) http.Handler {
	return New(cfg).Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestPreflight(t *testing.T) {
	h := corsHandler(config.CORSConfig{
		Enabled:      true,
		AllowOrigins: []string{"https://app.functions.do"},
		MaxAge:       3600,
	})

	r := httptest.NewRequest("OPTIONS", "/v1/functions/add", nil)
	r.Header.Set("Origin", "https://app.functions.do")
	r.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.functions.do" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "3600" {
		t.Errorf("max-age = %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("allow-methods missing")
	}
}

func TestPreflightDisallowedOrigin(t *testing.T) {
	h := corsHandler(config.CORSConfig{
		Enabled:      true,
		AllowOrigins: []string{"https://app.functions.do"},
	})

	r := httptest.NewRequest("OPTIONS", "/v1/functions/add", nil)
	r.Header.Set("Origin", "https://evil.test")
	r.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("allow-origin = %q, want absent", got)
	}
}

func TestActualRequestHeaders(t *testing.T) {
	h := corsHandler(config.CORSConfig{
		Enabled:          true,
		AllowOrigins:     []string{"*.functions.do"},
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: true,
	})

	r := httptest.NewRequest("GET", "/v1/functions/add", nil)
	r.Header.Set("Origin", "https://console.functions.do")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want handler's 200", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://console.functions.do" {
		t.Errorf("allow-origin = %q, want echoed subdomain", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("allow-credentials missing")
	}
	if got := w.Header().Get("Access-Control-Expose-Headers"); got != "X-Request-ID" {
		t.Errorf("expose-headers = %q", got)
	}
}

func TestWildcardWithoutCredentials(t *testing.T) {
	h := corsHandler(config.CORSConfig{Enabled: true, AllowOrigins: []string{"*"}})

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Origin", "https://anywhere.test")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q, want *", got)
	}
}

func TestNoOriginNoHeaders(t *testing.T) {
	h := corsHandler(config.CORSConfig{Enabled: true, AllowOrigins: []string{"*"}})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("allow-origin = %q on a same-origin request", got)
	}
}
