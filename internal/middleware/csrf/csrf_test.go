package csrf

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/functionsdo/gateway/internal/config"
)

func okHandler() (http.Handler, *bool) {
	ran := new(bool)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*ran = true
		w.WriteHeader(http.StatusOK)
	}), ran
}

func protectedRequest(method, path, cookie, header string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	if cookie != "" {
		r.AddCookie(&http.Cookie{Name: "csrf", Value: cookie})
	}
	if header != "" {
		r.Header.Set("X-CSRF-Token", header)
	}
	return r
}

func assertCSRFRejected(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("body is not the error envelope: %v", err)
	}
	if env.Error.Code != "CSRF_INVALID" {
		t.Errorf("code = %q, want CSRF_INVALID", env.Error.Code)
	}
}

func TestIssueTokenCookieAttributes(t *testing.T) {
	p := New(config.CSRFConfig{Enabled: true})
	w := httptest.NewRecorder()

	token, err := p.IssueToken(w)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(token))
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("got %d cookies, want 1", len(cookies))
	}
	c := cookies[0]
	if c.Name != "csrf" || c.Value != token {
		t.Errorf("cookie = %s=%s, want csrf=%s", c.Name, c.Value, token)
	}
	if c.Path != "/" || c.SameSite != http.SameSiteStrictMode || !c.Secure {
		t.Errorf("cookie attrs = path %q samesite %v secure %v", c.Path, c.SameSite, c.Secure)
	}
	if c.MaxAge != 86400 {
		t.Errorf("MaxAge = %d, want 86400", c.MaxAge)
	}
	if c.HttpOnly {
		t.Error("cookie must not be HttpOnly; the browser has to read it")
	}
}

func TestDoubleSubmitAccepted(t *testing.T) {
	p := New(config.CSRFConfig{Enabled: true})
	h, ran := okHandler()

	w := httptest.NewRecorder()
	p.Middleware()(h).ServeHTTP(w, protectedRequest("POST", "/form", "tok-1234", "tok-1234"))

	if !*ran || w.Code != http.StatusOK {
		t.Errorf("ran=%v status=%d, want pass", *ran, w.Code)
	}
	if got := p.Stats().Validated; got != 1 {
		t.Errorf("validated = %d, want 1", got)
	}
}

func TestDoubleSubmitRejections(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		header string
	}{
		{"nothing", "", ""},
		{"cookie only", "tok-1234", ""},
		{"header only", "", "tok-1234"},
		{"mismatch", "tok-1234", "tok-9999"},
		{"length mismatch", "tok-1234", "tok-12345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(config.CSRFConfig{Enabled: true})
			h, ran := okHandler()

			w := httptest.NewRecorder()
			p.Middleware()(h).ServeHTTP(w, protectedRequest("POST", "/form", tt.cookie, tt.header))

			if *ran {
				t.Error("handler ran for a rejected request")
			}
			assertCSRFRejected(t, w)
			if got := p.Stats().Rejected; got != 1 {
				t.Errorf("rejected = %d, want 1", got)
			}
		})
	}
}

func TestBypassSafeMethods(t *testing.T) {
	p := New(config.CSRFConfig{Enabled: true})
	for _, method := range []string{"GET", "HEAD", "OPTIONS"} {
		h, ran := okHandler()
		w := httptest.NewRecorder()
		p.Middleware()(h).ServeHTTP(w, protectedRequest(method, "/form", "", ""))
		if !*ran {
			t.Errorf("%s was not bypassed", method)
		}
	}
}

func TestBypassAPICredentials(t *testing.T) {
	p := New(config.CSRFConfig{Enabled: true})

	tests := []struct {
		name   string
		header string
		value  string
	}{
		{"api key", "X-API-Key", "fn_abc"},
		{"bearer", "Authorization", "Bearer tok"},
		{"bearer lowercase", "Authorization", "bearer tok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, ran := okHandler()
			r := protectedRequest("POST", "/v1/functions/x", "", "")
			r.Header.Set(tt.header, tt.value)
			p.Middleware()(h).ServeHTTP(httptest.NewRecorder(), r)
			if !*ran {
				t.Error("credentialed request was not bypassed")
			}
		})
	}

	// Non-bearer Authorization still requires the token.
	h, ran := okHandler()
	r := protectedRequest("POST", "/form", "", "")
	r.Header.Set("Authorization", "Basic dXNlcjpwdw==")
	w := httptest.NewRecorder()
	p.Middleware()(h).ServeHTTP(w, r)
	if *ran {
		t.Error("basic auth must not bypass the check")
	}
}

func TestExcludePatterns(t *testing.T) {
	p := New(config.CSRFConfig{
		Enabled: true,
		Exclude: []string{"/webhooks/github", "/public/*", "/hooks/**"},
	})

	tests := []struct {
		path     string
		bypassed bool
	}{
		{"/webhooks/github", true},
		{"/webhooks/gitlab", false},
		{"/public/form", true},
		{"/public/a/b", false},
		{"/hooks/a/b/c", true},
		{"/form", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			h, ran := okHandler()
			p.Middleware()(h).ServeHTTP(httptest.NewRecorder(), protectedRequest("POST", tt.path, "", ""))
			if *ran != tt.bypassed {
				t.Errorf("bypassed = %v, want %v", *ran, tt.bypassed)
			}
		})
	}
}

func TestSetExcludesSwaps(t *testing.T) {
	p := New(config.CSRFConfig{Enabled: true})

	h, ran := okHandler()
	p.Middleware()(h).ServeHTTP(httptest.NewRecorder(), protectedRequest("POST", "/late", "", ""))
	if *ran {
		t.Fatal("path passed before it was excluded")
	}

	p.SetExcludes([]string{"/late"})
	h2, ran2 := okHandler()
	p.Middleware()(h2).ServeHTTP(httptest.NewRecorder(), protectedRequest("POST", "/late", "", ""))
	if !*ran2 {
		t.Error("path still checked after SetExcludes")
	}
}

func TestTokensEqual(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"same-token", "same-token", true},
		{"same-token", "diff-token", false},
		{"short", "longer-token", false},
		{"", "", true},
	}
	for _, tt := range tests {
		if got := tokensEqual(tt.a, tt.b); got != tt.want {
			t.Errorf("tokensEqual(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestConfigOverrides(t *testing.T) {
	off := false
	p := New(config.CSRFConfig{
		Enabled:    true,
		CookieName: "xsrf",
		HeaderName: "X-XSRF-Token",
		MaxAge:     600,
		Secure:     &off,
	})

	w := httptest.NewRecorder()
	if _, err := p.IssueToken(w); err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	c := w.Result().Cookies()[0]
	if c.Name != "xsrf" || c.MaxAge != 600 || c.Secure {
		t.Errorf("cookie = %+v, want xsrf/600/insecure", c)
	}

	h, ran := okHandler()
	r := httptest.NewRequest("POST", "/form", nil)
	r.AddCookie(&http.Cookie{Name: "xsrf", Value: "tok"})
	r.Header.Set("X-XSRF-Token", "tok")
	p.Middleware()(h).ServeHTTP(httptest.NewRecorder(), r)
	if !*ran {
		t.Error("renamed carriers were not honored")
	}
}
