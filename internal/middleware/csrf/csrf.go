// Package csrf implements double-submit cookie protection for browser-origin
// state changes. API clients are exempt: any request carrying X-API-Key or a
// bearer token already proves it is not a cross-site form post.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/functionsdo/gateway/internal/apierror"
	"github.com/functionsdo/gateway/internal/config"
	"github.com/functionsdo/gateway/internal/middleware"
)

const (
	defaultCookieName = "csrf"
	defaultHeaderName = "X-CSRF-Token"
	defaultMaxAge     = 86400
)

// Protector validates that state-changing browser requests echo the csrf
// cookie in the token header.
type Protector struct {
	cookieName string
	headerName string
	maxAge     int
	secure     bool
	exclude    atomic.Pointer[[]string]

	validated atomic.Int64
	rejected  atomic.Int64
}

// New builds a protector from config. Secure defaults to true; unset it only
// for plain-HTTP development setups.
func New(cfg config.CSRFConfig) *Protector {
	p := &Protector{
		cookieName: cfg.CookieName,
		headerName: cfg.HeaderName,
		maxAge:     cfg.MaxAge,
		secure:     cfg.Secure == nil || *cfg.Secure,
	}
	if p.cookieName == "" {
		p.cookieName = defaultCookieName
	}
	if p.headerName == "" {
		p.headerName = defaultHeaderName
	}
	if p.maxAge <= 0 {
		p.maxAge = defaultMaxAge
	}
	p.SetExcludes(cfg.Exclude)
	return p
}

// SetExcludes atomically replaces the exclude patterns. Reload calls this
// with the new config; in-flight requests see either the old or new set.
func (p *Protector) SetExcludes(patterns []string) {
	excl := make([]string, len(patterns))
	copy(excl, patterns)
	p.exclude.Store(&excl)
}

// IssueToken mints a fresh token and sets it as the csrf cookie. The cookie
// is intentionally not HttpOnly: the browser must read it to echo it into
// the request header.
func (p *Protector) IssueToken(w http.ResponseWriter) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)
	http.SetCookie(w, &http.Cookie{
		Name:     p.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   p.maxAge,
		Secure:   p.secure,
		SameSite: http.SameSiteStrictMode,
	})
	return token, nil
}

// HeaderName returns the token header the client must set.
func (p *Protector) HeaderName() string { return p.headerName }

// Middleware enforces the double-submit check on POST/PUT/PATCH/DELETE.
func (p *Protector) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p.bypass(r) {
				next.ServeHTTP(w, r)
				return
			}
			if !p.check(r) {
				p.rejected.Add(1)
				apierror.ErrCSRFInvalid.Write(w, middleware.RequestIDFromContext(r.Context()))
				return
			}
			p.validated.Add(1)
			next.ServeHTTP(w, r)
		})
	}
}

// bypass reports whether the request is exempt: safe methods, API
// credentials, or an excluded path.
func (p *Protector) bypass(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	if r.Header.Get("X-API-Key") != "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return true
	}
	return p.excluded(r.URL.Path)
}

func (p *Protector) excluded(path string) bool {
	for _, pattern := range *p.exclude.Load() {
		if pattern == path {
			return true
		}
		if matched, err := doublestar.Match(pattern, path); err == nil && matched {
			return true
		}
	}
	return false
}

// check requires both the cookie and the header token, non-empty and equal.
func (p *Protector) check(r *http.Request) bool {
	cookieToken := ""
	if cookie, err := r.Cookie(p.cookieName); err == nil {
		cookieToken = cookie.Value
	}
	headerToken := r.Header.Get(p.headerName)
	if cookieToken == "" || headerToken == "" {
		return false
	}
	return tokensEqual(cookieToken, headerToken)
}

// tokensEqual compares in constant time. A length mismatch still burns a
// full-width comparison so its timing matches an equal-length mismatch.
func tokensEqual(a, b string) bool {
	if len(a) != len(b) {
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Stats is a snapshot of check outcomes for the status endpoint.
type Stats struct {
	Validated int64 `json:"validated"`
	Rejected  int64 `json:"rejected"`
}

func (p *Protector) Stats() Stats {
	return Stats{
		Validated: p.validated.Load(),
		Rejected:  p.rejected.Load(),
	}
}
