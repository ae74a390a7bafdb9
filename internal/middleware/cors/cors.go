// Package cors answers cross-origin preflights and stamps allow headers on
// actual responses.
package cors

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/functionsdo/gateway/internal/config"
	"github.com/functionsdo/gateway/internal/middleware"
)

// Handler holds the precomputed CORS policy.
type Handler struct {
	allowOrigins     []string
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	allowCredentials bool
	maxAge           string
	allowAllOrigins  bool
}

// New precomputes header values from config.
func New(cfg config.CORSConfig) *Handler {
	h := &Handler{
		allowOrigins:     cfg.AllowOrigins,
		allowCredentials: cfg.AllowCredentials,
	}

	if len(cfg.AllowMethods) > 0 {
		h.allowMethods = strings.Join(cfg.AllowMethods, ", ")
	} else {
		h.allowMethods = "GET, POST, PATCH, DELETE, OPTIONS"
	}
	if len(cfg.AllowHeaders) > 0 {
		h.allowHeaders = strings.Join(cfg.AllowHeaders, ", ")
	} else {
		h.allowHeaders = "Content-Type, Authorization, X-API-Key, X-CSRF-Token"
	}
	if len(cfg.ExposeHeaders) > 0 {
		h.exposeHeaders = strings.Join(cfg.ExposeHeaders, ", ")
	}
	if cfg.MaxAge > 0 {
		h.maxAge = strconv.Itoa(cfg.MaxAge)
	} else {
		h.maxAge = "86400"
	}
	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			h.allowAllOrigins = true
			break
		}
	}
	return h
}

// isPreflight reports whether the request is a CORS preflight.
func (h *Handler) isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// handlePreflight answers a preflight with 204. Disallowed origins get the
// 204 without allow headers; the browser enforces the denial.
func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	w.Header().Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	if h.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
		w.Header().Set("Access-Control-Allow-Methods", h.allowMethods)
		w.Header().Set("Access-Control-Allow-Headers", h.allowHeaders)
		w.Header().Set("Access-Control-Max-Age", h.maxAge)
		if h.allowCredentials {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// applyHeaders stamps allow headers on a non-preflight response.
func (h *Handler) applyHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !h.originAllowed(origin) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
	if h.allowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if h.exposeHeaders != "" {
		w.Header().Set("Access-Control-Expose-Headers", h.exposeHeaders)
	}
	w.Header().Add("Vary", "Origin")
}

// responseOrigin echoes the request origin unless a bare wildcard applies.
// With credentials the wildcard is forbidden by the fetch spec.
func (h *Handler) responseOrigin(origin string) string {
	if h.allowAllOrigins && !h.allowCredentials {
		return "*"
	}
	return origin
}

func (h *Handler) originAllowed(origin string) bool {
	if h.allowAllOrigins {
		return true
	}
	for _, allowed := range h.allowOrigins {
		if allowed == origin {
			return true
		}
		// *.example.com allows any subdomain.
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return true
		}
	}
	return false
}

// Middleware answers preflights and stamps headers on everything else.
func (h *Handler) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.isPreflight(r) {
				h.handlePreflight(w, r)
				return
			}
			h.applyHeaders(w, r)
			next.ServeHTTP(w, r)
		})
	}
}
