package middleware

import (
	"context"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// ExtractClientIP resolves the client address for rate limiting and logging:
// CF-Connecting-IP when the edge sets it, else the first X-Forwarded-For
// entry, else "unknown". RemoteAddr is deliberately not consulted; behind
// the expected proxy layout it is always the proxy.
func ExtractClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return "unknown"
}

// RealIP extracts the client IP once and stores it in the context.
func RealIP() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), clientIPKey{}, ExtractClientIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIPFromContext returns the extracted client IP, or "" before the
// stage has run.
func ClientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok {
		return ip
	}
	return ""
}
