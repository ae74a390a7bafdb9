package middleware

import (
	"net/http"

	"github.com/functionsdo/gateway/internal/apierror"
)

// BodyLimit rejects requests whose declared Content-Length exceeds maxBytes
// and caps chunked bodies with http.MaxBytesReader, so a handler read past
// the limit fails instead of buffering without bound.
func BodyLimit(maxBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				apierror.ErrPayloadTooLarge.Write(w, RequestIDFromContext(r.Context()))
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
