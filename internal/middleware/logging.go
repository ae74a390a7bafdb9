package middleware

import (
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/functionsdo/gateway/internal/config"
	"github.com/functionsdo/gateway/internal/logging"
)

var accessRWPool = sync.Pool{
	New: func() any { return &accessResponseWriter{} },
}

// AccessLog emits one structured line per request. Paths in SkipPaths are
// never logged; a SampleRate in (0,1) logs that fraction, 0 and 1 both log
// everything.
func AccessLog(cfg config.AccessLogConfig) Middleware {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}
	sampled := cfg.SampleRate > 0 && cfg.SampleRate < 1

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] || (sampled && rand.Float64() >= cfg.SampleRate) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			arw := accessRWPool.Get().(*accessResponseWriter)
			arw.ResponseWriter = w
			arw.status = http.StatusOK
			arw.bytes = 0

			next.ServeHTTP(arw, r)

			// Stack-allocated array avoids slice growth allocations.
			var fields [9]zap.Field
			n := 0
			fields[n] = zap.String("request_id", RequestIDFromContext(r.Context()))
			n++
			fields[n] = zap.String("ip", ExtractClientIP(r))
			n++
			fields[n] = zap.String("method", r.Method)
			n++
			fields[n] = zap.String("path", r.URL.Path)
			n++
			fields[n] = zap.Int("status", arw.status)
			n++
			fields[n] = zap.Int64("bytes", arw.bytes)
			n++
			fields[n] = zap.Duration("duration", time.Since(start))
			n++
			if r.URL.RawQuery != "" {
				fields[n] = zap.String("query", r.URL.RawQuery)
				n++
			}
			if ua := r.UserAgent(); ua != "" {
				fields[n] = zap.String("user_agent", ua)
				n++
			}
			logging.Info("http request", fields[:n]...)

			arw.ResponseWriter = nil
			accessRWPool.Put(arw)
		})
	}
}

// accessResponseWriter captures status and byte count for the log line.
type accessResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *accessResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *accessResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *accessResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
