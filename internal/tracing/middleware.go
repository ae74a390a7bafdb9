package tracing

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// SpanStage wraps one middleware stage in a named internal span. Opt-in:
// the router applies it to the stages worth seeing in a trace (auth, rate
// limit) when tracing is on.
func SpanStage(tracer *Tracer, name string, mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if tracer == nil || !tracer.enabled {
		return mw
	}
	return func(next http.Handler) http.Handler {
		inner := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.tracer.Start(r.Context(), name,
				trace.WithSpanKind(trace.SpanKindInternal))
			defer span.End()
			inner.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
