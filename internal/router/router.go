// Package router dispatches gateway requests. It resolves the request's API
// version, matches method and path against registered routes, builds the
// per-request RouteContext and runs the authentication and rate-limit stages
// before handing off to the handler.
package router

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/functionsdo/gateway/internal/apierror"
	"github.com/functionsdo/gateway/internal/auth"
	"github.com/functionsdo/gateway/internal/config"
	"github.com/functionsdo/gateway/internal/logging"
	"github.com/functionsdo/gateway/internal/metrics"
	"github.com/functionsdo/gateway/internal/middleware"
	"github.com/functionsdo/gateway/internal/ratelimit"
	"github.com/functionsdo/gateway/internal/tracing"
)

// HandlerFunc handles a matched request. A returned error is rendered as the
// canonical error envelope unless the response has already started.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

// Authenticator verifies request credentials. Satisfied by
// auth.Authenticator.
type Authenticator interface {
	Enabled() bool
	Authenticate(r *http.Request) (*auth.Context, error)
}

// route is one registered method+pattern pair.
type route struct {
	method  string
	pattern string
	handler HandlerFunc
	mw      []middleware.Middleware
}

// Router matches requests in two tiers: an exact-match map for static paths
// and httprouter trees for patterns with :name params or a trailing
// wildcard. Registration is expected at assembly time; matching is safe for
// concurrent use.
type Router struct {
	mu      sync.RWMutex
	exact   map[string]*route // "METHOD /path"
	tree    *httprouter.Router
	methods map[string]bool // methods with at least one route

	auth    Authenticator
	limiter ratelimit.Limiter
	limits  config.RateLimitsConfig
	metrics *metrics.Collector
	tracer  *tracing.Tracer
}

// Public paths bypass authentication and rate limiting.
var publicPaths = map[string]bool{
	"/":           true,
	"/health":     true,
	"/api/status": true,
}

// probeOrder fixes the Allow header ordering on 405 responses.
var probeOrder = []string{
	http.MethodGet, http.MethodHead, http.MethodPost,
	http.MethodPut, http.MethodPatch, http.MethodDelete,
}

func New() *Router {
	tree := httprouter.New()
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false
	tree.HandleMethodNotAllowed = false
	tree.HandleOPTIONS = false
	// Tree dispatch runs against a capture writer; a no-match must not
	// write anything through it.
	tree.NotFound = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	return &Router{
		exact:   make(map[string]*route),
		tree:    tree,
		methods: make(map[string]bool),
	}
}

// SetAuthenticator installs the credential verifier. A nil authenticator or
// one reporting Enabled() == false turns the auth stage off.
func (rt *Router) SetAuthenticator(a Authenticator) {
	rt.mu.Lock()
	rt.auth = a
	rt.mu.Unlock()
}

// SetRateLimiter installs the limiter and its capacities. Called again on
// config reload to swap capacities.
func (rt *Router) SetRateLimiter(l ratelimit.Limiter, limits config.RateLimitsConfig) {
	rt.mu.Lock()
	rt.limiter = l
	rt.limits = limits
	rt.mu.Unlock()
}

func (rt *Router) SetMetrics(c *metrics.Collector) {
	rt.mu.Lock()
	rt.metrics = c
	rt.mu.Unlock()
}

func (rt *Router) SetTracer(t *tracing.Tracer) {
	rt.mu.Lock()
	rt.tracer = t
	rt.mu.Unlock()
}

// Handle registers a handler for method and pattern. Patterns contain
// literal segments, :name params and an optional trailing * wildcard.
// Per-route middleware wraps the handler in registration order.
func (rt *Router) Handle(method, pattern string, h HandlerFunc, mw ...middleware.Middleware) {
	if pattern == "" || pattern[0] != '/' {
		panic("router: pattern must begin with /: " + pattern)
	}
	rte := &route{method: method, pattern: pattern, handler: h, mw: mw}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.methods[method] = true
	if !strings.ContainsAny(pattern, ":*") {
		rt.exact[method+" "+pattern] = rte
		return
	}
	rt.tree.Handle(method, treePath(pattern), captureHandle(rte))
}

func (rt *Router) GET(pattern string, h HandlerFunc, mw ...middleware.Middleware) {
	rt.Handle(http.MethodGet, pattern, h, mw...)
}

func (rt *Router) POST(pattern string, h HandlerFunc, mw ...middleware.Middleware) {
	rt.Handle(http.MethodPost, pattern, h, mw...)
}

func (rt *Router) PUT(pattern string, h HandlerFunc, mw ...middleware.Middleware) {
	rt.Handle(http.MethodPut, pattern, h, mw...)
}

func (rt *Router) PATCH(pattern string, h HandlerFunc, mw ...middleware.Middleware) {
	rt.Handle(http.MethodPatch, pattern, h, mw...)
}

func (rt *Router) DELETE(pattern string, h HandlerFunc, mw ...middleware.Middleware) {
	rt.Handle(http.MethodDelete, pattern, h, mw...)
}

// Group runs fn against a registration view rooted at prefix.
func (rt *Router) Group(prefix string, fn func(*Group)) {
	fn(&Group{rt: rt, prefix: strings.TrimSuffix(prefix, "/")})
}

// Group registers routes under a shared path prefix. Middleware added with
// Use applies to every route registered through the group afterwards.
type Group struct {
	rt     *Router
	prefix string
	mw     []middleware.Middleware
}

func (g *Group) Use(mw ...middleware.Middleware) {
	g.mw = append(g.mw, mw...)
}

// Group nests a further prefix. The child inherits the parent's middleware
// as it stands at nesting time.
func (g *Group) Group(prefix string, fn func(*Group)) {
	child := &Group{
		rt:     g.rt,
		prefix: g.prefix + strings.TrimSuffix(prefix, "/"),
		mw:     append([]middleware.Middleware(nil), g.mw...),
	}
	fn(child)
}

func (g *Group) Handle(method, pattern string, h HandlerFunc, mw ...middleware.Middleware) {
	combined := make([]middleware.Middleware, 0, len(g.mw)+len(mw))
	combined = append(combined, g.mw...)
	combined = append(combined, mw...)
	g.rt.Handle(method, g.prefix+pattern, h, combined...)
}

func (g *Group) GET(pattern string, h HandlerFunc, mw ...middleware.Middleware) {
	g.Handle(http.MethodGet, pattern, h, mw...)
}

func (g *Group) POST(pattern string, h HandlerFunc, mw ...middleware.Middleware) {
	g.Handle(http.MethodPost, pattern, h, mw...)
}

func (g *Group) PUT(pattern string, h HandlerFunc, mw ...middleware.Middleware) {
	g.Handle(http.MethodPut, pattern, h, mw...)
}

func (g *Group) PATCH(pattern string, h HandlerFunc, mw ...middleware.Middleware) {
	g.Handle(http.MethodPatch, pattern, h, mw...)
}

func (g *Group) DELETE(pattern string, h HandlerFunc, mw ...middleware.Middleware) {
	g.Handle(http.MethodDelete, pattern, h, mw...)
}

// treePath converts a bare trailing wildcard to httprouter's named form.
func treePath(pattern string) string {
	if strings.HasSuffix(pattern, "/*") {
		return pattern + "wildcard"
	}
	return pattern
}

// captureHandle records the matched route and a copy of its params into the
// capture writer. httprouter recycles the params slice after dispatch, so
// the copy is not optional.
func captureHandle(rte *route) httprouter.Handle {
	return func(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
		cw, ok := w.(*captureWriter)
		if !ok {
			return
		}
		cw.route = rte
		if len(ps) == 0 {
			return
		}
		cw.params = make(map[string]string, len(ps))
		for _, p := range ps {
			// Catch-all values carry the leading slash.
			cw.params[p.Key] = strings.TrimPrefix(p.Value, "/")
		}
	}
}

// captureWriter extracts the match result from tree dispatch without
// producing a response.
type captureWriter struct {
	route  *route
	params map[string]string
	header http.Header
}

func (cw *captureWriter) Header() http.Header {
	if cw.header == nil {
		cw.header = make(http.Header)
	}
	return cw.header
}

func (cw *captureWriter) Write([]byte) (int, error) { return 0, nil }
func (cw *captureWriter) WriteHeader(int)           {}

// match resolves method+path against the exact map, then the trees.
// Callers hold rt.mu.
func (rt *Router) match(method, path string) (*route, map[string]string) {
	if rte, ok := rt.exact[method+" "+path]; ok {
		return rte, nil
	}
	cw := &captureWriter{}
	rt.tree.ServeHTTP(cw, &http.Request{Method: method, URL: &url.URL{Path: path}})
	return cw.route, cw.params
}

// allowedMethods probes sibling methods for a 405 Allow header. Callers
// hold rt.mu.
func (rt *Router) allowedMethods(path, exclude string) []string {
	var allowed []string
	for _, m := range probeOrder {
		if m == exclude || !rt.methods[m] {
			continue
		}
		if rte, _ := rt.match(m, path); rte != nil {
			allowed = append(allowed, m)
		}
	}
	return allowed
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := middleware.RequestIDFromContext(r.Context())

	apiVersion, source, path := resolveAPIVersion(r)

	rt.mu.RLock()
	rte, params := rt.match(r.Method, path)
	var allowed []string
	if rte == nil {
		allowed = rt.allowedMethods(path, r.Method)
	}
	authn := rt.auth
	limiter, limits := rt.limiter, rt.limits
	collector := rt.metrics
	tracer := rt.tracer
	rt.mu.RUnlock()

	ww := &responseWriter{ResponseWriter: w, apiVersion: apiVersion, requestID: requestID}

	if rte == nil {
		if len(allowed) > 0 {
			ww.Header().Set("Allow", strings.Join(allowed, ", "))
			apierror.ErrMethodNotAllowed.WithExtra("allow", allowed).Write(ww, requestID)
		} else {
			apierror.ErrNotFound.Write(ww, requestID)
		}
		record(collector, "unrouted", r.Method, ww.status, time.Since(start))
		return
	}

	rc := &RouteContext{
		Params:           params,
		FunctionID:       params["functionId"],
		Version:          r.URL.Query().Get("version"),
		APIVersion:       apiVersion,
		APIVersionSource: source,
	}
	ctx := withRouteContext(r.Context(), rc)

	if tracer != nil && tracer.IsEnabled() {
		spanCtx, span := tracer.StartSpan(ctx, "router.dispatch",
			attribute.String("http.route", rte.pattern),
			attribute.String("gateway.api_version", apiVersion),
		)
		defer span.End()
		ctx = spanCtx
	}

	// Downstream sees the version-stripped path.
	req := r.WithContext(ctx)
	if path != r.URL.Path {
		u := *r.URL
		u.Path = path
		u.RawPath = ""
		req.URL = &u
	}

	public := publicPaths[path]
	if !public && authn != nil && authn.Enabled() {
		actx, err := authn.Authenticate(req)
		if err != nil {
			apierror.From(err).Write(ww, requestID)
			record(collector, rte.pattern, r.Method, ww.status, time.Since(start))
			return
		}
		rc.Auth = actx
	}

	if !public && limiter != nil && limits.Enabled {
		if !rateLimitStage(ww, req, rc, limiter, limits, collector, requestID) {
			record(collector, rte.pattern, r.Method, ww.status, time.Since(start))
			return
		}
	}

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := rte.handler(w, r); err != nil {
			writeHandlerError(ww, w, r, err, requestID)
		}
	})
	for i := len(rte.mw) - 1; i >= 0; i-- {
		handler = rte.mw[i](handler)
	}
	handler.ServeHTTP(ww, req)

	record(collector, rte.pattern, r.Method, ww.status, time.Since(start))
}

// rateLimitStage applies the per-IP limit, then the per-function limit when
// the route binds a function id. Refusals answer 429 with Retry-After.
func rateLimitStage(ww *responseWriter, r *http.Request, rc *RouteContext, limiter ratelimit.Limiter, limits config.RateLimitsConfig, collector *metrics.Collector, requestID string) bool {
	now := time.Now()

	ip := middleware.ClientIPFromContext(r.Context())
	if ip == "" {
		ip = middleware.ExtractClientIP(r)
	}
	d := limiter.Allow(r.Context(), ratelimit.IPSubject(ip), limits.IP.Capacity, limits.IP.Window)
	if collector != nil {
		collector.RecordRateLimit("ip", d.Allowed)
	}
	if d.Allowed && rc.FunctionID != "" {
		d = limiter.Allow(r.Context(), ratelimit.FunctionSubject(rc.FunctionID), limits.Function.Capacity, limits.Function.Window)
		if collector != nil {
			collector.RecordRateLimit("fn", d.Allowed)
		}
	}
	if d.Allowed {
		return true
	}

	retry := d.RetryAfter(now)
	ww.Header().Set("Retry-After", strconv.Itoa(retry))
	apierror.ErrRateLimited.WithExtra("retryAfter", retry).Write(ww, requestID)
	return false
}

// writeHandlerError renders a handler error through w, which may be wrapped
// by per-route middleware. Once the response has started the envelope can no
// longer be written, so the error is only logged.
func writeHandlerError(ww *responseWriter, w http.ResponseWriter, r *http.Request, err error, requestID string) {
	if ww.wrote {
		logging.Error("handler error after response started",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		return
	}
	ae := apierror.From(err)
	if ae.Status >= http.StatusInternalServerError {
		logging.Error("handler error",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.Int("status", ae.Status),
			zap.Error(err),
		)
	}
	ae.Write(w, requestID)
}

func record(collector *metrics.Collector, routeLabel, method string, status int, d time.Duration) {
	if collector == nil {
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	collector.RecordRequest(routeLabel, method, status, d)
}

// responseWriter injects the resolved API version and the correlation id
// ahead of the first write and records the status code.
type responseWriter struct {
	http.ResponseWriter
	status     int
	wrote      bool
	apiVersion string
	requestID  string
}

func (w *responseWriter) WriteHeader(status int) {
	if w.wrote {
		return
	}
	w.wrote = true
	w.status = status
	h := w.Header()
	if h.Get("X-API-Version") == "" {
		h.Set("X-API-Version", w.apiVersion)
	}
	if w.requestID != "" && h.Get("X-Request-ID") == "" {
		h.Set("X-Request-ID", w.requestID)
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
