// Package gateway assembles the function execution gateway: storage,
// executors, the task store, the router and the middleware chain, plus the
// admin surface and config reload.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/functionsdo/gateway/internal/apierror"
	"github.com/functionsdo/gateway/internal/auth"
	"github.com/functionsdo/gateway/internal/byfn"
	"github.com/functionsdo/gateway/internal/cascade"
	"github.com/functionsdo/gateway/internal/classify"
	"github.com/functionsdo/gateway/internal/compile"
	"github.com/functionsdo/gateway/internal/config"
	"github.com/functionsdo/gateway/internal/dispatch"
	"github.com/functionsdo/gateway/internal/flog"
	"github.com/functionsdo/gateway/internal/fn"
	"github.com/functionsdo/gateway/internal/logging"
	"github.com/functionsdo/gateway/internal/metrics"
	"github.com/functionsdo/gateway/internal/middleware"
	"github.com/functionsdo/gateway/internal/middleware/compression"
	"github.com/functionsdo/gateway/internal/middleware/cors"
	"github.com/functionsdo/gateway/internal/middleware/csrf"
	"github.com/functionsdo/gateway/internal/ratelimit"
	"github.com/functionsdo/gateway/internal/router"
	"github.com/functionsdo/gateway/internal/store"
	"github.com/functionsdo/gateway/internal/tasks"
	"github.com/functionsdo/gateway/internal/tracing"
	"github.com/functionsdo/gateway/internal/webhook"

	goredis "github.com/redis/go-redis/v9"
)

// Gateway owns every long-lived component. The middleware chain is held
// behind an atomic pointer so a reload can swap it without draining
// in-flight requests.
type Gateway struct {
	cfg atomic.Pointer[config.Config]

	kv         store.KV
	store      *store.Coordinator
	authn      *auth.Authenticator
	compile    *compile.Service
	classifier atomic.Pointer[classify.Classifier]
	dispatcher *dispatch.Dispatcher
	schemas    *byfn.Manager[*fnSchema]
	tasks      *tasks.Store
	hooks      *webhook.Deliverer
	logs       *flog.Store
	limiter    ratelimit.Limiter
	metrics    *metrics.Collector
	tracer     *tracing.Tracer
	csrf       *csrf.Protector
	router     *router.Router

	root        atomic.Pointer[http.Handler]
	taskCounts  tally
	sweepCancel context.CancelFunc
	startTime   time.Time
}

// tally counts task status transitions for the status endpoint.
type tally struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (t *tally) add(key string) {
	t.mu.Lock()
	if t.counts == nil {
		t.counts = make(map[string]int64)
	}
	t.counts[key]++
	t.mu.Unlock()
}

func (t *tally) snapshot() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// New wires the gateway from configuration. Collaborator backends that are
// not configured leave their tier answering 501/503; construction only fails
// on structural errors (bad storage backend, invalid auth or classifier
// config).
func New(cfg *config.Config) (*Gateway, error) {
	kv, err := buildKV(cfg.Storage)
	if err != nil {
		return nil, err
	}

	// Without a credential backend every request maps onto the anonymous
	// tenant; with one, unauthenticated requests never reach storage.
	coordinator := store.NewCoordinator(kv, !cfg.Auth.Configured())

	warmCtx, warmCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = coordinator.Warm(warmCtx)
	warmCancel()
	if err != nil {
		return nil, fmt.Errorf("gateway: storage warm-up: %w", err)
	}

	authn, err := auth.New(cfg.Auth, coordinator.APIKeys())
	if err != nil {
		return nil, err
	}

	// A negative buffer disables invocation logs; the logs endpoint then
	// answers 503.
	var logs *flog.Store
	if cfg.Limits.FunctionLogBuffer >= 0 {
		logs = flog.New(cfg.Limits.FunctionLogBuffer)
	}
	hooks := webhook.New(cfg.Tasks.Webhook)

	taskCfg := cfg.Tasks
	if taskCfg.BaseURL == "" {
		taskCfg.BaseURL = cfg.Server.BaseURL
	}
	taskStore := tasks.New(kv, hooks, taskCfg)

	dispatcher, err := dispatch.New(cfg, logs, taskStore)
	if err != nil {
		return nil, err
	}
	dispatcher.SetCascade(cascade.New(dispatcher, cfg.Limits))

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		kv:         kv,
		store:      coordinator,
		authn:      authn,
		compile:    compile.New(cfg.Executors.Compile.EsbuildURL, cfg.Executors.Compile.Timeout, cfg.Executors.Compile.CacheSize),
		dispatcher: dispatcher,
		schemas:    byfn.New[*fnSchema](),
		tasks:      taskStore,
		hooks:      hooks,
		logs:       logs,
		limiter:    buildLimiter(cfg.RateLimits),
		metrics:    metrics.NewCollector(),
		tracer:     tracer,
		csrf:       csrf.New(cfg.CSRF),
		router:     router.New(),
		startTime:  time.Now(),
	}
	g.cfg.Store(cfg)

	if len(cfg.Classifier.Providers) > 0 {
		cl, err := classify.New(cfg.Classifier)
		if err != nil {
			return nil, err
		}
		g.classifier.Store(cl)
	}

	g.observeComponents()

	g.router.SetAuthenticator(authn)
	g.router.SetRateLimiter(g.limiter, cfg.RateLimits)
	g.router.SetMetrics(g.metrics)
	g.router.SetTracer(tracer)
	g.registerRoutes()
	g.swapChain(cfg)

	sweepCtx, cancel := context.WithCancel(context.Background())
	g.sweepCancel = cancel
	taskStore.StartSweeper(sweepCtx)

	return g, nil
}

// buildKV selects the persistence backend behind the per-tenant facade.
func buildKV(cfg config.StorageConfig) (store.KV, error) {
	switch cfg.Backend {
	case "", "memory":
		return store.NewMemoryKV(), nil
	case "file":
		if cfg.Root == "" {
			return nil, fmt.Errorf("gateway: file storage requires storage.root")
		}
		return store.NewFileKV(cfg.Root)
	case "redis":
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("gateway: redis storage requires storage.redis.addr")
		}
		return store.NewRedisKV(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf("gateway: unknown storage backend %q", cfg.Backend)
	}
}

// buildLimiter prefers the Redis coordinator so instances share windows and
// falls back to the in-process fixed window.
func buildLimiter(cfg config.RateLimitsConfig) ratelimit.Limiter {
	if cfg.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return ratelimit.NewRedisLimiter(client, cfg.Redis.Prefix)
	}
	return ratelimit.NewFixedWindow()
}

// observeComponents registers scrape-time readers with the collector.
func (g *Gateway) observeComponents() {
	collector := g.metrics

	g.tasks.SetObserver(func(st tasks.Status) {
		collector.RecordTaskTransition(string(st))
		g.taskCounts.add(string(st))
	})

	hooks := g.hooks
	counter := func(sel func(webhook.MetricsSnapshot) int64) func() float64 {
		return func() float64 { return float64(sel(hooks.Counters())) }
	}
	collector.ObserveWebhook(metrics.WebhookReaders{
		Enqueued:  counter(func(m webhook.MetricsSnapshot) int64 { return m.Enqueued }),
		Delivered: counter(func(m webhook.MetricsSnapshot) int64 { return m.Delivered }),
		Retried:   counter(func(m webhook.MetricsSnapshot) int64 { return m.Retried }),
		Dropped:   counter(func(m webhook.MetricsSnapshot) int64 { return m.Dropped }),
		Failed:    counter(func(m webhook.MetricsSnapshot) int64 { return m.Failed }),
	})

	collector.ObserveClassifier(metrics.ClassifierReaders{
		Hits: func() float64 {
			if cl := g.classifier.Load(); cl != nil {
				return float64(cl.Stats().CacheHits)
			}
			return 0
		},
		Misses: func() float64 {
			if cl := g.classifier.Load(); cl != nil {
				return float64(cl.Stats().CacheMisses)
			}
			return 0
		},
	})
}

// swapChain rebuilds the global middleware chain from cfg and swaps it in.
// The router, limiter, CSRF protector and tracer are shared singletons; only
// config-derived middleware is reconstructed.
func (g *Gateway) swapChain(cfg *config.Config) {
	maxBody := cfg.Server.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 << 20
	}

	chain := middleware.NewChain(
		middleware.RequestID(),
		middleware.RealIP(),
	)
	chain.UseIf(cfg.Logging.AccessLog.Enabled, middleware.AccessLog(cfg.Logging.AccessLog))
	chain.Use(middleware.Recovery())
	chain.UseIf(g.tracer.IsEnabled(), g.tracer.Middleware())
	chain.UseIf(cfg.CORS.Enabled, cors.New(cfg.CORS).Middleware())
	chain.UseIf(len(cfg.Compression.Algorithms) > 0, tracing.SpanStage(g.tracer, "compression", compression.New(cfg.Compression).Middleware()))
	chain.Use(middleware.BodyLimit(maxBody))

	handler := chain.Then(g.router)
	g.root.Store(&handler)
}

// Handler returns the request entrypoint for the main listener.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		(*g.root.Load()).ServeHTTP(w, r)
	})
}

// Router exposes route registration, e.g. for embedders mounting extra
// browser routes behind the CSRF protector.
func (g *Gateway) Router() *router.Router { return g.router }

// CSRF returns the protector used for browser-path routes.
func (g *Gateway) CSRF() *csrf.Protector { return g.csrf }

// Config returns the currently applied configuration.
func (g *Gateway) Config() *config.Config { return g.cfg.Load() }

// Close releases background workers and flushes telemetry.
func (g *Gateway) Close() error {
	if g.sweepCancel != nil {
		g.sweepCancel()
	}
	g.hooks.Close()
	if fw, ok := g.limiter.(*ratelimit.FixedWindow); ok {
		fw.Close()
	}
	if err := g.tracer.Close(); err != nil {
		logging.Warn("tracer shutdown", zap.Error(err))
	}
	if closer, ok := g.kv.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// invalidate drops per-function cached state after redeploy, rollback, or
// deletion.
func (g *Gateway) invalidate(functionID string) {
	g.dispatcher.Invalidate(functionID)
	g.schemas.Delete(functionID)
}

// storeFor resolves the request's tenant store from its auth context.
func (g *Gateway) storeFor(rc *router.RouteContext) (*store.Store, error) {
	userID := ""
	if rc != nil && rc.Auth != nil {
		userID = rc.Auth.UserID
	}
	st, err := g.store.For(userID)
	if err != nil {
		return nil, apierror.ErrServiceUnavailable.WithMessage("Storage not configured").WithCause(err)
	}
	return st, nil
}

// storeResolver adapts a tenant store to the dispatcher's Resolver so
// cascade steps and function tools resolve against the caller's own view.
type storeResolver struct {
	st *store.Store
}

func (r storeResolver) Metadata(ctx context.Context, id string) (*fn.Metadata, error) {
	return r.st.Registry.Get(ctx, id)
}

func (r storeResolver) Code(ctx context.Context, id, version string) (*fn.Code, error) {
	return r.st.Code.Get(ctx, id, version)
}

// writeJSON writes v with status. Marshal failures surface as a plain 500;
// the recovery middleware never sees them.
func writeJSON(w http.ResponseWriter, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":{"code":"INTERNAL_ERROR","message":"Internal server error"}}`, http.StatusInternalServerError)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}
