// Package dispatch routes function invocations to their tier executor:
// code in a sandbox, generative and agentic against a model provider, human
// through the task store. Every outcome is an envelope with an HTTP status
// and a JSON body; executors never return Go errors to the caller.
package dispatch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/functionsdo/gateway/internal/byfn"
	"github.com/functionsdo/gateway/internal/config"
	"github.com/functionsdo/gateway/internal/flog"
	"github.com/functionsdo/gateway/internal/fn"
	"github.com/functionsdo/gateway/internal/llm"
	"github.com/functionsdo/gateway/internal/sandbox"
	"github.com/functionsdo/gateway/internal/tasks"
	"github.com/functionsdo/gateway/internal/tools"
)

// Resolver is the tenant-scoped lookup recursive calls go through: function
// tools and cascade steps resolve their targets with the caller's own view
// of the registry.
type Resolver interface {
	Metadata(ctx context.Context, id string) (*fn.Metadata, error)
	Code(ctx context.Context, id, version string) (*fn.Code, error)
}

// CascadeRunner executes cascade functions. The cascade engine implements
// it and is injected after construction; dispatch stays import-cycle free.
type CascadeRunner interface {
	Run(ctx context.Context, req *Request) *Result
}

// Request is one dispatch order. Code is preloaded by the caller for
// code-tier functions; Resolver serves recursive lookups.
type Request struct {
	Meta     *fn.Metadata
	Input    map[string]any
	Code     *fn.Code
	Resolver Resolver
}

// Result is the dispatch envelope.
type Result struct {
	Status int
	Body   map[string]any
}

var errNoResolver = errors.New("dispatch: no function resolver in context")

// Dispatcher owns the tier executors and their collaborators.
type Dispatcher struct {
	sandbox  sandbox.Runner
	llm      *llm.Client
	tools    *tools.Factory
	tasks    *tasks.Store
	logs     *flog.Store
	cascade  CascadeRunner
	agents   *byfn.Manager[*agent]
	timeouts config.TierTimeouts
	limits   config.LimitsConfig
}

// New builds the dispatcher from the executor configuration. Collaborators
// that are not configured stay nil; the corresponding tiers answer with
// 501 or 503 instead of failing construction.
func New(cfg *config.Config, logs *flog.Store, taskStore *tasks.Store) (*Dispatcher, error) {
	runner, err := sandbox.New(cfg.Executors.Sandbox)
	if err != nil {
		return nil, err
	}

	var client *llm.Client
	if lc := cfg.Executors.LLM; lc.Configured() {
		kind := lc.Provider
		if kind == "" {
			kind = "anthropic"
		}
		provider, err := llm.NewProvider(kind, lc.APIKey, lc.BaseURL, lc.Model)
		if err != nil {
			return nil, err
		}
		client = llm.NewClient(provider, lc.Timeout, lc.Model, lc.MaxTokens)
	}

	d := &Dispatcher{
		sandbox:  runner,
		llm:      client,
		tasks:    taskStore,
		logs:     logs,
		agents:   byfn.New[*agent](),
		timeouts: cfg.Executors.Timeouts,
		limits:   cfg.Limits,
	}

	factory, err := tools.NewFactory(d, cfg.Executors.Tools)
	if err != nil {
		return nil, err
	}
	d.tools = factory
	return d, nil
}

// SetCascade injects the cascade engine.
func (d *Dispatcher) SetCascade(c CascadeRunner) { d.cascade = c }

// Dispatch routes one invocation. The executor runs under the tier's
// deadline, capped by whatever deadline the caller already carries. Every
// dispatch leaves start and outcome entries in the function's log ring;
// cascade steps and function tools log under their own ids.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Result {
	if req.Input == nil {
		req.Input = map[string]any{}
	}
	ctx = withResolver(ctx, req.Resolver)

	start := time.Now()
	kind := req.Meta.EffectiveKind()
	d.logs.Append(req.Meta.ID, "info", "invocation started", map[string]any{"tier": string(kind)})

	res := d.execute(ctx, req, kind, start)
	d.logOutcome(req.Meta.ID, res, start)
	return res
}

func (d *Dispatcher) execute(ctx context.Context, req *Request, kind fn.Kind, start time.Time) *Result {
	if kind == fn.KindCascade {
		if d.cascade == nil {
			return errorResult(http.StatusNotImplemented, "Cascade engine not configured")
		}
		return d.cascade.Run(ctx, req)
	}
	if !kind.Valid() {
		return errorResult(http.StatusBadRequest, "Unknown function type "+string(kind))
	}

	execCtx, cancel := context.WithTimeout(ctx, d.tierTimeout(kind))
	defer cancel()

	var res *Result
	switch kind {
	case fn.KindCode:
		res = d.runCode(execCtx, req)
	case fn.KindGenerative:
		res = d.runGenerative(execCtx, req)
	case fn.KindAgentic:
		res = d.runAgentic(execCtx, req)
	default:
		res = d.runHuman(execCtx, req)
	}

	stampMeta(res, kind, start)
	return res
}

func (d *Dispatcher) logOutcome(functionID string, res *Result, start time.Time) {
	fields := map[string]any{
		"status":     res.Status,
		"durationMs": time.Since(start).Milliseconds(),
	}
	if msg, ok := res.Body["error"].(string); ok && msg != "" {
		fields["error"] = msg
		d.logs.Append(functionID, "error", "invocation failed", fields)
		return
	}
	d.logs.Append(functionID, "info", "invocation completed", fields)
}

// InvokeFunction dispatches another function on behalf of a tool handler.
// It satisfies the tools.Invoker contract; lookups go through the resolver
// the outer dispatch carried into the context.
func (d *Dispatcher) InvokeFunction(ctx context.Context, functionID string, input map[string]any) (int, map[string]any, error) {
	r := resolverFrom(ctx)
	if r == nil {
		return 0, nil, errNoResolver
	}
	meta, err := r.Metadata(ctx, functionID)
	if err != nil {
		return 0, nil, err
	}

	req := &Request{Meta: meta, Input: input, Resolver: r}
	if meta.EffectiveKind() == fn.KindCode {
		if code, err := r.Code(ctx, functionID, ""); err == nil {
			req.Code = code
		}
	}

	res := d.Dispatch(ctx, req)
	return res.Status, res.Body, nil
}

// Invalidate drops cached executor state for a function after redeploy or
// deletion. Function logs are not touched; they outlive redeploys.
func (d *Dispatcher) Invalidate(functionID string) {
	d.agents.Delete(functionID)
}

// Available reports which tiers have a configured collaborator behind them.
func (d *Dispatcher) Available() map[string]bool {
	return map[string]bool{
		"code":       d.sandbox != nil,
		"generative": d.llm != nil,
		"agentic":    d.llm != nil,
		"human":      d.tasks != nil,
		"cascade":    d.cascade != nil,
	}
}

func (d *Dispatcher) tierTimeout(kind fn.Kind) time.Duration {
	var t time.Duration
	switch kind {
	case fn.KindCode:
		t = d.timeouts.Code
	case fn.KindGenerative:
		t = d.timeouts.Generative
	case fn.KindAgentic:
		t = d.timeouts.Agentic
	case fn.KindHuman:
		t = d.timeouts.Human
	}
	if t > 0 {
		return t
	}
	switch kind {
	case fn.KindCode:
		return 5 * time.Second
	case fn.KindGenerative:
		return 30 * time.Second
	case fn.KindAgentic:
		return 5 * time.Minute
	default:
		return 24 * time.Hour
	}
}

// stampMeta fills the envelope fields shared by every tier. Executor blocks
// set by the tier are preserved.
func stampMeta(res *Result, kind fn.Kind, start time.Time) {
	if res.Body == nil {
		res.Body = map[string]any{}
	}
	meta, _ := res.Body["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["duration"] = time.Since(start).Milliseconds()
	if _, ok := meta["executorType"]; !ok {
		meta["executorType"] = string(kind)
	}
	meta["tier"] = kind.Tier()
	res.Body["_meta"] = meta
}

func errorResult(status int, message string) *Result {
	return &Result{Status: status, Body: map[string]any{"error": message}}
}

type resolverCtxKey struct{}

func withResolver(ctx context.Context, r Resolver) context.Context {
	if r == nil {
		return ctx
	}
	return context.WithValue(ctx, resolverCtxKey{}, r)
}

func resolverFrom(ctx context.Context) Resolver {
	r, _ := ctx.Value(resolverCtxKey{}).(Resolver)
	return r
}
