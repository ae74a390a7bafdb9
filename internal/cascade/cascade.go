// Package cascade executes cascade functions: an ordered list of tiered
// steps run through the dispatcher with fail-fast, fallback, or continue
// error handling. Each successful step's body, minus _meta, becomes the
// next step's input.
package cascade

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/functionsdo/gateway/internal/config"
	"github.com/functionsdo/gateway/internal/dispatch"
	"github.com/functionsdo/gateway/internal/fn"
	"github.com/functionsdo/gateway/internal/logging"
)

// Error handling policies. Absent errorHandling means fail-fast.
const (
	FailFast = "fail-fast"
	Fallback = "fallback"
	Continue = "continue"
)

const defaultMaxSteps = 10

// Invoker dispatches one step. *dispatch.Dispatcher satisfies it; the
// engine is injected back into the dispatcher with SetCascade, so the
// interface keeps construction order simple and the packages acyclic.
type Invoker interface {
	Dispatch(ctx context.Context, req *dispatch.Request) *dispatch.Result
}

// Engine sequences cascade steps.
type Engine struct {
	invoker  Invoker
	maxSteps int
}

// New builds the engine.
func New(invoker Invoker, limits config.LimitsConfig) *Engine {
	maxSteps := limits.MaxCascadeSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	return &Engine{invoker: invoker, maxSteps: maxSteps}
}

// Run executes the cascade under the caller's deadline. No cascade-level
// timeout is added: each step still gets its own tier timeout through the
// dispatcher, capped by the time already remaining.
func (e *Engine) Run(ctx context.Context, req *dispatch.Request) *dispatch.Result {
	start := time.Now()
	meta := req.Meta

	if len(meta.Steps) == 0 {
		return finish(errorResult(http.StatusBadRequest, "Cascade has no steps"), start, nil, 0)
	}
	if len(meta.Steps) > e.maxSteps {
		msg := fmt.Sprintf("Cascade exceeds the maximum of %d steps", e.maxSteps)
		return finish(errorResult(http.StatusBadRequest, msg), start, nil, 0)
	}
	policy := meta.ErrorHandling
	if policy == "" {
		policy = FailFast
	}
	switch policy {
	case FailFast, Fallback, Continue:
	default:
		msg := fmt.Sprintf("Unknown error handling policy %q", policy)
		return finish(errorResult(http.StatusBadRequest, msg), start, nil, 0)
	}

	var (
		attempted []string
		executed  int
		last      *dispatch.Result
		input     = req.Input
	)

	for _, step := range meta.Steps {
		res, tier := e.step(ctx, req.Resolver, step.FunctionID, step.Tier, input)
		attempted = append(attempted, tier)

		if res.Status < http.StatusBadRequest {
			executed++
			last = res
			input = pipe(res.Body)
			continue
		}

		logging.Debug("cascade step failed",
			zap.String("cascade", meta.ID),
			zap.String("step", step.FunctionID),
			zap.Int("status", res.Status))

		switch policy {
		case FailFast:
			return finish(res, start, attempted, executed)
		case Fallback:
			if step.FallbackTo == "" {
				continue
			}
			fres, _ := e.step(ctx, req.Resolver, step.FallbackTo, "", input)
			attempted = append(attempted, "fallback:"+step.FallbackTo)
			if fres.Status < http.StatusBadRequest {
				executed++
				last = fres
				input = pipe(fres.Body)
			}
		}
	}

	if last == nil {
		return finish(errorResult(http.StatusInternalServerError, "Cascade completed with no successful steps"), start, attempted, executed)
	}
	return finish(last, start, attempted, executed)
}

// step resolves one target and dispatches it with the piped input. The
// returned label is the resolved kind; when the lookup fails it falls back
// to the tier the step declared.
func (e *Engine) step(ctx context.Context, r dispatch.Resolver, functionID, declaredTier string, input map[string]any) (*dispatch.Result, string) {
	label := declaredTier
	if label == "" {
		label = "unknown"
	}
	if r == nil {
		return errorResult(http.StatusInternalServerError, "No function resolver available"), label
	}

	meta, err := r.Metadata(ctx, functionID)
	if err != nil {
		return errorResult(http.StatusNotFound, "Cascade step function not found: "+functionID), label
	}
	kind := meta.EffectiveKind()

	sub := &dispatch.Request{Meta: meta, Input: input, Resolver: r}
	if kind == fn.KindCode {
		if code, err := r.Code(ctx, functionID, ""); err == nil {
			sub.Code = code
		}
	}
	return e.invoker.Dispatch(ctx, sub), string(kind)
}

// pipe carries a successful body forward: every field except _meta.
func pipe(body map[string]any) map[string]any {
	next := make(map[string]any, len(body))
	for k, v := range body {
		if k == "_meta" {
			continue
		}
		next[k] = v
	}
	return next
}

// finish rewrites the returned envelope for the cascade: executorType
// becomes "cascade", duration covers the whole run, and the attempt trail
// is attached. The producing step's other _meta fields stay.
func finish(res *dispatch.Result, start time.Time, attempted []string, executed int) *dispatch.Result {
	if res.Body == nil {
		res.Body = map[string]any{}
	}
	meta, _ := res.Body["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	if attempted == nil {
		attempted = []string{}
	}
	meta["duration"] = time.Since(start).Milliseconds()
	meta["executorType"] = "cascade"
	meta["tiersAttempted"] = attempted
	meta["stepsExecuted"] = executed
	res.Body["_meta"] = meta
	return res
}

func errorResult(status int, message string) *dispatch.Result {
	return &dispatch.Result{Status: status, Body: map[string]any{"error": message}}
}
