package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/functionsdo/gateway/internal/fn"
	"github.com/functionsdo/gateway/internal/llm"
	"github.com/functionsdo/gateway/internal/logging"
	"github.com/functionsdo/gateway/internal/tools"
)

const defaultAgentSystem = "You are an autonomous agent. Use the available tools to accomplish the goal, then reply with the final result as JSON."

const defaultToolIterations = 8

// agent is the pooled per-function executor state: tool declarations for
// the model and the matching handlers. No execution state lives here.
type agent struct {
	builtAt  time.Time
	decls    []llm.Tool
	handlers map[string]tools.Handler
}

func (a *agent) stale(meta *fn.Metadata) bool {
	return !meta.UpdatedAt.Equal(a.builtAt)
}

// runAgentic executes tier-3 functions: a tool-call loop against the model,
// bounded by the configured iteration cap.
func (d *Dispatcher) runAgentic(ctx context.Context, req *Request) *Result {
	if d.llm == nil {
		return errorResult(http.StatusServiceUnavailable, "No language model configured")
	}
	meta := req.Meta
	ag := d.agentFor(meta)

	system := meta.SystemPrompt
	if system == "" {
		system = defaultAgentSystem
	}

	messages := []llm.Message{{Role: "user", Content: agenticPrompt(meta.Goal, req.Input)}}

	maxIter := d.limits.MaxToolIterations
	if maxIter <= 0 {
		maxIter = defaultToolIterations
	}

	iterations := 0
	toolCalls := 0
	var final *llm.Response
	for iterations < maxIter {
		iterations++
		resp, err := d.llm.Complete(ctx, &llm.Request{
			Model:    meta.Model,
			System:   system,
			Messages: messages,
			Tools:    ag.decls,
		})
		if err != nil {
			return modelError(ctx, err)
		}
		if len(resp.ToolCalls) == 0 {
			final = resp
			break
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			toolCalls++
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    d.runTool(ctx, meta.ID, ag, call),
				ToolCallID: call.ID,
			})
		}
	}

	execMeta := map[string]any{
		"iterations": iterations,
		"toolCalls":  toolCalls,
		"model":      meta.Model,
	}
	if final == nil {
		return &Result{
			Status: http.StatusInternalServerError,
			Body: map[string]any{
				"error": fmt.Sprintf("Agent exceeded the tool iteration limit (%d)", maxIter),
				"_meta": map[string]any{"agenticExecution": execMeta},
			},
		}
	}
	if final.Model != "" {
		execMeta["model"] = final.Model
	}

	return &Result{
		Status: http.StatusOK,
		Body: map[string]any{
			"output": parseModelOutput(final.Text),
			"_meta":  map[string]any{"agenticExecution": execMeta},
		},
	}
}

// runTool executes one tool call and serializes its result for the model.
func (d *Dispatcher) runTool(ctx context.Context, functionID string, ag *agent, call llm.ToolCall) string {
	var result any
	if handler, ok := ag.handlers[call.Name]; ok {
		result = handler(ctx, call.Input)
	} else {
		result = map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Name)}
	}

	if d.logs != nil {
		d.logs.Append(functionID, "info", "tool call: "+call.Name, nil)
	}

	b, err := json.Marshal(result)
	if err != nil {
		return `{"error":"tool result not serializable"}`
	}
	return string(b)
}

// agentFor returns the pooled executor for meta, rebuilding it when the
// function was redeployed since the pool entry was built.
func (d *Dispatcher) agentFor(meta *fn.Metadata) *agent {
	ag := d.agents.GetOrCreate(meta.ID, func() *agent { return d.buildAgent(meta) })
	if ag.stale(meta) {
		ag = d.buildAgent(meta)
		d.agents.Add(meta.ID, ag)
	}
	return ag
}

// buildAgent binds the function's tool specs to handlers. A spec the
// factory rejects binds to a structured error so the model sees the
// misconfiguration instead of the loop aborting.
func (d *Dispatcher) buildAgent(meta *fn.Metadata) *agent {
	ag := &agent{
		builtAt:  meta.UpdatedAt,
		handlers: make(map[string]tools.Handler, len(meta.Tools)),
	}
	for _, spec := range meta.Tools {
		handler, err := d.tools.Build(spec)
		if err != nil {
			msg := fmt.Sprintf("tool %s is misconfigured: %v", spec.Name, err)
			logging.Warn("agent tool rejected",
				zap.String("functionId", meta.ID),
				zap.String("tool", spec.Name),
				zap.Error(err))
			handler = func(context.Context, json.RawMessage) any {
				return map[string]any{"error": msg}
			}
		}

		schema := spec.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		ag.handlers[spec.Name] = handler
		ag.decls = append(ag.decls, llm.Tool{
			Name:        spec.Name,
			Description: spec.Description,
			Schema:      schema,
		})
	}
	return ag
}

// agenticPrompt is the opening user turn: the goal followed by the
// invocation input as JSON.
func agenticPrompt(goal string, input map[string]any) string {
	b, _ := json.Marshal(input)
	if goal == "" {
		return string(b)
	}
	return goal + "\n\nInput:\n" + string(b)
}
