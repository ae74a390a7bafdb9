package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/functionsdo/gateway/internal/fn"
	"github.com/functionsdo/gateway/internal/sandbox"
)

// runCode executes tier-1 functions in the sandbox. Output object fields
// merge into the body top level; scalar output lands under "output".
func (d *Dispatcher) runCode(ctx context.Context, req *Request) *Result {
	meta := req.Meta
	source := codeSource(req.Code)
	if source == "" {
		return errorResult(http.StatusNotFound, "Function code not found")
	}
	if d.sandbox == nil {
		return errorResult(http.StatusNotImplemented, "No code executor configured")
	}

	timeoutMs := int64(0)
	if deadline, ok := ctx.Deadline(); ok {
		timeoutMs = time.Until(deadline).Milliseconds()
	}

	sres, err := d.sandbox.Execute(ctx, &sandbox.Request{
		Code:       source,
		Input:      req.Input,
		EntryPoint: meta.EntryPoint,
		Language:   meta.Language,
		TimeoutMs:  timeoutMs,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return errorResult(http.StatusRequestTimeout, "Function execution timed out")
		}
		return errorResult(http.StatusInternalServerError, "Function execution failed: "+err.Error())
	}

	if d.logs != nil {
		for _, line := range sres.Logs {
			d.logs.Append(meta.ID, line.Level, line.Message, nil)
		}
	}

	execMeta := map[string]any{
		"runner":            d.sandbox.Name(),
		"sandboxDurationMs": sres.DurationMs,
	}

	if !sres.Success {
		msg := sres.Error
		if msg == "" {
			msg = "Function execution failed"
		}
		return &Result{
			Status: http.StatusInternalServerError,
			Body: map[string]any{
				"error": msg,
				"_meta": map[string]any{"codeExecution": execMeta},
			},
		}
	}

	body := map[string]any{}
	if len(sres.Output) > 0 {
		var out any
		if err := json.Unmarshal(sres.Output, &out); err == nil {
			if obj, ok := out.(map[string]any); ok {
				for k, v := range obj {
					body[k] = v
				}
			} else if out != nil {
				body["output"] = out
			}
		}
	}
	body["_meta"] = map[string]any{"codeExecution": execMeta}
	return &Result{Status: http.StatusOK, Body: body}
}

// codeSource picks the runnable artifact: compiled output when present,
// else the raw source.
func codeSource(code *fn.Code) string {
	if code == nil {
		return ""
	}
	if strings.TrimSpace(code.Compiled) != "" {
		return code.Compiled
	}
	if strings.TrimSpace(code.Source) != "" {
		return code.Source
	}
	return ""
}
