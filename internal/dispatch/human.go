package dispatch

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/functionsdo/gateway/internal/logging"
)

// runHuman executes tier-4 functions: create a task and hand back 202 with
// the task handle. The work itself completes later through the task API.
func (d *Dispatcher) runHuman(ctx context.Context, req *Request) *Result {
	if d.tasks == nil {
		return errorResult(http.StatusServiceUnavailable, "Human task store not configured")
	}

	task, err := d.tasks.Create(ctx, req.Meta, req.Input)
	if err != nil {
		logging.Error("task creation failed",
			zap.String("functionId", req.Meta.ID),
			zap.Error(err))
		return errorResult(http.StatusInternalServerError, "Task creation failed")
	}

	return &Result{
		Status: http.StatusAccepted,
		Body: map[string]any{
			"taskId":     task.ID,
			"taskUrl":    task.URL,
			"taskStatus": string(task.Status),
			"_meta": map[string]any{
				"humanExecution": map[string]any{
					"taskId":          task.ID,
					"interactionType": task.InteractionType,
					"expiresAt":       task.ExpiresAt.Format(time.RFC3339),
				},
			},
		},
	}
}
