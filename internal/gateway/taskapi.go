package gateway

import (
	"net/http"
	"strconv"

	"github.com/functionsdo/gateway/internal/apierror"
	"github.com/functionsdo/gateway/internal/router"
	"github.com/functionsdo/gateway/internal/tasks"
)

func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) error {
	status := tasks.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		return apierror.ErrValidationFailed.WithMessage("Unknown task status " + string(status))
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return apierror.ErrValidationFailed.WithMessage("Invalid limit")
		}
		limit = n
	}

	list, err := g.tasks.List(r.Context(), r.URL.Query().Get("functionId"), status, limit)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"tasks": list,
		"count": len(list),
	})
}

func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) error {
	rc := router.FromContext(r.Context())
	t, err := g.tasks.Get(r.Context(), rc.Param("taskId"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, t)
}

// handleRespondTask completes a pending task with the human's answer. Body:
// {"response": {...}}.
func (g *Gateway) handleRespondTask(w http.ResponseWriter, r *http.Request) error {
	rc := router.FromContext(r.Context())

	var req struct {
		Response map[string]any `json:"response"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Response == nil {
		return apierror.ErrMissingRequired.WithMessage("Response object is required")
	}

	t, err := g.tasks.Respond(r.Context(), rc.Param("taskId"), req.Response)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, t)
}

func (g *Gateway) handleCancelTask(w http.ResponseWriter, r *http.Request) error {
	rc := router.FromContext(r.Context())
	t, err := g.tasks.Cancel(r.Context(), rc.Param("taskId"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, t)
}

func (g *Gateway) handleAssignTask(w http.ResponseWriter, r *http.Request) error {
	rc := router.FromContext(r.Context())

	var req struct {
		Assignee string `json:"assignee"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Assignee == "" {
		return apierror.ErrMissingRequired.WithMessage("Assignee is required")
	}

	t, err := g.tasks.Assign(r.Context(), rc.Param("taskId"), req.Assignee)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, t)
}

func (g *Gateway) handleClaimTask(w http.ResponseWriter, r *http.Request) error {
	rc := router.FromContext(r.Context())
	t, err := g.tasks.Claim(r.Context(), rc.Param("taskId"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, t)
}
