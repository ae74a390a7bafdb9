package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/functionsdo/gateway/internal/apierror"
	"github.com/functionsdo/gateway/internal/compile"
	"github.com/functionsdo/gateway/internal/fn"
	"github.com/functionsdo/gateway/internal/ident"
	"github.com/functionsdo/gateway/internal/router"
	"github.com/functionsdo/gateway/internal/store"
)

const (
	defaultListLimit   = 50
	maxListLimit       = 200
	maxRollbackHistory = 20
)

// deployRequest is the deploy body: the metadata fields plus the source.
// "name" is accepted as an alias for "id".
type deployRequest struct {
	fn.Metadata
	Name string `json:"name"`
	Code string `json:"code"`
}

func (g *Gateway) handleListFunctions(w http.ResponseWriter, r *http.Request) error {
	rc := router.FromContext(r.Context())
	st, err := g.storeFor(rc)
	if err != nil {
		return err
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return apierror.ErrValidationFailed.WithMessage("Invalid limit")
		}
		limit = min(n, maxListLimit)
	}

	metas, next, hasMore, err := st.Registry.List(r.Context(), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		return storeErr(err, nil)
	}

	out := map[string]any{
		"functions": metas,
		"count":     len(metas),
		"hasMore":   hasMore,
	}
	if hasMore {
		out["nextCursor"] = next
	}
	return writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleDeployFunction(w http.ResponseWriter, r *http.Request) error {
	rc := router.FromContext(r.Context())
	st, err := g.storeFor(rc)
	if err != nil {
		return err
	}

	var req deployRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	meta := req.Metadata
	if meta.ID == "" {
		meta.ID = req.Name
	}
	if meta.ID == "" {
		return apierror.ErrMissingRequired.WithMessage("Function id is required")
	}
	if err := validateMetadata(&meta, g.Config().Limits.MaxCascadeSteps); err != nil {
		return err
	}

	// Redeploys keep their creation time and rollback history.
	if prev, err := st.Registry.Get(r.Context(), meta.ID); err == nil {
		meta.CreatedAt = prev.CreatedAt
		meta.Rollbacks = prev.Rollbacks
	}

	var cres *compile.Result
	if req.Code != "" {
		cres = g.compile.Compile(r.Context(), req.Code, compile.Options{
			Loader:    loaderFor(meta.Language),
			Sourcemap: true,
		})
		if !cres.Success {
			return apierror.ErrValidationFailed.
				WithMessage("Compilation failed").
				WithExtra("errors", cres.Errors)
		}
	}

	if meta.Type == "" && req.Code == "" {
		if cl := g.classifier.Load(); cl != nil {
			verdict := cl.Classify(r.Context(), meta.ID, meta.Description, meta.InputSchema)
			meta.Type = verdict.Type
			meta.Classification = verdict
		}
	}

	if err := st.Registry.Put(r.Context(), &meta); err != nil {
		return deployErr(err)
	}
	if req.Code != "" {
		if err := putCode(r.Context(), st, meta.ID, "", req.Code, cres); err != nil {
			return storeErr(err, nil)
		}
	}
	if meta.Version != "" {
		snapshot := meta
		snapshot.Rollbacks = nil
		if err := st.Registry.PutVersion(r.Context(), &snapshot); err != nil {
			return deployErr(err)
		}
		if req.Code != "" {
			if err := putCode(r.Context(), st, meta.ID, meta.Version, req.Code, cres); err != nil {
				return storeErr(err, nil)
			}
		}
	}

	g.invalidate(meta.ID)

	out := map[string]any{"function": &meta}
	if cres != nil {
		out["compile"] = map[string]any{
			"compiler": cres.Compiler,
			"warnings": cres.Warnings,
		}
	}
	return writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleGetFunction(w http.ResponseWriter, r *http.Request) error {
	rc := router.FromContext(r.Context())
	if err := ident.ValidateFunctionID(rc.FunctionID); err != nil {
		return apierror.ErrInvalidFunctionID.WithMessage(err.Error())
	}
	st, err := g.storeFor(rc)
	if err != nil {
		return err
	}

	meta, err := st.Registry.Get(r.Context(), rc.FunctionID)
	if err != nil {
		return storeErr(err, apierror.ErrFunctionNotFound)
	}
	return writeJSON(w, http.StatusOK, meta)
}

func (g *Gateway) handleUpdateFunction(w http.ResponseWriter, r *http.Request) error {
	rc := router.FromContext(r.Context())
	if err := ident.ValidateFunctionID(rc.FunctionID); err != nil {
		return apierror.ErrInvalidFunctionID.WithMessage(err.Error())
	}
	st, err := g.storeFor(rc)
	if err != nil {
		return err
	}

	patch, err := io.ReadAll(r.Body)
	if err != nil {
		return readErr(err)
	}
	if !gjson.ValidBytes(patch) {
		return apierror.ErrInvalidJSON
	}

	maxSteps := g.Config().Limits.MaxCascadeSteps
	meta, err := st.Registry.Update(r.Context(), rc.FunctionID, func(m *fn.Metadata) error {
		if err := json.Unmarshal(patch, m); err != nil {
			return apierror.ErrInvalidJSON
		}
		return validateMetadata(m, maxSteps)
	})
	if err != nil {
		return storeErr(err, apierror.ErrFunctionNotFound)
	}

	g.invalidate(rc.FunctionID)
	return writeJSON(w, http.StatusOK, meta)
}

func (g *Gateway) handleDeleteFunction(w http.ResponseWriter, r *http.Request) error {
	rc := router.FromContext(r.Context())
	if err := ident.ValidateFunctionID(rc.FunctionID); err != nil {
		return apierror.ErrInvalidFunctionID.WithMessage(err.Error())
	}
	st, err := g.storeFor(rc)
	if err != nil {
		return err
	}

	id := rc.FunctionID
	if err := st.Registry.Delete(r.Context(), id); err != nil {
		return storeErr(err, apierror.ErrFunctionNotFound)
	}

	versions, err := st.Code.ListVersions(r.Context(), id)
	if err == nil {
		for _, v := range versions {
			_ = st.Code.Delete(r.Context(), id, v)
		}
	}
	_ = st.Code.Delete(r.Context(), id, "")

	g.logs.Drop(id)
	g.invalidate(id)

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (g *Gateway) handleListVersions(w http.ResponseWriter, r *http.Request) error {
	rc := router.FromContext(r.Context())
	if err := ident.ValidateFunctionID(rc.FunctionID); err != nil {
		return apierror.ErrInvalidFunctionID.WithMessage(err.Error())
	}
	st, err := g.storeFor(rc)
	if err != nil {
		return err
	}

	meta, err := st.Registry.Get(r.Context(), rc.FunctionID)
	if err != nil {
		return storeErr(err, apierror.ErrFunctionNotFound)
	}
	versions, err := st.Registry.ListVersions(r.Context(), rc.FunctionID)
	if err != nil {
		return storeErr(err, nil)
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"current":   meta.Version,
		"versions":  versions,
		"rollbacks": meta.Rollbacks,
	})
}

// handleSnapshotVersion freezes the current record and code under the given
// semver and moves the current version pointer to it.
func (g *Gateway) handleSnapshotVersion(w http.ResponseWriter, r *http.Request) error {
	rc := router.FromContext(r.Context())
	if err := ident.ValidateFunctionID(rc.FunctionID); err != nil {
		return apierror.ErrInvalidFunctionID.WithMessage(err.Error())
	}
	st, err := g.storeFor(rc)
	if err != nil {
		return err
	}

	var req struct {
		Version string `json:"version"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Version == "" {
		return apierror.ErrMissingRequired.WithMessage("Version is required")
	}
	if _, err := ident.ParseSemver(req.Version); err != nil {
		return apierror.ErrValidationFailed.WithMessage(err.Error())
	}

	id := rc.FunctionID
	meta, err := st.Registry.Get(r.Context(), id)
	if err != nil {
		return storeErr(err, apierror.ErrFunctionNotFound)
	}

	snapshot := *meta
	snapshot.Version = req.Version
	snapshot.Rollbacks = nil
	if err := st.Registry.PutVersion(r.Context(), &snapshot); err != nil {
		return storeErr(err, nil)
	}
	if cd, err := st.Code.Get(r.Context(), id, ""); err == nil {
		if err := copyCode(r.Context(), st, id, req.Version, cd); err != nil {
			return storeErr(err, nil)
		}
	}

	meta, err = st.Registry.Update(r.Context(), id, func(m *fn.Metadata) error {
		m.Version = req.Version
		return nil
	})
	if err != nil {
		return storeErr(err, apierror.ErrFunctionNotFound)
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"function": meta,
		"version":  req.Version,
	})
}

// handleRollback sets the current record to a stored snapshot and appends to
// the bounded rollback history. Any direction is allowed; "rollback" only
// names the common case.
func (g *Gateway) handleRollback(w http.ResponseWriter, r *http.Request) error {
	rc := router.FromContext(r.Context())
	if err := ident.ValidateFunctionID(rc.FunctionID); err != nil {
		return apierror.ErrInvalidFunctionID.WithMessage(err.Error())
	}
	st, err := g.storeFor(rc)
	if err != nil {
		return err
	}

	var req struct {
		Version string `json:"version"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Version == "" {
		return apierror.ErrMissingRequired.WithMessage("Version is required")
	}

	id := rc.FunctionID
	target, err := st.Registry.GetVersion(r.Context(), id, req.Version)
	if err != nil {
		return storeErr(err, apierror.ErrNotFound.WithMessage("Version "+req.Version+" not found"))
	}

	var record fn.RollbackRecord
	meta, err := st.Registry.Update(r.Context(), id, func(m *fn.Metadata) error {
		record = fn.RollbackRecord{From: m.Version, To: target.Version, At: time.Now().UTC()}
		history := append(m.Rollbacks, record)
		if len(history) > maxRollbackHistory {
			history = history[len(history)-maxRollbackHistory:]
		}
		created := m.CreatedAt
		*m = *target
		m.CreatedAt = created
		m.Rollbacks = history
		return nil
	})
	if err != nil {
		return storeErr(err, apierror.ErrFunctionNotFound)
	}

	if cd, err := st.Code.Get(r.Context(), id, req.Version); err == nil {
		if err := copyCode(r.Context(), st, id, "", cd); err != nil {
			return storeErr(err, nil)
		}
	}

	g.invalidate(id)
	return writeJSON(w, http.StatusOK, map[string]any{
		"function": meta,
		"rollback": record,
	})
}

// validateMetadata checks the tier-specific invariants shared by deploy and
// update.
func validateMetadata(meta *fn.Metadata, maxSteps int) error {
	if err := ident.ValidateFunctionID(meta.ID); err != nil {
		return apierror.ErrInvalidFunctionID.WithMessage(err.Error())
	}
	if meta.Type != "" && !meta.Type.Valid() {
		return apierror.ErrValidationFailed.WithMessage("Unknown function type " + string(meta.Type))
	}
	if meta.Version != "" {
		if _, err := ident.ParseSemver(meta.Version); err != nil {
			return apierror.ErrValidationFailed.WithMessage(err.Error())
		}
	}
	if len(meta.InputSchema) > 0 {
		if _, err := compileSchema(meta.InputSchema); err != nil {
			return apierror.ErrValidationFailed.WithMessagef("Function input schema is invalid: %v", err)
		}
	}

	switch meta.Type {
	case fn.KindCascade:
		if len(meta.Steps) == 0 {
			return apierror.ErrValidationFailed.WithMessage("Cascade functions require steps")
		}
		if maxSteps > 0 && len(meta.Steps) > maxSteps {
			return apierror.ErrValidationFailed.WithMessagef("Cascade exceeds %d steps", maxSteps)
		}
		for _, step := range meta.Steps {
			if err := ident.ValidateFunctionID(step.FunctionID); err != nil {
				return apierror.ErrValidationFailed.WithMessage("Cascade step: " + err.Error())
			}
		}
		switch meta.ErrorHandling {
		case "", fn.ErrorHandlingFailFast, fn.ErrorHandlingFallback, fn.ErrorHandlingContinue:
		default:
			return apierror.ErrValidationFailed.WithMessage("Unknown errorHandling " + meta.ErrorHandling)
		}
	case fn.KindHuman:
		if meta.Timeout != "" {
			if _, err := ident.ParseTimeout(meta.Timeout); err != nil {
				return apierror.ErrValidationFailed.WithMessage(err.Error())
			}
		}
	}
	return nil
}

// putCode stores deployed source together with its compile artifacts.
func putCode(ctx context.Context, st *store.Store, id, version, source string, cres *compile.Result) error {
	if err := st.Code.Put(ctx, id, version, source); err != nil {
		return err
	}
	if cres == nil || !cres.Success {
		return nil
	}
	if err := st.Code.PutCompiled(ctx, id, version, cres.Code); err != nil {
		return err
	}
	if cres.Map != "" {
		return st.Code.PutSourceMap(ctx, id, version, cres.Map)
	}
	return nil
}

// copyCode duplicates a code record (source, artifact, map) to another
// version slot.
func copyCode(ctx context.Context, st *store.Store, id, version string, cd *fn.Code) error {
	if err := st.Code.Put(ctx, id, version, cd.Source); err != nil {
		return err
	}
	if cd.Compiled != "" {
		if err := st.Code.PutCompiled(ctx, id, version, cd.Compiled); err != nil {
			return err
		}
	}
	if cd.SourceMap != "" {
		return st.Code.PutSourceMap(ctx, id, version, cd.SourceMap)
	}
	return nil
}

func loaderFor(language string) string {
	switch language {
	case "javascript", "js":
		return "js"
	case "jsx":
		return "jsx"
	case "tsx":
		return "tsx"
	default:
		return "ts"
	}
}

// decodeBody reads a strict JSON object body into v.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return readErr(err)
	}
	if len(body) == 0 {
		return apierror.ErrInvalidJSON.WithMessage("Request body is empty")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apierror.ErrInvalidJSON
	}
	return nil
}

// readErr maps body read failures; over-limit reads surface as 413.
func readErr(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apierror.ErrPayloadTooLarge
	}
	return apierror.ErrInternal.WithCause(err)
}

// storeErr maps storage sentinels onto the API taxonomy. notFound supplies
// the endpoint's 404; nil keeps missing keys as internal errors.
func storeErr(err error, notFound *apierror.Error) error {
	switch {
	case errors.Is(err, store.ErrKeyNotFound):
		if notFound != nil {
			return notFound
		}
		return apierror.ErrInternal.WithCause(err)
	case errors.Is(err, store.ErrNotConfigured):
		return apierror.ErrServiceUnavailable.WithMessage("Storage not configured").WithCause(err)
	default:
		var apiErr *apierror.Error
		if errors.As(err, &apiErr) {
			return apiErr
		}
		return apierror.ErrInternal.WithCause(err)
	}
}

// deployErr keeps validation errors from the store visible; everything else
// goes through the taxonomy mapping.
func deployErr(err error) error {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, store.ErrKeyNotFound) || errors.Is(err, store.ErrNotConfigured) {
		return storeErr(err, nil)
	}
	return apierror.ErrValidationFailed.WithMessage(err.Error())
}
