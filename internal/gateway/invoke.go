package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/functionsdo/gateway/internal/apierror"
	"github.com/functionsdo/gateway/internal/dispatch"
	"github.com/functionsdo/gateway/internal/flog"
	"github.com/functionsdo/gateway/internal/fn"
	"github.com/functionsdo/gateway/internal/ident"
	"github.com/functionsdo/gateway/internal/router"
	"github.com/functionsdo/gateway/internal/store"
)

// handleInvoke serves both /functions/:id and /cascade/:id. The cascade
// path additionally requires the target to be a cascade function.
func (g *Gateway) handleInvoke(w http.ResponseWriter, r *http.Request) error {
	rc := router.FromContext(r.Context())
	if err := ident.ValidateFunctionID(rc.FunctionID); err != nil {
		return apierror.ErrInvalidFunctionID.WithMessage(err.Error())
	}
	st, err := g.storeFor(rc)
	if err != nil {
		return err
	}
	id := rc.FunctionID

	var meta *fn.Metadata
	if rc.Version != "" {
		meta, err = st.Registry.GetVersion(r.Context(), id, rc.Version)
	} else {
		meta, err = st.Registry.Get(r.Context(), id)
	}
	if err != nil {
		return storeErr(err, apierror.ErrFunctionNotFound)
	}

	if strings.HasPrefix(r.URL.Path, "/cascade/") && meta.EffectiveKind() != fn.KindCascade {
		return apierror.ErrValidationFailed.WithMessage("Function is not a cascade")
	}

	input, err := readInput(r)
	if err != nil {
		return err
	}
	if err := g.validateInput(meta, input); err != nil {
		return err
	}

	// Code is preloaded so the dispatcher never touches storage itself;
	// other tiers resolve lazily through the resolver.
	var code *fn.Code
	if meta.EffectiveKind() == fn.KindCode {
		code, err = st.Code.Get(r.Context(), id, rc.Version)
		if err != nil && !errors.Is(err, store.ErrKeyNotFound) {
			return storeErr(err, nil)
		}
	}

	start := time.Now()
	res := g.dispatcher.Dispatch(r.Context(), &dispatch.Request{
		Meta:     meta,
		Input:    input,
		Code:     code,
		Resolver: storeResolver{st: st},
	})
	g.metrics.RecordDispatch(string(meta.EffectiveKind()), time.Since(start))

	return writeJSON(w, res.Status, res.Body)
}

// handleFunctionLogs pages through a function's invocation log ring.
func (g *Gateway) handleFunctionLogs(w http.ResponseWriter, r *http.Request) error {
	rc := router.FromContext(r.Context())
	if err := ident.ValidateFunctionID(rc.FunctionID); err != nil {
		return apierror.ErrInvalidFunctionID.WithMessage(err.Error())
	}
	st, err := g.storeFor(rc)
	if err != nil {
		return err
	}
	if _, err := st.Registry.Get(r.Context(), rc.FunctionID); err != nil {
		return storeErr(err, apierror.ErrFunctionNotFound)
	}
	if !g.logs.Enabled() {
		return apierror.ErrServiceUnavailable.WithMessage("Function logs not available")
	}

	q := flog.Query{
		Level:  r.URL.Query().Get("level"),
		Cursor: r.URL.Query().Get("cursor"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return apierror.ErrValidationFailed.WithMessage("Invalid limit, want 1-1000")
		}
		q.Limit = n
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return apierror.ErrValidationFailed.WithMessage("Invalid since timestamp, want RFC3339")
		}
		q.Since = since
	}

	return writeJSON(w, http.StatusOK, g.logs.Query(rc.FunctionID, q))
}

// readInput builds the invocation input from the request body. JSON bodies
// must parse; non-object JSON is wrapped under "input"; non-JSON content
// types are wrapped under "text".
func readInput(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, readErr(err)
	}
	if len(body) == 0 {
		return map[string]any{}, nil
	}

	ct := r.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if ct != "" && ct != "application/json" && !strings.HasSuffix(ct, "+json") {
		return map[string]any{"text": string(body)}, nil
	}

	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, apierror.ErrInvalidJSON
	}
	if obj, ok := v.(map[string]any); ok {
		return obj, nil
	}
	return map[string]any{"input": v}, nil
}
