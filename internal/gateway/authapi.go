package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/functionsdo/gateway/internal/apierror"
	"github.com/functionsdo/gateway/internal/auth"
	"github.com/functionsdo/gateway/internal/router"
)

// requireAuth returns the request's verified identity. 501 when no
// credential backend is configured, 401 when the stage left no context.
func (g *Gateway) requireAuth(rc *router.RouteContext) (*auth.Context, error) {
	if !g.authn.Enabled() {
		return nil, apierror.ErrAuthNotConfigured
	}
	if rc == nil || rc.Auth == nil {
		return nil, apierror.ErrUnauthenticated
	}
	return rc.Auth, nil
}

func (g *Gateway) handleAuthValidate(w http.ResponseWriter, r *http.Request) error {
	actx, err := g.requireAuth(router.FromContext(r.Context()))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"userId":    actx.UserID,
		"scopes":    actx.Scopes,
		"expiresAt": actx.ExpiresAt,
	})
}

func (g *Gateway) handleAuthMe(w http.ResponseWriter, r *http.Request) error {
	actx, err := g.requireAuth(router.FromContext(r.Context()))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, actx)
}

func (g *Gateway) handleAuthOrgs(w http.ResponseWriter, r *http.Request) error {
	actx, err := g.requireAuth(router.FromContext(r.Context()))
	if err != nil {
		return err
	}
	orgs := actx.Organizations
	if orgs == nil {
		orgs = []string{}
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"currentOrg":    actx.CurrentOrg,
		"organizations": orgs,
	})
}

// handleMintKey creates an API key for the caller. The key itself appears in
// this response and nowhere else; only its bcrypt hash is stored.
func (g *Gateway) handleMintKey(w http.ResponseWriter, r *http.Request) error {
	actx, err := g.requireAuth(router.FromContext(r.Context()))
	if err != nil {
		return err
	}

	var req struct {
		Scopes []string `json:"scopes"`
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return readErr(err)
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return apierror.ErrInvalidJSON
		}
	}

	key, rec, err := g.store.APIKeys().Mint(r.Context(), actx.UserID, req.Scopes)
	if err != nil {
		return storeErr(err, nil)
	}
	return writeJSON(w, http.StatusCreated, map[string]any{
		"key":       key,
		"id":        rec.ID,
		"userId":    rec.UserID,
		"scopes":    rec.Scopes,
		"createdAt": rec.CreatedAt,
	})
}

func (g *Gateway) handleListKeys(w http.ResponseWriter, r *http.Request) error {
	actx, err := g.requireAuth(router.FromContext(r.Context()))
	if err != nil {
		return err
	}

	recs, err := g.store.APIKeys().List(r.Context(), actx.UserID)
	if err != nil {
		return storeErr(err, nil)
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"keys":  recs,
		"count": len(recs),
	})
}

// handleRevokeKey deletes one of the caller's keys. Key ids are scoped to
// their owner; revoking another user's key reads as not found.
func (g *Gateway) handleRevokeKey(w http.ResponseWriter, r *http.Request) error {
	rc := router.FromContext(r.Context())
	actx, err := g.requireAuth(rc)
	if err != nil {
		return err
	}

	keyID := rc.Param("keyId")
	recs, err := g.store.APIKeys().List(r.Context(), actx.UserID)
	if err != nil {
		return storeErr(err, nil)
	}
	owned := false
	for _, rec := range recs {
		if rec.ID == keyID {
			owned = true
			break
		}
	}
	if !owned {
		return apierror.ErrNotFound.WithMessage("API key not found")
	}

	if err := g.store.APIKeys().Revoke(r.Context(), keyID); err != nil {
		return storeErr(err, apierror.ErrNotFound.WithMessage("API key not found"))
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
