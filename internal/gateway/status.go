package gateway

import (
	"net/http"
	"time"
)

const serviceName = "Functions.do"

// BuildVersion is stamped by the main package from its ldflags version.
var BuildVersion = "dev"

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) error {
	return writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
	})
}

// handleStatus reports liveness plus a counters snapshot. The path is
// public; nothing here discloses configuration secrets.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) error {
	var classifier any
	if cl := g.classifier.Load(); cl != nil {
		classifier = cl.Stats()
	}

	return writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"service":       serviceName,
		"version":       BuildVersion,
		"uptimeSeconds": int64(time.Since(g.startTime).Seconds()),
		"executors":     g.dispatcher.Available(),
		"auth":          g.authn.Enabled(),
		"logs":          g.logs.Enabled(),
		"tasks":         g.taskCounts.snapshot(),
		"webhooks":      g.hooks.Counters(),
		"csrf":          g.csrf.Stats(),
		"classifier":    classifier,
	})
}

// handleCSRFToken mints a token for browser clients. The same value lands
// in the csrf cookie and the response body; the client echoes it in the
// token header on state-changing requests.
func (g *Gateway) handleCSRFToken(w http.ResponseWriter, r *http.Request) error {
	token, err := g.csrf.IssueToken(w)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"token":  token,
		"header": g.csrf.HeaderName(),
	})
}
