package gateway

import (
	"net/http"

	"github.com/functionsdo/gateway/internal/middleware"
	"github.com/functionsdo/gateway/internal/router"
)

// registerRoutes builds the HTTP surface. Every path also matches with a
// /v<n> prefix; the router strips it before matching.
func (g *Gateway) registerRoutes() {
	rt := g.router

	rt.GET("/", g.handleRoot)
	rt.GET("/health", g.handleRoot)
	rt.GET("/api/status", g.handleStatus)
	rt.GET("/api/csrf", g.handleCSRFToken)

	rt.Group("/api/functions", func(gr *router.Group) {
		gr.GET("", g.handleListFunctions)
		gr.POST("", g.handleDeployFunction)
		gr.GET("/:functionId", g.handleGetFunction)
		gr.PATCH("/:functionId", g.handleUpdateFunction)
		gr.DELETE("/:functionId", g.handleDeleteFunction)
		gr.GET("/:functionId/logs", g.handleFunctionLogs)
		gr.GET("/:functionId/versions", g.handleListVersions)
		gr.POST("/:functionId/versions", g.handleSnapshotVersion)
		gr.POST("/:functionId/rollback", g.handleRollback)
	})

	// Invocation surface. The bare form and /invoke share a handler.
	rt.POST("/functions/:functionId", g.handleInvoke)
	rt.POST("/functions/:functionId/invoke", g.handleInvoke)
	rt.GET("/functions/:functionId/logs", g.handleFunctionLogs)
	rt.POST("/cascade/:functionId", g.handleInvoke)

	browser := g.browserGuard()
	rt.Group("/api/tasks", func(gr *router.Group) {
		gr.GET("", g.handleListTasks)
		gr.GET("/:taskId", g.handleGetTask)
		gr.POST("/:taskId/respond", g.handleRespondTask, browser)
		gr.POST("/:taskId/cancel", g.handleCancelTask, browser)
		gr.DELETE("/:taskId", g.handleCancelTask)
		gr.POST("/:taskId/assign", g.handleAssignTask, browser)
		gr.POST("/:taskId/claim", g.handleClaimTask, browser)
	})

	rt.GET("/api/auth/validate", g.handleAuthValidate)
	rt.GET("/api/auth/me", g.handleAuthMe)
	rt.GET("/api/auth/orgs", g.handleAuthOrgs)
	rt.GET("/api/auth/keys", g.handleListKeys)
	rt.POST("/api/auth/keys", g.handleMintKey)
	rt.DELETE("/api/auth/keys/:keyId", g.handleRevokeKey)
}

// browserGuard returns the CSRF middleware for browser-facing routes, or a
// passthrough when protection is disabled.
func (g *Gateway) browserGuard() middleware.Middleware {
	if !g.Config().CSRF.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return g.csrf.Middleware()
}
