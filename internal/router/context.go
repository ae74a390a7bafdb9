package router

import (
	"context"
	"net/http"
	"regexp"

	"github.com/functionsdo/gateway/internal/auth"
	"github.com/functionsdo/gateway/internal/ident"
)

// RouteContext carries the matched route's parameters and the request's
// resolved identity through the handler chain. It is built once per request;
// the auth stage fills Auth after verification.
type RouteContext struct {
	Params           map[string]string
	FunctionID       string
	Version          string // function version selector from the version query
	APIVersion       string
	APIVersionSource string // path, query, accept-version, x-api-version or default
	Auth             *auth.Context
}

// Param returns the named path parameter, or "".
func (rc *RouteContext) Param(name string) string {
	if rc == nil {
		return ""
	}
	return rc.Params[name]
}

type routeContextKey struct{}

func withRouteContext(ctx context.Context, rc *RouteContext) context.Context {
	return context.WithValue(ctx, routeContextKey{}, rc)
}

// FromContext returns the RouteContext attached by the router, or nil when
// the request did not pass through it.
func FromContext(ctx context.Context) *RouteContext {
	rc, _ := ctx.Value(routeContextKey{}).(*RouteContext)
	return rc
}

var versionPrefix = regexp.MustCompile(`^/v(\d+)(/.*)$`)

// resolveAPIVersion picks the request's API version by strict priority:
// path prefix, version query, Accept-Version header, X-API-Version header,
// then the default v1. The returned path has any /v<n> prefix stripped so
// routes match with and without it.
func resolveAPIVersion(r *http.Request) (version, source, path string) {
	path = r.URL.Path
	if m := versionPrefix.FindStringSubmatch(path); m != nil {
		return "v" + m[1], "path", m[2]
	}
	if v := r.URL.Query().Get("version"); v != "" {
		return ident.NormalizeAPIVersion(v), "query", path
	}
	if v := r.Header.Get("Accept-Version"); v != "" {
		return ident.NormalizeAPIVersion(v), "accept-version", path
	}
	if v := r.Header.Get("X-API-Version"); v != "" {
		return ident.NormalizeAPIVersion(v), "x-api-version", path
	}
	return "v1", "default", path
}
