package handlers

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shoe-studio/api/internal/platform/httpx"
)

// APIPrefix is where the versioned API groups are mounted.
const APIPrefix = "/api/v1"

// RouteRegistrar adds one group's routes to a sub-router.
type RouteRegistrar func(r chi.Router)

// Route groups under APIPrefix.
const (
	groupCatalog   = "/catalog"
	groupSessions  = "/sessions"
	groupFunctions = "/functions"
)

type router struct {
	timeout time.Duration
	trusted []netip.Prefix
	extra   []func(http.Handler) http.Handler
	health  *HealthHandlers
	groups  map[string]RouteRegistrar
}

// Option configures NewRouter.
type Option func(*router)

// WithTrustedProxies lets peers inside these prefixes name the client through X-Forwarded-For
// or X-Real-IP. Without it the connection's own address is the client.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(rt *router) { rt.trusted = append(rt.trusted, prefixes...) }
}

// WithMiddlewares runs mw on every request after request ID, real IP and timeout.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(rt *router) { rt.extra = append(rt.extra, mw...) }
}

// WithRequestTimeout bounds each request's context. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(rt *router) { rt.timeout = d }
}

// WithHealthHandlers serves /healthz and /readyz from h.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(rt *router) { rt.health = h }
}

// WithCatalogRoutes mounts reg at /api/v1/catalog.
func WithCatalogRoutes(reg RouteRegistrar) Option { return withGroup(groupCatalog, reg) }

// WithSessionRoutes mounts reg at /api/v1/sessions.
func WithSessionRoutes(reg RouteRegistrar) Option { return withGroup(groupSessions, reg) }

// WithFunctionRoutes mounts reg at /api/v1/functions.
func WithFunctionRoutes(reg RouteRegistrar) Option { return withGroup(groupFunctions, reg) }

func withGroup(path string, reg RouteRegistrar) Option {
	return func(rt *router) { rt.groups[path] = reg }
}

// NewRouter builds the HTTP surface. Groups without a registrar answer 501 so clients can
// tell a disabled feature from a typo.
func NewRouter(opts ...Option) chi.Router {
	rt := &router{timeout: 60 * time.Second, groups: map[string]RouteRegistrar{}}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.health == nil {
		rt.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, trustedRealIP(rt.trusted))
	if rt.timeout > 0 {
		r.Use(middleware.Timeout(rt.timeout))
	}
	for _, mw := range rt.extra {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", rt.health.Healthz)
	r.Get("/readyz", rt.health.Readyz)

	r.Route(APIPrefix, func(api chi.Router) {
		for _, path := range []string{groupCatalog, groupSessions, groupFunctions} {
			reg, ok := rt.groups[path]
			if !ok || reg == nil {
				api.Mount(path, disabledGroup(path))
				continue
			}
			api.Route(path, func(group chi.Router) { reg(group) })
		}
	})
	return r
}

func disabledGroup(path string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", APIPrefix+path+" is not enabled", http.StatusNotImplemented))
	})
}
