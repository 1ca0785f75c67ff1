package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/shepherd-ops/shepherd/internal/auth"
	"github.com/shepherd-ops/shepherd/internal/observability"
	"github.com/shepherd-ops/shepherd/internal/rbac"
	"github.com/shepherd-ops/shepherd/internal/shared"
)

// Mounter registers routes on a sub-router.
type Mounter interface {
	MountRoutes(r chi.Router)
}

// ApprovalRoute mounts one approvable record kind under Path.
type ApprovalRoute struct {
	Path    string
	Handler Mounter
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger       *slog.Logger
	Config       *Config
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Guard        rbac.Middleware
	AuthHandler  *auth.Handler
	RBACHandler  *rbac.Handler
	UsersHandler Mounter
	AuditHandler Mounter
	JobHandler   Mounter
	Approvals    []ApprovalRoute
}

// NewRouter constructs the chi.Router with Shepherd defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	if params.AuthHandler != nil {
		r.Route("/auth", func(r chi.Router) {
			r.With(httprate.LimitByIP(10, time.Minute)).Group(params.AuthHandler.MountRoutes)
			r.Group(func(r chi.Router) {
				r.Use(params.Authenticate)
				params.AuthHandler.MountProtectedRoutes(r)
			})
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(params.Authenticate)

		if params.RBACHandler != nil {
			r.Route("/roles", params.RBACHandler.MountRoleRoutes)
			r.Route("/permissions", params.RBACHandler.MountPermissionRoutes)
		}
		r.Route("/users", func(r chi.Router) {
			if params.UsersHandler != nil {
				params.UsersHandler.MountRoutes(r)
			}
			if params.RBACHandler != nil {
				params.RBACHandler.MountUserRoutes(r)
			}
		})
		if params.AuditHandler != nil {
			r.Route("/audit-logs", func(r chi.Router) {
				r.Use(params.Guard.RequireAny(shared.PermAuditView))
				params.AuditHandler.MountRoutes(r)
			})
		}
		if params.JobHandler != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Use(params.Guard.RequireAny(shared.PermRolesEdit))
				params.JobHandler.MountRoutes(r)
			})
		}
		for _, route := range params.Approvals {
			r.Route(route.Path, route.Handler.MountRoutes)
		}
	})

	return otelhttp.NewHandler(r, "shepherd",
		otelhttp.WithFilter(func(req *http.Request) bool {
			return req.URL.Path != "/healthz" && req.URL.Path != "/metrics"
		}),
	)
}
