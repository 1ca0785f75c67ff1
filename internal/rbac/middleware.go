package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shepherd-ops/shepherd/internal/platform/httpx"
	"github.com/shepherd-ops/shepherd/internal/shared"
)

// PermissionAuthorizer is satisfied by *Authorizer.
type PermissionAuthorizer interface {
	Authorize(ctx context.Context, actor shared.Actor, perms ...string) error
	AuthorizeAll(ctx context.Context, actor shared.Actor, perms ...string) error
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Authorizer PermissionAuthorizer
	Logger     *slog.Logger
}

// RequireAny ensures the current actor has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require(normalizePermissions(perms), m.Authorizer.Authorize)
}

// RequireAll ensures the current actor has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require(normalizePermissions(perms), m.Authorizer.AuthorizeAll)
}

type authorizeFunc func(ctx context.Context, actor shared.Actor, perms ...string) error

func (m Middleware) require(perms []string, check authorizeFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok || actor.IsSystem() {
				httpx.RespondError(w, shared.ErrUnauthorized)
				return
			}
			if err := check(r.Context(), actor, perms...); err != nil {
				if !errors.Is(err, shared.ErrForbidden) && m.Logger != nil {
					m.Logger.Error("rbac authorize", slog.Int64("user_id", actor.UserID), slog.Any("error", err))
				}
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
