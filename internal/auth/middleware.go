package auth

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/shepherd-ops/shepherd/internal/platform/httpx"
	"github.com/shepherd-ops/shepherd/internal/shared"
)

type claimsContextKey struct{}

// Verifier checks bearer tokens.
type Verifier interface {
	Verify(ctx context.Context, raw string) (*Claims, error)
}

// RequireBearer authenticates the request and stores the caller as the
// shared.Actor of the request context. Run it after chi's RealIP.
func RequireBearer(verifier Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				httpx.RespondError(w, shared.ErrUnauthorized)
				return
			}
			claims, err := verifier.Verify(r.Context(), raw)
			if err != nil {
				if !errors.Is(err, shared.ErrUnauthorized) {
					logger.Error("verify bearer token", slog.Any("error", err))
				}
				httpx.RespondError(w, err)
				return
			}
			userID, err := claims.UserID()
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			actor := shared.Actor{
				UserID:    userID,
				IPAddress: clientIP(r.RemoteAddr),
				UserAgent: r.UserAgent(),
			}
			ctx := shared.ContextWithActor(r.Context(), actor)
			ctx = context.WithValue(ctx, claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the verified token claims.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*Claims)
	return claims, ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
