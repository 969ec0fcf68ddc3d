package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/zhouzirui/solace/backend/internal/auth"
	"github.com/zhouzirui/solace/backend/pkg/utils"
)

type contextKey int

const (
	subjectKey contextKey = iota
	tokenKey
)

// TokenValidator checks bearer tokens.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (auth.Claims, error)
}

// SubjectFromContext returns the authenticated subject, or "".
func SubjectFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(subjectKey).(string); ok {
		return v
	}
	return ""
}

// TokenFromContext returns the raw bearer token of the request, or "".
func TokenFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tokenKey).(string); ok {
		return v
	}
	return ""
}

// Bearer rejects requests without a valid Authorization bearer token and
// stores the subject in the request context.
func Bearer(validator TokenValidator) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "middleware")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.StripBearer(r.Header.Get("Authorization"))
			claims, err := validator.Validate(r.Context(), token)
			if err != nil {
				if errors.Is(err, auth.ErrUnauthenticated) {
					w.Header().Set("WWW-Authenticate", `Bearer realm="solace"`)
					utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
					return
				}
				logger.Error("token validation failed", "error", err)
				utils.RespondError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
			ctx = context.WithValue(ctx, tokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
