package auth

import (
	"context"
	"fmt"
	"net/http"

	"ms-settlement/internal/logger"
	"ms-settlement/internal/utils"
)

type contextKey string

const userIDKey contextKey = "user_id"

// RequireRole only lets through requests bearing a valid operator token that
// carries role.
func RequireRole(secret, role string, log *logger.Logger) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := ExtractTokenFromRequest(r)
			if err != nil {
				utils.WriteJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Unauthorized", err.Error()))
				return
			}

			claims, err := ParseToken(raw, key)
			if err != nil {
				log.LogSecurity("INVALID_TOKEN", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
				utils.WriteJSON(w, http.StatusUnauthorized, utils.ErrorResponse("Unauthorized", "invalid token"))
				return
			}
			if !claims.HasRole(role) {
				log.LogSecurity("FORBIDDEN", fmt.Sprintf("%s lacks role %s for %s %s", claims.Subject, role, r.Method, r.URL.Path))
				utils.WriteJSON(w, http.StatusForbidden, utils.ErrorResponse("Forbidden", "missing role "+role))
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Helper to extract user ID in handlers
func UserID(ctx context.Context) string {
	if uid, ok := ctx.Value(userIDKey).(string); ok {
		return uid
	}
	return ""
}
