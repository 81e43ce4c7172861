package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/pennypilot/internal/api/response"
)

// CronAuth guards scheduler endpoints with a shared secret sent as a Bearer
// token. With no secret configured every request is refused with a
// configuration error.
func CronAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				slog.Error("cron endpoint called but SYSTEM_SECRET is not set", "path", r.URL.Path)
				response.Error(w, http.StatusInternalServerError,
					"CONFIGURATION_ERROR", "System secret is not configured", nil)
				return
			}

			token := extractBearerToken(r)
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				response.Error(w, http.StatusUnauthorized,
					"UNAUTHORIZED", "Invalid or missing system secret", nil)
				return
			}

			next.ServeHTTP(w, r.WithContext(setKeyPrefix(r.Context(), cronPrefix)))
		})
	}
}
