package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/kiranshivaraju/pennypilot/internal/api/response"
	"github.com/kiranshivaraju/pennypilot/internal/store"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefixLen = 8

// ScopeAdmin grants access to the operator endpoints.
const ScopeAdmin = "admin"

// Auth provides API-key authentication and scope-checking middleware.
type Auth struct {
	store store.Store
}

// NewAuth creates a new Auth middleware.
func NewAuth(s store.Store) *Auth {
	return &Auth{store: s}
}

// Authenticate validates the Bearer token, looks up the API key, and sets
// account_id, key_prefix, and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:keyPrefixLen]

		keys, err := a.store.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			slog.Error("api key lookup failed", "key_prefix", prefix, "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		idx := slices.IndexFunc(keys, func(k *models.APIKey) bool {
			return bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(rawKey)) == nil
		})
		if idx < 0 {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}
		key := keys[idx]

		ctx := r.Context()
		ctx = SetAccountID(ctx, key.AccountID)
		ctx = setKeyPrefix(ctx, prefix)
		ctx = setScopes(ctx, key.Scopes)

		go func() {
			if err := a.store.UpdateAPIKeyLastUsed(context.Background(), key.ID); err != nil {
				slog.Warn("updating api key last_used_at failed", "key_prefix", prefix, "error", err)
			}
		}()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(getScopes(r), scope) {
				next.ServeHTTP(w, r)
				return
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
