package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/pennypilot/internal/api/response"
	"github.com/kiranshivaraju/pennypilot/internal/cache"
	"github.com/kiranshivaraju/pennypilot/internal/store"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
)

const defaultSubscriptionTTL = 5 * time.Minute

// Subscriptions resolves the caller's plan once per request. Lookups are
// cached in redis; a cache failure falls back to the store.
type Subscriptions struct {
	store store.Store
	cache cache.Cache
	ttl   time.Duration
}

func NewSubscriptions(s store.Store, c cache.Cache, ttl time.Duration) *Subscriptions {
	if ttl <= 0 {
		ttl = defaultSubscriptionTTL
	}
	return &Subscriptions{store: s, cache: c, ttl: ttl}
}

// Resolve must run after Auth.Authenticate.
func (s *Subscriptions) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}

		key := cache.SubscriptionKey(accountID)
		var sub *models.Subscription
		cached := false
		if raw, hit, err := s.cache.Get(r.Context(), key); err != nil {
			slog.Warn("subscription cache read failed", "account_id", accountID, "error", err)
		} else if hit {
			if err := json.Unmarshal(raw, &sub); err == nil {
				cached = true
			}
		}

		if !cached {
			found, err := s.store.GetSubscription(r.Context(), accountID)
			switch {
			case errors.Is(err, store.ErrNotFound):
			case err != nil:
				slog.Error("subscription lookup failed", "account_id", accountID, "error", err)
				response.Internal(w)
				return
			default:
				sub = found
			}
			if raw, err := json.Marshal(sub); err == nil {
				if err := s.cache.Set(r.Context(), key, raw, s.ttl); err != nil {
					slog.Warn("subscription cache write failed", "account_id", accountID, "error", err)
				}
			}
		}

		sc := models.NewSubscriptionContext(accountID, sub)
		next.ServeHTTP(w, r.WithContext(SetSubscription(r.Context(), sc)))
	})
}

// RequireFeature rejects callers whose plan lacks feature or whose
// subscription is not in good standing.
func RequireFeature(feature string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc, ok := GetSubscription(r)
			if !ok || !sc.Allows(feature) {
				response.Error(w, http.StatusForbidden, "PLAN_REQUIRED",
					"Your plan does not include this feature",
					map[string]string{"feature": feature, "plan": sc.Plan, "status": sc.Status})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
