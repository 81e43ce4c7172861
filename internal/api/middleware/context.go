package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
)

type contextKey string

const (
	accountIDKey    contextKey = "account_id"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
	subscriptionKey contextKey = "subscription"
)

// cronPrefix is the rate-limit bucket shared by all shared-secret callers.
const cronPrefix = "cron"

func SetAccountID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, accountIDKey, id)
}

func GetAccountID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(accountIDKey).(uuid.UUID)
	return id, ok
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}

// SetSubscription stores the resolved subscription. Exported for handler tests.
func SetSubscription(ctx context.Context, sc models.SubscriptionContext) context.Context {
	return context.WithValue(ctx, subscriptionKey, sc)
}

// GetSubscription returns the subscription resolved by Subscriptions.Resolve.
func GetSubscription(r *http.Request) (models.SubscriptionContext, bool) {
	sc, ok := r.Context().Value(subscriptionKey).(models.SubscriptionContext)
	return sc, ok
}
