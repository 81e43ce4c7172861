package models

import (
	"time"

	"github.com/google/uuid"
)

// Account owns portfolios, API keys and a subscription.
type Account struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

const (
	PlanFree    = "free"
	PlanPro     = "pro"
	PlanPremium = "premium"
)

const (
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

// Feature names gated by plan.
const (
	FeatureAIAnalysis     = "ai_analysis"
	FeatureNews           = "news"
	FeatureMultiPortfolio = "multi_portfolio"
)

var planFeatures = map[string][]string{
	PlanFree:    {FeatureNews},
	PlanPro:     {FeatureNews, FeatureAIAnalysis},
	PlanPremium: {FeatureNews, FeatureAIAnalysis, FeatureMultiPortfolio},
}

// Subscription is the billing state of an account as mirrored from the payment processor.
type Subscription struct {
	AccountID        uuid.UUID  `db:"account_id"         json:"account_id"`
	Plan             string     `db:"plan"               json:"plan"`
	Status           string     `db:"status"             json:"status"`
	CurrentPeriodEnd *time.Time `db:"current_period_end" json:"current_period_end,omitempty"`
	UpdatedAt        time.Time  `db:"updated_at"         json:"updated_at"`
}

// SubscriptionContext is resolved once per request and passed down the handler chain.
type SubscriptionContext struct {
	AccountID uuid.UUID
	Plan      string
	Status    string
	Features  map[string]bool
}

// NewSubscriptionContext derives the request-scoped plan view from a stored subscription.
// A nil subscription resolves to the free plan.
func NewSubscriptionContext(accountID uuid.UUID, sub *Subscription) SubscriptionContext {
	sc := SubscriptionContext{
		AccountID: accountID,
		Plan:      PlanFree,
		Status:    SubscriptionActive,
		Features:  map[string]bool{},
	}
	if sub != nil {
		sc.Plan = sub.Plan
		sc.Status = sub.Status
	}
	for _, f := range planFeatures[sc.Plan] {
		sc.Features[f] = true
	}
	return sc
}

// Allows reports whether the subscription is in good standing and includes feature.
func (s SubscriptionContext) Allows(feature string) bool {
	if s.Status != SubscriptionActive && s.Status != SubscriptionTrialing {
		return false
	}
	return s.Features[feature]
}
