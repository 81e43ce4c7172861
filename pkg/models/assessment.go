package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RecommendationBuy  = "buy"
	RecommendationHold = "hold"
	RecommendationSell = "sell"
)

// ValidRecommendations is the closed set accepted for security assessments.
var ValidRecommendations = map[string]bool{
	RecommendationBuy:  true,
	RecommendationHold: true,
	RecommendationSell: true,
}

// SecurityAssessment is the persisted AI assessment of one security for one UTC day.
type SecurityAssessment struct {
	ID             uuid.UUID  `db:"id"             json:"id"`
	SecurityID     uuid.UUID  `db:"security_id"    json:"security_id"`
	JobID          *uuid.UUID `db:"job_id"         json:"job_id,omitempty"`
	Title          string     `db:"title"          json:"title"`
	Analysis       string     `db:"analysis"       json:"analysis"`
	Recommendation string     `db:"recommendation" json:"recommendation"`
	AssessedOn     time.Time  `db:"assessed_on"    json:"assessed_on"`
	CreatedAt      time.Time  `db:"created_at"     json:"created_at"`
}

// PortfolioAction is one recommended step returned by a portfolio analysis.
type PortfolioAction struct {
	Action    string  `json:"action"`
	Symbol    string  `json:"symbol"`
	Amount    float64 `json:"amount,omitempty"`
	Reasoning string  `json:"reasoning"`
	Priority  string  `json:"priority"`
}

// RiskAssessment is the risk section of a portfolio analysis.
type RiskAssessment struct {
	CurrentRiskLevel    string `json:"current_risk_level"`
	AlignmentWithTarget string `json:"alignment_with_target"`
	Recommendations     string `json:"recommendations"`
}

// PortfolioAnalysis is the persisted AI analysis of one portfolio for one UTC day.
type PortfolioAnalysis struct {
	ID             uuid.UUID         `db:"id"              json:"id"`
	PortfolioID    uuid.UUID         `db:"portfolio_id"    json:"portfolio_id"`
	JobID          *uuid.UUID        `db:"job_id"          json:"job_id,omitempty"`
	Title          string            `db:"title"           json:"title"`
	Assessment     string            `db:"assessment"      json:"assessment"`
	Rating         int               `db:"rating"          json:"rating"`
	Actions        []PortfolioAction `db:"actions"         json:"actions"`
	RiskAssessment RiskAssessment    `db:"risk_assessment" json:"risk_assessment"`
	AnalyzedOn     time.Time         `db:"analyzed_on"     json:"analyzed_on"`
	CreatedAt      time.Time         `db:"created_at"      json:"created_at"`
}

// ValidatedAssessment is LLM output that passed structural validation.
type ValidatedAssessment struct {
	Title          string
	Analysis       string
	Recommendation string
}

// ValidatedPortfolioAnalysis is portfolio LLM output that passed structural validation.
type ValidatedPortfolioAnalysis struct {
	Title          string
	Assessment     string
	Rating         int
	Actions        []PortfolioAction
	RiskAssessment RiskAssessment
}

// Day returns the UTC calendar day containing t, at midnight.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
