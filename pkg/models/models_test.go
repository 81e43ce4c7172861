package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJobData_SecurityPayload(t *testing.T) {
	secID := uuid.New()
	raw := []byte(`{
		"file_id": "file-in",
		"status": "in_progress",
		"submitted_at": "2025-03-05T14:00:00Z",
		"security_metadata": [{"custom_id": "assessment_1_abc", "security_id": "` + secID.String() + `", "symbol": "AAPL", "name": "Apple"}],
		"total_assessments": 1
	}`)

	p, err := models.DecodeJobData(models.JobTypeSecurityAnalysis, raw)
	require.NoError(t, err)

	data, ok := p.(*models.SecurityAnalysisData)
	require.True(t, ok)
	assert.Equal(t, models.BatchInProgress, data.Lifecycle().Status)
	assert.Equal(t, "file-in", data.FileID)
	assert.Equal(t, secID, data.Lookup()["assessment_1_abc"].SecurityID)
}

func TestDecodeJobData_EmptyIsZeroPayload(t *testing.T) {
	p, err := models.DecodeJobData(models.JobTypePortfolioAnalysis, nil)
	require.NoError(t, err)
	assert.Equal(t, models.JobTypePortfolioAnalysis, p.JobType())
}

func TestDecodeJobData_Errors(t *testing.T) {
	_, err := models.DecodeJobData("price_refresh", []byte(`{}`))
	assert.ErrorIs(t, err, models.ErrUnknownJobType)

	_, err = models.DecodeJobData(models.JobTypeSecurityAnalysis, []byte(`{"status":`))
	assert.Error(t, err)
}

func TestApplyOutcome(t *testing.T) {
	o := models.ProcessOutcome{Created: 3, Errors: 2, Skipped: 1, ErrorFileProcessed: true, ErrorFileLines: 1}

	sec := &models.SecurityAnalysisData{}
	sec.ApplyOutcome(o)
	assert.Equal(t, 3, sec.AssessmentsCreated)
	assert.Equal(t, 2, sec.ErrorsEncountered)
	assert.Equal(t, 1, sec.SkippedDuplicates)
	assert.True(t, sec.ErrorFileProcessed)

	port := &models.PortfolioAnalysisData{}
	port.ApplyOutcome(models.ProcessOutcome{AllRejected: true, Errors: 4})
	assert.Equal(t, 0, port.AnalysesCreated)
	assert.True(t, port.AllRejected)
}

func TestJobPayload_LifecycleInlinedInJSON(t *testing.T) {
	data := &models.SecurityAnalysisData{TotalAssessments: 2}
	data.Lifecycle().Status = models.BatchCancelled
	data.Lifecycle().CancellationReason = "Manual cancellation"

	raw, err := json.Marshal(models.Job{ID: uuid.New(), Type: models.JobTypeSecurityAnalysis, Data: data})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	d := out["data"].(map[string]any)
	assert.Equal(t, "cancelled", d["status"])
	assert.Equal(t, "Manual cancellation", d["cancellation_reason"])
	assert.Equal(t, float64(2), d["total_assessments"])
}

func TestDay(t *testing.T) {
	late := time.Date(2025, 3, 5, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	assert.Equal(t, time.Date(2025, 3, 6, 0, 0, 0, 0, time.UTC), models.Day(late))
}

func TestSubscriptionContext(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name    string
		sub     *models.Subscription
		feature string
		want    bool
	}{
		{"no subscription is free", nil, models.FeatureNews, true},
		{"free lacks analysis", nil, models.FeatureAIAnalysis, false},
		{"pro has analysis", &models.Subscription{Plan: models.PlanPro, Status: models.SubscriptionActive}, models.FeatureAIAnalysis, true},
		{"trialing counts", &models.Subscription{Plan: models.PlanPro, Status: models.SubscriptionTrialing}, models.FeatureAIAnalysis, true},
		{"past due is blocked", &models.Subscription{Plan: models.PlanPremium, Status: models.SubscriptionPastDue}, models.FeatureAIAnalysis, false},
		{"canceled is blocked", &models.Subscription{Plan: models.PlanPro, Status: models.SubscriptionCanceled}, models.FeatureNews, false},
		{"only premium has multi portfolio", &models.Subscription{Plan: models.PlanPro, Status: models.SubscriptionActive}, models.FeatureMultiPortfolio, false},
		{"unknown plan has nothing", &models.Subscription{Plan: "enterprise", Status: models.SubscriptionActive}, models.FeatureNews, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := models.NewSubscriptionContext(id, tt.sub)
			assert.Equal(t, id, sc.AccountID)
			assert.Equal(t, tt.want, sc.Allows(tt.feature))
		})
	}
}

func TestHoldingValue(t *testing.T) {
	h := models.Holding{Amount: decimal.RequireFromString("2.5"), LastClose: decimal.RequireFromString("101.20")}
	assert.Equal(t, "253", h.Value().String())
}
