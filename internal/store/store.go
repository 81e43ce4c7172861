package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetSubscription(ctx context.Context, accountID uuid.UUID) (*models.Subscription, error)

	ListHeldSecurities(ctx context.Context) ([]*models.Security, error)
	MarkNewsFetched(ctx context.Context, securityID uuid.UUID, at time.Time) error
	ListSecurityPrices(ctx context.Context, securityID uuid.UUID, since time.Time, limit int) ([]*models.SecurityPrice, error)
	GetSecurityPrice(ctx context.Context, securityID uuid.UUID, date time.Time) (*models.SecurityPrice, error)
	UpsertSecurityPrice(ctx context.Context, price *models.SecurityPrice) error
	ListSecurityNews(ctx context.Context, securityID uuid.UUID, since time.Time, limit int) ([]*models.NewsArticle, error)
	CreateSecurityNews(ctx context.Context, articles []*models.NewsArticle) (int, error)

	ListPortfolios(ctx context.Context, filter PortfolioFilter) ([]*models.Portfolio, error)
	GetPortfolio(ctx context.Context, id uuid.UUID) (*models.Portfolio, error)
	ListHoldings(ctx context.Context, portfolioID uuid.UUID) ([]*models.Holding, error)
	UpdateHoldingWorth(ctx context.Context, portfolioID, securityID uuid.UUID, worth decimal.Decimal) error

	GetPriceOnOrBefore(ctx context.Context, securityID uuid.UUID, day time.Time) (*models.SecurityPrice, error)
	ListPortfolioTransactions(ctx context.Context, portfolioID uuid.UUID, through time.Time) ([]*models.PortfolioTransaction, error)
	GetLiquidFundsOn(ctx context.Context, portfolioID uuid.UUID, day time.Time) (decimal.Decimal, error)
	UpsertPortfolioValue(ctx context.Context, v *models.PortfolioValue) error
	ListPortfolioValueDates(ctx context.Context, portfolioID uuid.UUID, from, to time.Time) ([]time.Time, error)

	HasSecurityAssessmentOn(ctx context.Context, securityID uuid.UUID, day time.Time) (bool, error)
	CreateSecurityAssessment(ctx context.Context, a *models.SecurityAssessment) error
	ListSecurityAssessments(ctx context.Context, securityIDs []uuid.UUID, since time.Time, limit int) ([]*models.SecurityAssessment, error)
	HasPortfolioAnalysisOn(ctx context.Context, portfolioID uuid.UUID, day time.Time) (bool, error)
	CreatePortfolioAnalysis(ctx context.Context, a *models.PortfolioAnalysis) error
	ListPortfolioAnalyses(ctx context.Context, portfolioID uuid.UUID, limit int) ([]*models.PortfolioAnalysis, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	FindActiveJobOn(ctx context.Context, jobType string, day time.Time) (*models.Job, error)
	UpdateJobData(ctx context.Context, id uuid.UUID, data models.JobPayload) error
	DeactivateJob(ctx context.Context, id uuid.UUID, data models.JobPayload) error

	CreateSystemLog(ctx context.Context, entry *models.SystemLog) error
}

// PortfolioFilter narrows ListPortfolios. Zero values match everything.
type PortfolioFilter struct {
	AccountID *uuid.UUID
	IDs       []uuid.UUID
}

// JobFilter narrows ListJobs. Jobs are returned oldest first.
type JobFilter struct {
	Types      []string
	ActiveOnly bool
	Limit      int
}
