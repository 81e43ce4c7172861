package assessment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pennypilot/internal/ai"
	"github.com/kiranshivaraju/pennypilot/internal/store"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
)

type candidate struct {
	id        uuid.UUID
	name      string
	customID  string
	security  *models.Security
	portfolio *models.Portfolio
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeSkipped
	outcomeInvalid
	outcomeFailed
)

// kind holds everything that differs between security and portfolio runs.
type kind interface {
	jobType() string
	noun() string
	noneMessage() string
	candidates(ctx context.Context, today time.Time) ([]candidate, error)
	buildRequest(ctx context.Context, c candidate) (models.ChatRequest, error)
	payload(built []candidate, sub *models.BatchSubmission, now time.Time) models.JobPayload
	// persist validates parsed model output and stores it. jobID is nil in
	// immediate mode.
	persist(ctx context.Context, id uuid.UUID, parsed map[string]any, jobID *uuid.UUID, today time.Time, label string) outcome
}

// --- securities ---

type securityKind struct{ s *Service }

func (securityKind) jobType() string     { return models.JobTypeSecurityAnalysis }
func (securityKind) noun() string        { return "security assessments" }
func (securityKind) noneMessage() string { return "All securities already have recent assessments" }

// candidates returns held securities without an assessment today, in the
// order the store lists them.
func (k securityKind) candidates(ctx context.Context, today time.Time) ([]candidate, error) {
	secs, err := k.s.store.ListHeldSecurities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list held securities: %w", err)
	}

	seen := make(map[uuid.UUID]bool, len(secs))
	var out []candidate
	for _, sec := range secs {
		if seen[sec.ID] {
			continue
		}
		seen[sec.ID] = true

		has, err := k.s.store.HasSecurityAssessmentOn(ctx, sec.ID, today)
		if err != nil {
			return nil, fmt.Errorf("check assessment for %s: %w", sec.Symbol, err)
		}
		if has {
			continue
		}
		out = append(out, candidate{id: sec.ID, name: sec.Symbol, security: sec})
	}
	slog.Info("selected securities for assessment", "held", len(seen), "candidates", len(out))
	return out, nil
}

func (k securityKind) buildRequest(ctx context.Context, c candidate) (models.ChatRequest, error) {
	sc, err := k.s.securityContext(ctx, c.security)
	if err != nil {
		return models.ChatRequest{}, err
	}
	return models.ChatRequest{
		Model: k.s.opts.AssessmentModel,
		Messages: []models.ChatMessage{
			{Role: "system", Content: securitySystemPrompt},
			{Role: "user", Content: sc.prompt()},
		},
		Temperature: 0.7,
		MaxTokens:   1000,
		Schema:      ai.SecurityAssessmentSchema(),
	}, nil
}

func (securityKind) payload(built []candidate, sub *models.BatchSubmission, now time.Time) models.JobPayload {
	meta := make([]models.SecurityRequestMeta, len(built))
	for i, c := range built {
		meta[i] = models.SecurityRequestMeta{
			CustomID:   c.customID,
			SecurityID: c.id,
			Symbol:     c.security.Symbol,
			Name:       c.security.Name,
		}
	}
	return &models.SecurityAnalysisData{
		BatchLifecycle: models.BatchLifecycle{
			FileID:      sub.FileID,
			Status:      sub.Status,
			SubmittedAt: now,
		},
		SecurityMetadata: meta,
		TotalAssessments: len(built),
	}
}

func (k securityKind) persist(ctx context.Context, id uuid.UUID, parsed map[string]any, jobID *uuid.UUID, today time.Time, label string) outcome {
	v := ai.ValidateAssessment(parsed, label)
	if v == nil {
		return outcomeInvalid
	}

	has, err := k.s.store.HasSecurityAssessmentOn(ctx, id, today)
	if err != nil {
		slog.Error("same-day assessment check failed", "security_id", id, "error", err)
		return outcomeFailed
	}
	if has {
		return outcomeSkipped
	}

	err = k.s.store.CreateSecurityAssessment(ctx, &models.SecurityAssessment{
		ID:             uuid.New(),
		SecurityID:     id,
		JobID:          jobID,
		Title:          v.Title,
		Analysis:       v.Analysis,
		Recommendation: v.Recommendation,
		AssessedOn:     today,
		CreatedAt:      k.s.now().UTC(),
	})
	return insertOutcome(err, "security_id", id)
}

// --- portfolios ---

type portfolioKind struct {
	s         *Service
	accountID *uuid.UUID
	ids       []uuid.UUID
}

func (portfolioKind) jobType() string     { return models.JobTypePortfolioAnalysis }
func (portfolioKind) noun() string        { return "portfolio analyses" }
func (portfolioKind) noneMessage() string { return "No portfolios need analysis today" }

func (k portfolioKind) candidates(ctx context.Context, today time.Time) ([]candidate, error) {
	ps, err := k.s.store.ListPortfolios(ctx, store.PortfolioFilter{AccountID: k.accountID, IDs: k.ids})
	if err != nil {
		return nil, fmt.Errorf("list portfolios: %w", err)
	}

	var out []candidate
	for _, p := range ps {
		has, err := k.s.store.HasPortfolioAnalysisOn(ctx, p.ID, today)
		if err != nil {
			return nil, fmt.Errorf("check analysis for portfolio %s: %w", p.ID, err)
		}
		if has {
			continue
		}
		out = append(out, candidate{id: p.ID, name: p.Name, portfolio: p})
	}
	slog.Info("selected portfolios for analysis", "portfolios", len(ps), "candidates", len(out))
	return out, nil
}

func (k portfolioKind) buildRequest(ctx context.Context, c candidate) (models.ChatRequest, error) {
	pc, err := k.s.portfolioContext(ctx, c.portfolio)
	if err != nil {
		return models.ChatRequest{}, err
	}
	return models.ChatRequest{
		Model: k.s.opts.PortfolioModel,
		Messages: []models.ChatMessage{
			{Role: "system", Content: portfolioSystemPrompt},
			{Role: "user", Content: pc.prompt()},
		},
		Temperature: 0.7,
		MaxTokens:   2000,
		Schema:      ai.PortfolioAnalysisSchema(),
	}, nil
}

func (portfolioKind) payload(built []candidate, sub *models.BatchSubmission, now time.Time) models.JobPayload {
	meta := make([]models.PortfolioRequestMeta, len(built))
	for i, c := range built {
		meta[i] = models.PortfolioRequestMeta{
			CustomID:    c.customID,
			PortfolioID: c.id,
			Name:        c.portfolio.Name,
		}
	}
	return &models.PortfolioAnalysisData{
		BatchLifecycle: models.BatchLifecycle{
			FileID:      sub.FileID,
			Status:      sub.Status,
			SubmittedAt: now,
		},
		PortfolioMetadata: meta,
		TotalAnalyses:     len(built),
	}
}

func (k portfolioKind) persist(ctx context.Context, id uuid.UUID, parsed map[string]any, jobID *uuid.UUID, today time.Time, label string) outcome {
	v := ai.ValidatePortfolioAnalysis(parsed, label)
	if v == nil {
		return outcomeInvalid
	}

	has, err := k.s.store.HasPortfolioAnalysisOn(ctx, id, today)
	if err != nil {
		slog.Error("same-day analysis check failed", "portfolio_id", id, "error", err)
		return outcomeFailed
	}
	if has {
		return outcomeSkipped
	}

	err = k.s.store.CreatePortfolioAnalysis(ctx, &models.PortfolioAnalysis{
		ID:             uuid.New(),
		PortfolioID:    id,
		JobID:          jobID,
		Title:          v.Title,
		Assessment:     v.Assessment,
		Rating:         v.Rating,
		Actions:        v.Actions,
		RiskAssessment: v.RiskAssessment,
		AnalyzedOn:     today,
		CreatedAt:      k.s.now().UTC(),
	})
	return insertOutcome(err, "portfolio_id", id)
}

// insertOutcome treats a unique violation as a lost race with another
// writer for the same day.
func insertOutcome(err error, idKey string, id uuid.UUID) outcome {
	switch {
	case err == nil:
		return outcomeCreated
	case errors.Is(err, store.ErrDuplicateKey):
		slog.Info("assessment already stored for today", idKey, id)
		return outcomeSkipped
	default:
		slog.Error("storing assessment failed", idKey, id, "error", err)
		return outcomeFailed
	}
}
