// Package assessment selects securities and portfolios that need a fresh AI
// assessment, submits the work to the LLM service and turns completed batch
// results into stored assessments.
package assessment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pennypilot/internal/ai"
	"github.com/kiranshivaraju/pennypilot/internal/cache"
	"github.com/kiranshivaraju/pennypilot/internal/retry"
	"github.com/kiranshivaraju/pennypilot/internal/store"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
)

var (
	ErrNotConfigured     = errors.New("llm service not configured")
	ErrBatchSubmitFailed = errors.New("batch submission failed")
	ErrNoOutputFile      = errors.New("batch has no output file")
	ErrDownloadFailed    = errors.New("batch result download failed")
)

// Item statuses reported by immediate mode.
const (
	ItemSuccess = "success"
	ItemError   = "error"
	ItemSkipped = "skipped"
)

const estimatedCompletion = "24 hours"

// Gateway is the subset of ai.Gateway the service needs.
type Gateway interface {
	Configured() bool
	CompleteSync(ctx context.Context, req models.ChatRequest) *models.ChatResponse
	SubmitBatch(ctx context.Context, reqs []models.BatchRequest) *models.BatchSubmission
	DownloadResults(ctx context.Context, fileID string) *string
	CancelBatch(ctx context.Context, batchID string) models.CancelOutcome
}

// Options tunes request construction and pacing.
type Options struct {
	AssessmentModel string
	PortfolioModel  string
	ItemDelay       time.Duration
	LockTTL         time.Duration
}

func (o Options) withDefaults() Options {
	if o.AssessmentModel == "" {
		o.AssessmentModel = "gpt-4o-mini"
	}
	if o.PortfolioModel == "" {
		o.PortfolioModel = "gpt-4o"
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 10 * time.Minute
	}
	return o
}

// Request describes one generation run.
type Request struct {
	// JobType is models.JobTypeSecurityAnalysis or models.JobTypePortfolioAnalysis.
	JobType     string
	UseBatching bool
	// AccountID and PortfolioIDs narrow portfolio selection. Ignored for securities.
	AccountID    *uuid.UUID
	PortfolioIDs []uuid.UUID
}

// RunCounts is the results object of a run.
type RunCounts struct {
	Total               int        `json:"total"`
	Submitted           int        `json:"submitted"`
	Processed           int        `json:"processed"`
	Errors              int        `json:"errors,omitempty"`
	Skipped             int        `json:"skipped,omitempty"`
	BatchID             string     `json:"batch_id,omitempty"`
	JobID               *uuid.UUID `json:"job_id,omitempty"`
	EstimatedCompletion string     `json:"estimated_completion,omitempty"`
}

// ItemResult is the outcome for one entity in immediate mode.
type ItemResult struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Status string    `json:"status"`
	Reason string    `json:"reason,omitempty"`
}

// RunResult is returned by Run. A false Success with a nil error means the
// run was refused, for example because a job is already active today.
type RunResult struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Results RunCounts    `json:"results"`
	Details []ItemResult `json:"details,omitempty"`
}

// Service orchestrates assessment generation.
type Service struct {
	store   store.Store
	gateway Gateway
	locker  cache.Locker
	opts    Options
	now     func() time.Time
}

func NewService(s store.Store, gw Gateway, locker cache.Locker, opts Options) *Service {
	return &Service{
		store:   s,
		gateway: gw,
		locker:  locker,
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
}

// WithClock overrides the time source. Used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) today() time.Time { return models.Day(s.now()) }

// Run selects candidates and either submits one batch or assesses them one
// at a time. Errors are returned only for whole-operation failures; a batch
// that could not be submitted returns ErrBatchSubmitFailed together with a
// zero-submitted result.
func (s *Service) Run(ctx context.Context, req Request) (*RunResult, error) {
	if !s.gateway.Configured() {
		return nil, ErrNotConfigured
	}

	var k kind
	switch req.JobType {
	case models.JobTypeSecurityAnalysis:
		k = securityKind{s}
	case models.JobTypePortfolioAnalysis:
		k = portfolioKind{s: s, accountID: req.AccountID, ids: req.PortfolioIDs}
	default:
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownJobType, req.JobType)
	}

	if req.UseBatching {
		return s.runBatch(ctx, k)
	}
	return s.runImmediate(ctx, k)
}

func (s *Service) runBatch(ctx context.Context, k kind) (*RunResult, error) {
	jobType := k.jobType()
	today := s.today()

	if res, err := s.activeJobGuard(ctx, jobType, today); res != nil || err != nil {
		return res, err
	}

	lockKey := cache.GenerateLockKey(jobType)
	token, ok, err := s.locker.AcquireLock(ctx, lockKey, s.opts.LockTTL)
	switch {
	case err != nil:
		// The unique index on jobs still prevents a second active job.
		slog.Warn("generate lock unavailable, continuing without it", "job_type", jobType, "error", err)
	case !ok:
		slog.Info("another generate run holds the lock", "job_type", jobType)
		return alreadyRunning(jobType, nil), nil
	default:
		defer func() {
			if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), lockKey, token); err != nil {
				slog.Warn("releasing generate lock failed", "key", lockKey, "error", err)
			}
		}()
	}

	cands, err := k.candidates(ctx, today)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return &RunResult{Success: true, Message: k.noneMessage()}, nil
	}

	reqs := make([]models.BatchRequest, 0, len(cands))
	var built []candidate
	for _, c := range cands {
		body, err := k.buildRequest(ctx, c)
		if err != nil {
			slog.Warn("gathering assessment context failed", "job_type", jobType, "id", c.id, "name", c.name, "error", err)
			continue
		}
		c.customID = newCustomID()
		built = append(built, c)
		reqs = append(reqs, models.BatchRequest{CustomID: c.customID, Body: body})
	}
	if len(reqs) == 0 {
		return &RunResult{Success: true, Message: "No valid assessment data found", Results: RunCounts{Total: len(cands)}}, nil
	}

	sub := s.gateway.SubmitBatch(ctx, reqs)
	if sub == nil {
		return &RunResult{
			Success: false,
			Message: "Failed to submit batch to LLM service",
			Results: RunCounts{Total: len(cands)},
		}, ErrBatchSubmitFailed
	}

	now := s.now().UTC()
	job := &models.Job{
		ID:         uuid.New(),
		Type:       jobType,
		Active:     true,
		ExternalID: &sub.BatchID,
		Data:       k.payload(built, sub, now),
		RunDate:    today,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		outcome := s.gateway.CancelBatch(context.WithoutCancel(ctx), sub.BatchID)
		slog.Warn("job insert failed, cancelled submitted batch",
			"job_type", jobType, "batch_id", sub.BatchID, "cancelled", outcome.Cancelled, "error", err)
		if errors.Is(err, store.ErrDuplicateKey) {
			existing, ferr := s.store.FindActiveJobOn(ctx, jobType, today)
			if ferr != nil {
				return alreadyRunning(jobType, nil), nil
			}
			return alreadyRunning(jobType, &existing.ID), nil
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	slog.Info("submitted assessment batch",
		"job_type", jobType, "job_id", job.ID, "batch_id", sub.BatchID, "requests", len(reqs))

	return &RunResult{
		Success: true,
		Message: fmt.Sprintf("Submitted batch job for %d assessments. Job ID: %s", len(reqs), job.ID),
		Results: RunCounts{
			Total:               len(cands),
			Submitted:           len(reqs),
			BatchID:             sub.BatchID,
			JobID:               &job.ID,
			EstimatedCompletion: estimatedCompletion,
		},
	}, nil
}

func (s *Service) activeJobGuard(ctx context.Context, jobType string, today time.Time) (*RunResult, error) {
	existing, err := s.store.FindActiveJobOn(ctx, jobType, today)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("check active job: %w", err)
	}
	slog.Info("active job already exists", "job_type", jobType, "job_id", existing.ID)
	return alreadyRunning(jobType, &existing.ID), nil
}

func alreadyRunning(jobType string, jobID *uuid.UUID) *RunResult {
	return &RunResult{
		Success: false,
		Message: fmt.Sprintf("An active %s job already exists for today", jobType),
		Results: RunCounts{JobID: jobID},
	}
}

func (s *Service) runImmediate(ctx context.Context, k kind) (*RunResult, error) {
	today := s.today()

	cands, err := k.candidates(ctx, today)
	if err != nil {
		return nil, err
	}
	res := &RunResult{Success: true, Results: RunCounts{Total: len(cands)}, Details: []ItemResult{}}
	if len(cands) == 0 {
		res.Message = k.noneMessage()
		return res, nil
	}

	for i, c := range cands {
		if i > 0 {
			if err := retry.Sleep(ctx, s.opts.ItemDelay); err != nil {
				return nil, err
			}
		}

		item := s.assessOne(ctx, k, c, today)
		switch item.Status {
		case ItemSuccess:
			res.Results.Processed++
		case ItemSkipped:
			res.Results.Skipped++
		default:
			res.Results.Errors++
		}
		res.Details = append(res.Details, item)
	}

	res.Message = fmt.Sprintf("Processed %d %s with %d errors", res.Results.Processed, k.noun(), res.Results.Errors)
	slog.Info("immediate assessment run completed",
		"job_type", k.jobType(), "processed", res.Results.Processed,
		"errors", res.Results.Errors, "skipped", res.Results.Skipped)
	return res, nil
}

func (s *Service) assessOne(ctx context.Context, k kind, c candidate, today time.Time) ItemResult {
	item := ItemResult{ID: c.id, Name: c.name}
	fail := func(reason string) ItemResult {
		item.Status = ItemError
		item.Reason = reason
		return item
	}

	body, err := k.buildRequest(ctx, c)
	if err != nil {
		slog.Warn("gathering assessment context failed", "id", c.id, "error", err)
		return fail("No data available")
	}

	resp := s.gateway.CompleteSync(ctx, body)
	if resp == nil {
		return fail("Failed to generate analysis")
	}

	parsed := ai.ParseResponse(resp.Content, c.name)
	if parsed == nil {
		return fail("Unparseable response from AI")
	}

	switch k.persist(ctx, c.id, parsed, nil, today, c.name) {
	case outcomeCreated:
		item.Status = ItemSuccess
	case outcomeSkipped:
		item.Status = ItemSkipped
		item.Reason = "Analysis already exists today"
	case outcomeInvalid:
		return fail("Invalid analysis structure from AI")
	default:
		return fail("Failed to store analysis")
	}
	return item
}

// newCustomID returns an opaque batch join key.
func newCustomID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
