package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pennypilot/internal/store"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
)

// ErrJobNotFound is returned when the job does not exist or is no longer active.
var ErrJobNotFound = errors.New("job not found or not active")

const cancellationReason = "Manual cancellation"

// BatchCanceller stops an external batch.
type BatchCanceller interface {
	CancelBatch(ctx context.Context, batchID string) models.CancelOutcome
}

// CancelResult is returned by Cancel.
type CancelResult struct {
	Success              bool                 `json:"success"`
	Message              string               `json:"message"`
	JobID                uuid.UUID            `json:"job_id"`
	JobType              string               `json:"job_type"`
	ExternalCancellation models.CancelOutcome `json:"external_cancellation"`
}

// Canceller stops tracking a job. The local deactivation always happens,
// whatever the LLM service answers.
type Canceller struct {
	store   store.Store
	batches BatchCanceller
	cache   StatusCache
	now     func() time.Time
}

// NewCanceller creates a Canceller. cache may be nil.
func NewCanceller(s store.Store, batches BatchCanceller, cache StatusCache) *Canceller {
	return &Canceller{store: s, batches: batches, cache: cache, now: time.Now}
}

// WithClock overrides the time source. Used in tests.
func (c *Canceller) WithClock(now func() time.Time) *Canceller {
	c.now = now
	return c
}

func (c *Canceller) Cancel(ctx context.Context, jobID uuid.UUID) (*CancelResult, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if !job.Active {
		return nil, ErrJobNotFound
	}

	var ext models.CancelOutcome
	switch {
	case slices.Contains(models.BatchJobTypes, job.Type) && job.ExternalID != nil && *job.ExternalID != "":
		ext = c.batches.CancelBatch(ctx, *job.ExternalID)
	default:
		ext = models.CancelOutcome{InternalOnly: true}
	}

	now := c.now().UTC()
	lc := job.Data.Lifecycle()
	lc.Status = models.BatchCancelled
	lc.CancelledAt = &now
	lc.CancellationReason = cancellationReason
	lc.ExternalCancellationResult = &ext

	if err := c.store.DeactivateJob(ctx, job.ID, job.Data); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("deactivate job: %w", err)
	}

	if c.cache != nil {
		if err := c.cache.SetJobStatus(ctx, job.ID, models.BatchCancelled, statusTTL); err != nil {
			slog.Warn("caching job status failed", "job_id", job.ID, "error", err)
		}
	}

	slog.Info("job cancelled",
		"job_id", job.ID, "type", job.Type,
		"external_cancelled", ext.Cancelled, "not_cancellable", ext.NotCancellable, "internal_only", ext.InternalOnly)

	return &CancelResult{
		Success:              true,
		Message:              fmt.Sprintf("%s job cancelled successfully", job.Type),
		JobID:                job.ID,
		JobType:              job.Type,
		ExternalCancellation: ext,
	}, nil
}
