// Package jobs drives active batch jobs to a terminal state: the poller
// reconciles them with the LLM service and the canceller stops tracking them
// on request.
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

// statusTTL bounds how long a mirrored batch status stays in the cache.
const statusTTL = 24 * time.Hour

// Detail actions.
const (
	ActionSkipped           = "skipped"
	ActionStatusCheckFailed = "status_check_failed"
	ActionProcessed         = "processed"
	ActionProcessingFailed  = "processing_failed"
	ActionDeactivated       = "deactivated"
	ActionPending           = "pending"
)

var terminalFailures = []string{models.BatchFailed, models.BatchCancelled, models.BatchExpired}

// StatusSource reports the external state of a batch. nil means the check
// failed.
type StatusSource interface {
	GetBatchStatus(ctx context.Context, batchID string) *models.BatchStatus
}

// ResultProcessor turns a completed batch into stored assessments.
// assessment.Service implements it.
type ResultProcessor interface {
	ProcessBatchResults(ctx context.Context, job *models.Job, status *models.BatchStatus) (models.ProcessOutcome, error)
}

// StatusCache mirrors job statuses for cheap reads by the jobs API.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
}

// Detail is the per-job entry of a poll summary.
type Detail struct {
	JobID              uuid.UUID `json:"job_id"`
	Type               string    `json:"type"`
	Status             string    `json:"status"`
	Action             string    `json:"action"`
	AssessmentsCreated *int      `json:"assessments_created,omitempty"`
	ErrorsEncountered  *int      `json:"errors_encountered,omitempty"`
	Error              string    `json:"error,omitempty"`
}

// PollSummary aggregates one CheckAndComplete pass.
type PollSummary struct {
	TotalJobs int      `json:"total_jobs"`
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	Details   []Detail `json:"details"`
}

// Poller checks every active batch job once per invocation. Jobs are handled
// sequentially in creation order.
type Poller struct {
	store     store.Store
	status    StatusSource
	processor ResultProcessor
	cache     StatusCache
	now       func() time.Time
}

// NewPoller creates a Poller. cache may be nil.
func NewPoller(s store.Store, status StatusSource, processor ResultProcessor, cache StatusCache) *Poller {
	return &Poller{store: s, status: status, processor: processor, cache: cache, now: time.Now}
}

// WithClock overrides the time source. Used in tests.
func (p *Poller) WithClock(now func() time.Time) *Poller {
	p.now = now
	return p
}

// CheckAndComplete refreshes every active batch job and finalises the ones
// the LLM service reports as terminal. Only a failure to list jobs is
// returned as an error; per-job problems are reported in the summary.
func (p *Poller) CheckAndComplete(ctx context.Context) (*PollSummary, error) {
	active, err := p.store.ListJobs(ctx, store.JobFilter{ActiveOnly: true, Types: models.BatchJobTypes})
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}

	sum := &PollSummary{TotalJobs: len(active), Details: []Detail{}}
	for _, job := range active {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d := p.checkJob(ctx, job, sum)
		sum.Details = append(sum.Details, d)
	}

	slog.Info("job poll completed",
		"total_jobs", sum.TotalJobs, "completed", sum.Completed, "failed", sum.Failed)
	return sum, nil
}

func (p *Poller) checkJob(ctx context.Context, job *models.Job, sum *PollSummary) Detail {
	d := Detail{JobID: job.ID, Type: job.Type}

	if job.ExternalID == nil || *job.ExternalID == "" {
		slog.Warn("active job has no external id", "job_id", job.ID, "type", job.Type)
		d.Status = ActionSkipped
		d.Action = ActionSkipped
		return d
	}
	batchID := *job.ExternalID

	st := p.status.GetBatchStatus(ctx, batchID)
	if st == nil {
		sum.Failed++
		d.Status = "unknown"
		d.Action = ActionStatusCheckFailed
		d.Error = "Failed to check batch status"
		return d
	}
	d.Status = st.Status

	lc := job.Data.Lifecycle()
	now := p.now().UTC()
	lc.Status = st.Status
	lc.LastChecked = &now
	if err := p.store.UpdateJobData(ctx, job.ID, job.Data); err != nil {
		slog.Warn("refreshing job status failed", "job_id", job.ID, "error", err)
	}
	p.mirrorStatus(ctx, job.ID, st.Status)

	switch {
	case st.Status == models.BatchCompleted:
		return p.complete(ctx, job, st, d, sum)
	case slices.Contains(terminalFailures, st.Status):
		lc.Error = st.ErrorMessage
		lc.CompletedAt = &now
		sum.Failed++
		if err := p.store.DeactivateJob(ctx, job.ID, job.Data); err != nil && !errors.Is(err, store.ErrNotFound) {
			d.Action = ActionDeactivated
			d.Error = err.Error()
			slog.Error("deactivating terminal job failed", "job_id", job.ID, "status", st.Status, "error", err)
			return d
		}
		d.Action = ActionDeactivated
		d.Error = st.ErrorMessage
		slog.Info("batch ended without results", "job_id", job.ID, "batch_id", batchID, "status", st.Status)
		return d
	default:
		d.Action = ActionPending
		return d
	}
}

func (p *Poller) complete(ctx context.Context, job *models.Job, st *models.BatchStatus, d Detail, sum *PollSummary) Detail {
	lc := job.Data.Lifecycle()

	out, err := p.processor.ProcessBatchResults(ctx, job, st)
	if err != nil {
		sum.Failed++
		d.Action = ActionProcessingFailed
		d.Error = err.Error()
		lc.Error = err.Error()
		if uerr := p.store.UpdateJobData(ctx, job.ID, job.Data); uerr != nil {
			slog.Warn("recording processing error failed", "job_id", job.ID, "error", uerr)
		}
		slog.Error("processing batch results failed, job stays active", "job_id", job.ID, "error", err)
		return d
	}

	now := p.now().UTC()
	job.Data.ApplyOutcome(out)
	lc.CompletedAt = &now
	lc.Error = ""
	if err := p.store.DeactivateJob(ctx, job.ID, job.Data); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			sum.Failed++
			d.Action = ActionProcessingFailed
			d.Error = err.Error()
			slog.Error("deactivating completed job failed", "job_id", job.ID, "error", err)
			return d
		}
		slog.Info("job was deactivated concurrently", "job_id", job.ID)
	}

	sum.Completed++
	d.Action = ActionProcessed
	d.AssessmentsCreated = &out.Created
	d.ErrorsEncountered = &out.Errors
	slog.Info("batch job completed",
		"job_id", job.ID, "created", out.Created, "errors", out.Errors,
		"skipped", out.Skipped, "all_rejected", out.AllRejected)
	return d
}

func (p *Poller) mirrorStatus(ctx context.Context, jobID uuid.UUID, status string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SetJobStatus(ctx, jobID, status, statusTTL); err != nil {
		slog.Warn("caching job status failed", "job_id", jobID, "error", err)
	}
}
