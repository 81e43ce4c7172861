package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/pennypilot/internal/api/response"
	"github.com/kiranshivaraju/pennypilot/internal/jobs"
	"github.com/kiranshivaraju/pennypilot/internal/store"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
)

const jobListLimit = 100

// Completer is satisfied by jobs.Poller.
type Completer interface {
	CheckAndComplete(ctx context.Context) (*jobs.PollSummary, error)
}

// Canceller is satisfied by jobs.Canceller.
type Canceller interface {
	Cancel(ctx context.Context, jobID uuid.UUID) (*jobs.CancelResult, error)
}

// JobStore is the subset of store.Store the job read endpoints need.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
}

// StatusReader is satisfied by cache.Cache.
type StatusReader interface {
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error)
}

// PollResult is the body of a check-and-complete call.
type PollResult struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Results jobs.PollSummary `json:"results"`
}

// NewCheckAndCompleteHandler returns an http.HandlerFunc that runs one poll cycle.
func NewCheckAndCompleteHandler(poller Completer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := poller.CheckAndComplete(r.Context())
		if err != nil {
			slog.Error("job poll failed", "error", err)
			response.Internal(w)
			return
		}

		msg := "No active batch jobs found"
		if sum.TotalJobs > 0 {
			msg = fmt.Sprintf("Processed %d jobs: %d completed, %d failed", sum.TotalJobs, sum.Completed, sum.Failed)
		}
		response.JSON(w, PollResult{Success: true, Message: msg, Results: *sum})
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/cancel.
func NewCancelJobHandler(c Canceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JobID string `json:"jobId"`
		}
		if err := decodeOptional(r, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.JobID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobId is required", nil)
			return
		}
		jobID, err := uuid.Parse(req.JobID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobId must be a valid UUID", nil)
			return
		}

		res, err := c.Cancel(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, jobs.ErrJobNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found or already inactive", nil)
				return
			}
			slog.Error("job cancel failed", "job_id", jobID, "error", err)
			response.Internal(w)
			return
		}
		response.JSON(w, res)
	}
}

type jobListQuery struct {
	Type            string `json:"type"`
	IncludeInactive bool   `json:"includeInactive"`
}

// NewListJobsHandler returns an http.HandlerFunc for GET and POST /api/v1/jobs.
// GET reads ?type= and ?include_inactive=; POST reads the same fields from
// the body. Only active jobs are listed by default.
func NewListJobsHandler(s JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q jobListQuery
		if r.Method == http.MethodPost {
			if err := decodeOptional(r, &q); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		} else {
			q.Type = r.URL.Query().Get("type")
			if raw := r.URL.Query().Get("include_inactive"); raw != "" {
				v, err := strconv.ParseBool(raw)
				if err != nil {
					response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
						"include_inactive must be a boolean", nil)
					return
				}
				q.IncludeInactive = v
			}
		}

		filter := store.JobFilter{ActiveOnly: !q.IncludeInactive, Limit: jobListLimit}
		if q.Type != "" {
			if !slices.Contains(models.BatchJobTypes, q.Type) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown job type",
					map[string]any{"type": q.Type, "allowed": models.BatchJobTypes})
				return
			}
			filter.Types = []string{q.Type}
		}

		list, err := s.ListJobs(r.Context(), filter)
		if err != nil {
			slog.Error("listing jobs failed", "error", err)
			response.Internal(w)
			return
		}
		if list == nil {
			list = []*models.Job{}
		}
		response.Collection(w, list, response.PaginationMeta{
			Page:  1,
			Limit: jobListLimit,
			Total: len(list),
		})
	}
}

type jobResponse struct {
	*models.Job
	LiveStatus string `json:"live_status,omitempty"`
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// The live status comes from the cache the poller writes; a cache failure
// only drops that field.
func NewGetJobHandler(s JobStore, statuses StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}

		job, err := s.GetJob(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
				return
			}
			slog.Error("loading job failed", "job_id", jobID, "error", err)
			response.Internal(w)
			return
		}

		resp := jobResponse{Job: job}
		status, ok, err := statuses.GetJobStatus(r.Context(), jobID)
		switch {
		case err != nil:
			slog.Warn("job status cache read failed", "job_id", jobID, "error", err)
		case ok:
			resp.LiveStatus = status
		}
		response.JSON(w, resp)
	}
}
