package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/pennypilot/internal/api/middleware"
	"github.com/kiranshivaraju/pennypilot/internal/api/response"
	"github.com/kiranshivaraju/pennypilot/internal/assessment"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
)

// Generator is satisfied by assessment.Service.
type Generator interface {
	Run(ctx context.Context, req assessment.Request) (*assessment.RunResult, error)
}

// NewGenerateHandler returns an http.HandlerFunc that triggers a system-wide
// run for jobType. Batching is the default; {"useBatching": false} assesses
// items one at a time within the request.
func NewGenerateHandler(gen Generator, jobType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := struct {
			UseBatching *bool `json:"useBatching"`
		}{}
		if err := decodeOptional(r, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		useBatching := true
		if req.UseBatching != nil {
			useBatching = *req.UseBatching
		}

		res, err := gen.Run(r.Context(), assessment.Request{JobType: jobType, UseBatching: useBatching})
		writeRunResult(w, jobType, res, err)
	}
}

// NewPortfolioAnalysisHandler returns an http.HandlerFunc for
// POST /api/v1/portfolios/generate-analysis. Only the caller's portfolios
// are considered, and analysis runs immediately unless batching is asked for.
func NewPortfolioAnalysisHandler(gen Generator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sc, ok := mw.GetSubscription(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}

		var req struct {
			PortfolioIDs []string `json:"portfolioIds"`
			UseBatching  bool     `json:"useBatching"`
		}
		if err := decodeOptional(r, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		ids := make([]uuid.UUID, 0, len(req.PortfolioIDs))
		for _, raw := range req.PortfolioIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"portfolioIds must contain valid UUIDs", map[string]string{"value": raw})
				return
			}
			ids = append(ids, id)
		}

		accountID := sc.AccountID
		res, err := gen.Run(r.Context(), assessment.Request{
			JobType:      models.JobTypePortfolioAnalysis,
			UseBatching:  req.UseBatching,
			AccountID:    &accountID,
			PortfolioIDs: ids,
		})
		writeRunResult(w, models.JobTypePortfolioAnalysis, res, err)
	}
}

func writeRunResult(w http.ResponseWriter, jobType string, res *assessment.RunResult, err error) {
	if err != nil {
		switch {
		case errors.Is(err, assessment.ErrNotConfigured):
			response.Error(w, http.StatusInternalServerError, "CONFIGURATION_ERROR",
				"LLM service is not configured", nil)
		case errors.Is(err, assessment.ErrBatchSubmitFailed):
			var details any
			if res != nil {
				details = res.Results
			}
			response.Error(w, http.StatusInternalServerError, "BATCH_SUBMIT_FAILED",
				"Failed to submit batch to LLM service", details)
		default:
			slog.Error("assessment run failed", "type", jobType, "error", err)
			response.Internal(w)
		}
		return
	}

	if res.Results.BatchID != "" {
		response.Accepted(w, res)
		return
	}
	response.JSON(w, res)
}
