package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/pennypilot/internal/api/middleware"
	"github.com/kiranshivaraju/pennypilot/internal/api/response"
	"github.com/kiranshivaraju/pennypilot/internal/valuation"
)

// Valuer is satisfied by valuation.Service.
type Valuer interface {
	UpdatePortfolio(ctx context.Context, id uuid.UUID, accountID *uuid.UUID) (*valuation.UpdateResult, error)
	UpdateAll(ctx context.Context) (*valuation.UpdateAllResult, error)
	ComputeHistory(ctx context.Context, req valuation.HistoryRequest) (*valuation.HistoryResult, error)
}

// NewUpdatePortfolioValueHandler returns an http.HandlerFunc for
// POST /api/v1/portfolios/{portfolioID}/update-value. Callers can only
// revalue their own account's portfolios.
func NewUpdatePortfolioValueHandler(v Valuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}
		id, err := uuid.Parse(chi.URLParam(r, "portfolioID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "portfolioID must be a valid UUID", nil)
			return
		}

		res, err := v.UpdatePortfolio(r.Context(), id, &accountID)
		if err != nil {
			if errors.Is(err, valuation.ErrPortfolioNotFound) {
				response.Error(w, http.StatusNotFound, "PORTFOLIO_NOT_FOUND", "Portfolio not found", nil)
				return
			}
			slog.Error("portfolio value update failed", "portfolio_id", id, "error", err)
			response.Internal(w)
			return
		}
		response.JSON(w, res)
	}
}

// NewUpdateAllValuesHandler returns an http.HandlerFunc for
// POST /api/v1/cron/update-portfolio-values.
func NewUpdateAllValuesHandler(v Valuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := v.UpdateAll(r.Context())
		if err != nil {
			slog.Error("portfolio value update run failed", "error", err)
			response.Internal(w)
			return
		}
		response.JSON(w, res)
	}
}

// NewComputeHistoryHandler returns an http.HandlerFunc for
// POST /api/v1/portfolios/compute-historical-values. Dates are YYYY-MM-DD.
func NewComputeHistoryHandler(v Valuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PortfolioIDs     []string `json:"portfolioIds"`
			StartDate        string   `json:"startDate"`
			EndDate          string   `json:"endDate"`
			ForceRecalculate bool     `json:"forceRecalculate"`
		}
		if err := decodeOptional(r, &body); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		req := valuation.HistoryRequest{ForceRecalculate: body.ForceRecalculate}
		for _, raw := range body.PortfolioIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"portfolioIds must contain valid UUIDs", map[string]string{"value": raw})
				return
			}
			req.PortfolioIDs = append(req.PortfolioIDs, id)
		}
		var err error
		if req.Start, err = parseDay(body.StartDate); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "startDate must be YYYY-MM-DD", nil)
			return
		}
		if req.End, err = parseDay(body.EndDate); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "endDate must be YYYY-MM-DD", nil)
			return
		}

		res, err := v.ComputeHistory(r.Context(), req)
		if err != nil {
			if errors.Is(err, valuation.ErrInvalidRange) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
				return
			}
			slog.Error("historical value computation failed", "error", err)
			response.Internal(w)
			return
		}
		response.JSON(w, res)
	}
}

func parseDay(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
