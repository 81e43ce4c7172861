package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/pennypilot/internal/api/response"
	"github.com/kiranshivaraju/pennypilot/internal/ingest"
)

// PriceRunner is satisfied by ingest.PriceRefresher.
type PriceRunner interface {
	Run(ctx context.Context) (*ingest.PriceRefreshResult, error)
}

// NewsRunner is satisfied by ingest.NewsRefresher.
type NewsRunner interface {
	Run(ctx context.Context) (*ingest.NewsRefreshResult, error)
}

// NewUpdatePricesHandler returns an http.HandlerFunc for
// POST /api/v1/cron/update-security-prices.
func NewUpdatePricesHandler(prices PriceRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := prices.Run(r.Context())
		if err != nil {
			writeIngestError(w, "prices", "Market data API key is not configured", err)
			return
		}
		response.JSON(w, res)
	}
}

// NewFetchNewsHandler returns an http.HandlerFunc for POST /api/v1/cron/fetch-news.
func NewFetchNewsHandler(headlines NewsRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := headlines.Run(r.Context())
		if err != nil {
			writeIngestError(w, "news", "News API key is not configured", err)
			return
		}
		response.JSON(w, res)
	}
}

func writeIngestError(w http.ResponseWriter, source, unconfigured string, err error) {
	if errors.Is(err, ingest.ErrNotConfigured) {
		response.Error(w, http.StatusInternalServerError, "CONFIGURATION_ERROR", unconfigured, nil)
		return
	}
	slog.Error("ingest run failed", "source", source, "error", err)
	response.Internal(w)
}
