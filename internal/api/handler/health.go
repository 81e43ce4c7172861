package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/pennypilot/internal/api/response"
)

const healthTimeout = 2 * time.Second

// Pinger is satisfied by store.Store and cache.Cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
	Version  string `json:"version"`
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
func NewHealthHandler(db, redis Pinger, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp := healthResponse{Status: "ok", Database: "ok", Redis: "ok", Version: version}
		if err := db.Ping(ctx); err != nil {
			slog.Warn("health check: database unreachable", "error", err)
			resp.Database = "unavailable"
			resp.Status = "degraded"
		}
		if err := redis.Ping(ctx); err != nil {
			slog.Warn("health check: redis unreachable", "error", err)
			resp.Redis = "unavailable"
			resp.Status = "degraded"
		}

		if resp.Status != "ok" {
			response.ServiceUnavailable(w, resp)
			return
		}
		response.JSON(w, resp)
	}
}
