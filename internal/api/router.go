package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/pennypilot/internal/api/middleware"
	"github.com/kiranshivaraju/pennypilot/internal/api/response"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth          *mw.Auth
	RateLimit     *mw.RateLimit
	Subscriptions *mw.Subscriptions
	SystemSecret  string

	HealthHandler http.HandlerFunc

	GenerateAssessments       http.HandlerFunc
	GeneratePortfolioAnalyses http.HandlerFunc
	CheckAndComplete          http.HandlerFunc
	UpdatePrices              http.HandlerFunc
	FetchNews                 http.HandlerFunc
	UpdateAllValues           http.HandlerFunc
	ComputeHistory            http.HandlerFunc

	CancelJob http.HandlerFunc
	ListJobs  http.HandlerFunc
	GetJob    http.HandlerFunc

	GeneratePortfolioAnalysis http.HandlerFunc
	UpdatePortfolioValue      http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Scheduler routes, shared secret
	r.Route("/api/v1/cron", func(r chi.Router) {
		r.Use(mw.CronAuth(deps.SystemSecret))
		r.Use(deps.RateLimit.Limit)

		r.Post("/generate-assessments", orNotImplemented(deps.GenerateAssessments))
		r.Post("/generate-portfolio-analyses", orNotImplemented(deps.GeneratePortfolioAnalyses))
		r.Post("/jobs/check-and-complete", orNotImplemented(deps.CheckAndComplete))
		r.Post("/update-security-prices", orNotImplemented(deps.UpdatePrices))
		r.Post("/fetch-news", orNotImplemented(deps.FetchNews))
		r.Post("/update-portfolio-values", orNotImplemented(deps.UpdateAllValues))
	})

	// API key routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeAdmin))

			r.Post("/api/v1/securities/generate-assessments", orNotImplemented(deps.GenerateAssessments))
			r.Post("/api/v1/jobs/check-and-complete", orNotImplemented(deps.CheckAndComplete))
			r.Post("/api/v1/jobs/cancel", orNotImplemented(deps.CancelJob))
			r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobs))
			r.Post("/api/v1/jobs", orNotImplemented(deps.ListJobs))
			r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
			r.Post("/api/v1/portfolios/compute-historical-values", orNotImplemented(deps.ComputeHistory))
		})

		r.Post("/api/v1/portfolios/{portfolioID}/update-value", orNotImplemented(deps.UpdatePortfolioValue))

		// Plan-gated routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Subscriptions.Resolve)
			r.Use(mw.RequireFeature(models.FeatureAIAnalysis))

			r.Post("/api/v1/portfolios/generate-analysis", orNotImplemented(deps.GeneratePortfolioAnalysis))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
