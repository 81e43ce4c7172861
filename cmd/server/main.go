// Package main is the entrypoint for the PennyPilot API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/pennypilot/internal/ai"
	"github.com/kiranshivaraju/pennypilot/internal/api"
	"github.com/kiranshivaraju/pennypilot/internal/api/handler"
	mw "github.com/kiranshivaraju/pennypilot/internal/api/middleware"
	"github.com/kiranshivaraju/pennypilot/internal/assessment"
	"github.com/kiranshivaraju/pennypilot/internal/cache"
	"github.com/kiranshivaraju/pennypilot/internal/config"
	"github.com/kiranshivaraju/pennypilot/internal/ingest"
	"github.com/kiranshivaraju/pennypilot/internal/jobs"
	"github.com/kiranshivaraju/pennypilot/internal/marketdata"
	"github.com/kiranshivaraju/pennypilot/internal/news"
	"github.com/kiranshivaraju/pennypilot/internal/retry"
	"github.com/kiranshivaraju/pennypilot/internal/store"
	"github.com/kiranshivaraju/pennypilot/internal/valuation"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
)

const shutdownTimeout = 30 * time.Second

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var logLevel = new(slog.LevelVar)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not read .env file", "error", err)
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logLevel.Set(cfg.Server.LogLevel)
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"sync_provider", cfg.AI.SyncProvider,
		"openai_configured", cfg.AI.OpenAI.APIKey != "",
		"system_secret_configured", cfg.Cron.SystemSecret != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Build services and router
	router, err := newRouter(ctx, cfg, store.NewPostgresStore(pool), redisCache)
	if err != nil {
		return err
	}

	// 6. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // immediate-mode runs pace one item per second
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newRouter wires every service over st and c. It performs no I/O beyond
// constructing the sync LLM provider.
func newRouter(ctx context.Context, cfg *config.Config, st store.Store, c cache.Cache) (http.Handler, error) {
	completer, err := ai.NewCompleter(ctx, cfg.AI)
	if err != nil {
		return nil, fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", completer.Name())

	gateway := ai.NewGateway(ai.NewOpenAIClient(cfg.AI.OpenAI), completer)

	generator := assessment.NewService(st, gateway, c, assessment.Options{
		AssessmentModel: cfg.AI.OpenAI.AssessmentModel,
		PortfolioModel:  cfg.AI.OpenAI.PortfolioModel,
		ItemDelay:       cfg.Pipeline.ImmediateDelay,
	})
	poller := jobs.NewPoller(st, gateway, generator, c)
	canceller := jobs.NewCanceller(st, gateway, c)

	// The refresher retries whole fetches, so the client itself does not.
	quotes := marketdata.NewClient(cfg.MarketData.BaseURL, cfg.MarketData.APIKey, cfg.MarketData.Timeout,
		retry.Policy{MaxAttempts: 1})
	headlines := news.NewClient(cfg.News.BaseURL, cfg.News.APIKey, cfg.News.Timeout, retry.Default)

	prices := ingest.NewPriceRefresher(st, quotes, cfg.Pipeline.PriceRefreshDelay)
	newsRefresher := ingest.NewNewsRefresher(st, headlines, cfg.Pipeline.NewsRefreshDelay)
	valuer := valuation.NewService(st)

	return api.NewRouter(api.Dependencies{
		Auth:          mw.NewAuth(st),
		RateLimit:     mw.NewRateLimit(c, cfg.Server.RateLimitPerMinute),
		Subscriptions: mw.NewSubscriptions(st, c, 0),
		SystemSecret:  cfg.Cron.SystemSecret,

		HealthHandler: handler.NewHealthHandler(st, c, version),

		GenerateAssessments:       handler.NewGenerateHandler(generator, models.JobTypeSecurityAnalysis),
		GeneratePortfolioAnalyses: handler.NewGenerateHandler(generator, models.JobTypePortfolioAnalysis),
		CheckAndComplete:          handler.NewCheckAndCompleteHandler(poller),
		UpdatePrices:              handler.NewUpdatePricesHandler(prices),
		FetchNews:                 handler.NewFetchNewsHandler(newsRefresher),
		UpdateAllValues:           handler.NewUpdateAllValuesHandler(valuer),
		ComputeHistory:            handler.NewComputeHistoryHandler(valuer),

		CancelJob: handler.NewCancelJobHandler(canceller),
		ListJobs:  handler.NewListJobsHandler(st),
		GetJob:    handler.NewGetJobHandler(st, c),

		GeneratePortfolioAnalysis: handler.NewPortfolioAnalysisHandler(generator),
		UpdatePortfolioValue:      handler.NewUpdatePortfolioValueHandler(valuer),
	}), nil
}
