package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pennypilot/internal/news"
	"github.com/kiranshivaraju/pennypilot/internal/retry"
	"github.com/kiranshivaraju/pennypilot/internal/store"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
)

const (
	newsLookback = 7 * 24 * time.Hour
	newsPerFetch = 3
)

// HeadlineFetcher is satisfied by news.Client.
type HeadlineFetcher interface {
	Configured() bool
	Headlines(ctx context.Context, symbol string, since time.Time, limit int) ([]news.Article, error)
}

// NewsRefreshResult summarises one NewsRefresher run.
type NewsRefreshResult struct {
	Success       bool           `json:"success"`
	Message       string         `json:"message"`
	Total         int            `json:"total"`
	Processed     int            `json:"processed"`
	ArticlesAdded int            `json:"articles_added"`
	Errors        int            `json:"errors"`
	Skipped       int            `json:"skipped"`
	NoNews        int            `json:"no_news"`
	Details       []SymbolResult `json:"details"`
}

// NewsRefresher stores recent headlines for every held security at most
// once per UTC day.
type NewsRefresher struct {
	store    store.Store
	articles HeadlineFetcher
	delay    time.Duration
	now      func() time.Time
}

func NewNewsRefresher(s store.Store, articles HeadlineFetcher, delay time.Duration) *NewsRefresher {
	return &NewsRefresher{store: s, articles: articles, delay: delay, now: time.Now}
}

// WithClock overrides the time source. Used in tests.
func (r *NewsRefresher) WithClock(now func() time.Time) *NewsRefresher {
	r.now = now
	return r
}

func (r *NewsRefresher) Run(ctx context.Context) (*NewsRefreshResult, error) {
	if !r.articles.Configured() {
		return nil, fmt.Errorf("news refresh: %w", ErrNotConfigured)
	}

	secs, err := r.store.ListHeldSecurities(ctx)
	if err != nil {
		return nil, fmt.Errorf("news refresh: %w", err)
	}

	res := &NewsRefreshResult{Success: true, Total: len(secs), Details: []SymbolResult{}}
	if len(secs) == 0 {
		res.Message = "No securities found in portfolios"
		return res, nil
	}

	today := models.Day(r.now())
	fetched := 0
	for _, sec := range secs {
		if sec.LastNewsFetch != nil && models.Day(*sec.LastNewsFetch).Equal(today) {
			res.Skipped++
			res.Details = append(res.Details, SymbolResult{
				Symbol: sec.Symbol,
				Status: StatusSkipped,
				Reason: "Recent fetch at " + sec.LastNewsFetch.UTC().Format(time.RFC3339),
			})
			continue
		}

		if fetched > 0 {
			if err := retry.Sleep(ctx, r.delay); err != nil {
				return nil, fmt.Errorf("news refresh: %w", err)
			}
		}
		fetched++

		out := r.refreshOne(ctx, sec)
		switch out.Status {
		case StatusSuccess:
			res.Processed++
			res.ArticlesAdded += out.Articles
		case StatusNoNews:
			res.NoNews++
		default:
			res.Errors++
		}
		res.Details = append(res.Details, out)
	}

	res.Message = fmt.Sprintf("Fetched news for %d securities with %d total articles", res.Processed, res.ArticlesAdded)
	slog.Info("news refresh completed",
		"processed", res.Processed, "articles", res.ArticlesAdded,
		"errors", res.Errors, "skipped", res.Skipped, "no_news", res.NoNews)

	entry := &models.SystemLog{
		ID:      uuid.New(),
		Level:   "info",
		Source:  "news_fetch",
		Message: res.Message,
		Details: map[string]any{
			"total":          res.Total,
			"processed":      res.Processed,
			"articles_added": res.ArticlesAdded,
			"errors":         res.Errors,
			"skipped":        res.Skipped,
			"no_news":        res.NoNews,
		},
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.CreateSystemLog(ctx, entry); err != nil {
		slog.Warn("writing system log failed", "source", entry.Source, "error", err)
	}

	return res, nil
}

func (r *NewsRefresher) refreshOne(ctx context.Context, sec *models.Security) SymbolResult {
	out := SymbolResult{Symbol: sec.Symbol}
	now := r.now().UTC()

	arts, err := r.articles.Headlines(ctx, sec.Symbol, now.Add(-newsLookback), newsPerFetch)
	if err != nil {
		slog.Warn("headline fetch failed", "symbol", sec.Symbol, "error", err)
		out.Status = StatusError
		out.Reason = err.Error()
		return out
	}
	if len(arts) == 0 {
		out.Status = StatusNoNews
		out.Reason = "No news articles found"
		return out
	}

	rows := make([]*models.NewsArticle, len(arts))
	for i, a := range arts {
		rows[i] = &models.NewsArticle{
			ID:          uuid.New(),
			SecurityID:  sec.ID,
			Summary:     a.Summary,
			URL:         a.URL,
			PublishedAt: a.PublishedAt,
			Sentiment:   a.Sentiment,
			CreatedAt:   now,
		}
	}
	n, err := r.store.CreateSecurityNews(ctx, rows)
	if err != nil {
		slog.Error("news insert failed", "symbol", sec.Symbol, "error", err)
		out.Status = StatusError
		out.Reason = err.Error()
		return out
	}

	if err := r.store.MarkNewsFetched(ctx, sec.ID, now); err != nil {
		slog.Warn("stamping last news fetch failed", "symbol", sec.Symbol, "error", err)
	}

	out.Status = StatusSuccess
	out.Articles = n
	return out
}
