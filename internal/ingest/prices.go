// Package ingest refreshes the market data the assessment prompts are built
// from: daily prices and recent headlines for every held security.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pennypilot/internal/marketdata"
	"github.com/kiranshivaraju/pennypilot/internal/retry"
	"github.com/kiranshivaraju/pennypilot/internal/store"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
	"github.com/shopspring/decimal"
)

// ErrNotConfigured is returned when the upstream API key is missing.
var ErrNotConfigured = errors.New("ingest source not configured")

const (
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusError   = "error"
	StatusNoNews  = "no_news"

	priceSource    = "twelvedata"
	marketOpensAt  = 6
	marketClosesAt = 20
)

// QuoteFetcher is satisfied by marketdata.Client.
type QuoteFetcher interface {
	Configured() bool
	Quote(ctx context.Context, symbol string) (*marketdata.Quote, error)
}

// SymbolResult is the per-security outcome of a refresh run.
type SymbolResult struct {
	Symbol   string           `json:"symbol"`
	Status   string           `json:"status"`
	Reason   string           `json:"reason,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Articles int              `json:"articles_count,omitempty"`
}

// PriceRefreshResult summarises one PriceRefresher run.
type PriceRefreshResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Total   int            `json:"total"`
	Updated int            `json:"updated"`
	Errors  int            `json:"errors"`
	Skipped int            `json:"skipped"`
	Details []SymbolResult `json:"details,omitempty"`
}

// PriceRefresher stores today's quote for every held security.
type PriceRefresher struct {
	store  store.Store
	quotes QuoteFetcher
	policy retry.Policy
	delay  time.Duration
	now    func() time.Time
	market *time.Location
}

func NewPriceRefresher(s store.Store, quotes QuoteFetcher, delay time.Duration) *PriceRefresher {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// tzdata is embedded, so this only fires on a corrupt build
		loc = time.UTC
	}
	return &PriceRefresher{
		store:  s,
		quotes: quotes,
		policy: retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second},
		delay:  delay,
		now:    time.Now,
		market: loc,
	}
}

// WithClock overrides the time source. Used in tests.
func (r *PriceRefresher) WithClock(now func() time.Time) *PriceRefresher {
	r.now = now
	return r
}

// WithRetryPolicy overrides the per-symbol retry policy.
func (r *PriceRefresher) WithRetryPolicy(p retry.Policy) *PriceRefresher {
	r.policy = p
	return r
}

// Run refreshes prices. Outside US extended trading hours it does nothing
// and reports success. Only a failure to list securities is returned as an
// error; per-symbol failures are counted.
func (r *PriceRefresher) Run(ctx context.Context) (*PriceRefreshResult, error) {
	if !r.quotes.Configured() {
		return nil, fmt.Errorf("price refresh: %w", ErrNotConfigured)
	}

	ny := r.now().In(r.market)
	if wd := ny.Weekday(); wd == time.Saturday || wd == time.Sunday {
		slog.Info("market closed, skipping price refresh", "reason", "weekend")
		return &PriceRefreshResult{Success: true, Message: "Market closed (weekend)"}, nil
	}
	if h := ny.Hour(); h < marketOpensAt || h > marketClosesAt {
		slog.Info("market closed, skipping price refresh", "reason", "outside hours", "hour", h)
		return &PriceRefreshResult{Success: true, Message: "Outside market hours"}, nil
	}

	secs, err := r.store.ListHeldSecurities(ctx)
	if err != nil {
		return nil, fmt.Errorf("price refresh: %w", err)
	}
	if len(secs) == 0 {
		return &PriceRefreshResult{Success: true, Message: "No securities found in portfolios"}, nil
	}

	today := models.Day(r.now())
	res := &PriceRefreshResult{Success: true, Total: len(secs)}
	for i, sec := range secs {
		if i > 0 {
			if err := retry.Sleep(ctx, r.delay); err != nil {
				return nil, fmt.Errorf("price refresh: %w", err)
			}
		}

		out := r.refreshOne(ctx, sec, today)
		switch out.Status {
		case StatusSuccess:
			res.Updated++
		case StatusSkipped:
			res.Skipped++
		default:
			res.Errors++
			res.Details = append(res.Details, out)
		}
	}

	res.Message = fmt.Sprintf("Updated prices for %d securities", res.Updated)
	slog.Info("price refresh completed",
		"updated", res.Updated, "errors", res.Errors, "skipped", res.Skipped)

	r.audit(ctx, res)
	return res, nil
}

func (r *PriceRefresher) refreshOne(ctx context.Context, sec *models.Security, today time.Time) SymbolResult {
	out := SymbolResult{Symbol: sec.Symbol}

	existing, err := r.store.GetSecurityPrice(ctx, sec.ID, today)
	switch {
	case err == nil:
		out.Status = StatusSkipped
		out.Reason = "Price already exists for today"
		out.Price = &existing.Close
		return out
	case !errors.Is(err, store.ErrNotFound):
		out.Status = StatusError
		out.Reason = err.Error()
		return out
	}

	var quote *marketdata.Quote
	err = retry.Do(ctx, r.policy, func(ctx context.Context) error {
		q, err := r.quotes.Quote(ctx, sec.Symbol)
		if err != nil {
			if errors.Is(err, marketdata.ErrQuoteError) || errors.Is(err, marketdata.ErrInvalidQuote) {
				return retry.Permanent(err)
			}
			return err
		}
		quote = q
		return nil
	})
	if err != nil {
		slog.Warn("quote fetch failed", "symbol", sec.Symbol, "error", err)
		out.Status = StatusError
		out.Reason = err.Error()
		return out
	}

	price := &models.SecurityPrice{
		ID:         uuid.New(),
		SecurityID: sec.ID,
		Date:       today,
		Open:       quote.Open,
		High:       quote.High,
		Low:        quote.Low,
		Close:      quote.Close,
		Volume:     quote.Volume,
		Source:     priceSource,
		CreatedAt:  r.now().UTC(),
	}
	if err := r.store.UpsertSecurityPrice(ctx, price); err != nil {
		slog.Error("price upsert failed", "symbol", sec.Symbol, "error", err)
		out.Status = StatusError
		out.Reason = err.Error()
		return out
	}

	slog.Debug("price updated", "symbol", sec.Symbol, "close", quote.Close.String())
	out.Status = StatusSuccess
	out.Price = &quote.Close
	return out
}

func (r *PriceRefresher) audit(ctx context.Context, res *PriceRefreshResult) {
	entry := &models.SystemLog{
		ID:      uuid.New(),
		Level:   "info",
		Source:  "price_update",
		Message: fmt.Sprintf("Updated %d securities, %d errors, %d skipped", res.Updated, res.Errors, res.Skipped),
		Details: map[string]any{
			"total":   res.Total,
			"updated": res.Updated,
			"errors":  res.Errors,
			"skipped": res.Skipped,
		},
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.CreateSystemLog(ctx, entry); err != nil {
		slog.Warn("writing system log failed", "source", entry.Source, "error", err)
	}
}
