package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pennypilot/internal/marketdata"
	"github.com/kiranshivaraju/pennypilot/internal/news"
	"github.com/kiranshivaraju/pennypilot/internal/retry"
	"github.com/kiranshivaraju/pennypilot/internal/store/memstore"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wednesday 2025-03-05 09:00 in New York.
var marketOpen = time.Date(2025, 3, 5, 14, 0, 0, 0, time.UTC)

type fakeQuotes struct {
	noKey    bool
	failures map[string]int
	errs     map[string]error
	calls    map[string]int
}

func (f *fakeQuotes) Configured() bool { return !f.noKey }

func (f *fakeQuotes) Quote(_ context.Context, symbol string) (*marketdata.Quote, error) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[symbol]++
	if err, ok := f.errs[symbol]; ok {
		return nil, err
	}
	if f.failures[symbol] > 0 {
		f.failures[symbol]--
		return nil, marketdata.ErrUnavailable
	}
	px := decimal.RequireFromString("101.50")
	return &marketdata.Quote{Symbol: symbol, Open: px, High: px, Low: px, Close: px, Volume: 1000}, nil
}

func holdings(t *testing.T, symbols ...string) (*memstore.Store, map[string]*models.Security) {
	t.Helper()
	s := memstore.New()
	pid := uuid.New()
	secs := map[string]*models.Security{}
	for _, sym := range symbols {
		sec := &models.Security{Symbol: sym, Name: sym + " Inc"}
		s.AddSecurity(sec)
		s.SetHolding(pid, sec.ID, decimal.NewFromInt(10))
		secs[sym] = sec
	}
	return s, secs
}

func newPriceRefresher(s *memstore.Store, q QuoteFetcher, now time.Time) *PriceRefresher {
	return NewPriceRefresher(s, q, 0).
		WithClock(func() time.Time { return now }).
		WithRetryPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond})
}

func TestPriceRefresh_UpdatesAndSkipsExisting(t *testing.T) {
	s, secs := holdings(t, "AAPL", "MSFT")
	require.NoError(t, s.UpsertSecurityPrice(context.Background(), &models.SecurityPrice{
		SecurityID: secs["MSFT"].ID, Date: marketOpen, Close: decimal.NewFromInt(400),
	}))
	q := &fakeQuotes{}

	res, err := newPriceRefresher(s, q, marketOpen).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Errors)
	assert.Zero(t, q.calls["MSFT"])

	p, err := s.GetSecurityPrice(context.Background(), secs["AAPL"].ID, marketOpen)
	require.NoError(t, err)
	assert.True(t, p.Close.Equal(decimal.RequireFromString("101.5")))
	assert.Equal(t, "twelvedata", p.Source)

	logs := s.SystemLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "price_update", logs[0].Source)
}

func TestPriceRefresh_RetriesTransientFailures(t *testing.T) {
	s, _ := holdings(t, "AAPL")
	q := &fakeQuotes{failures: map[string]int{"AAPL": 2}}

	res, err := newPriceRefresher(s, q, marketOpen).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 3, q.calls["AAPL"])
}

func TestPriceRefresh_QuoteErrorIsNotRetried(t *testing.T) {
	s, _ := holdings(t, "BAD", "GOOD")
	q := &fakeQuotes{errs: map[string]error{"BAD": marketdata.ErrQuoteError}}

	res, err := newPriceRefresher(s, q, marketOpen).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, q.calls["BAD"])
	require.Len(t, res.Details, 1)
	assert.Equal(t, "BAD", res.Details[0].Symbol)
}

func TestPriceRefresh_MarketClosed(t *testing.T) {
	tests := map[string]time.Time{
		"saturday":   time.Date(2025, 3, 8, 15, 0, 0, 0, time.UTC),
		"sunday":     time.Date(2025, 3, 9, 15, 0, 0, 0, time.UTC),
		"late night": time.Date(2025, 3, 5, 3, 0, 0, 0, time.UTC),
		"early":      time.Date(2025, 3, 5, 10, 30, 0, 0, time.UTC),
	}
	for name, now := range tests {
		t.Run(name, func(t *testing.T) {
			s, _ := holdings(t, "AAPL")
			q := &fakeQuotes{}
			res, err := newPriceRefresher(s, q, now).Run(context.Background())
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Zero(t, res.Updated)
			assert.NotEmpty(t, res.Message)
			assert.Empty(t, q.calls)
		})
	}
}

func TestPriceRefresh_NotConfigured(t *testing.T) {
	s, _ := holdings(t, "AAPL")
	_, err := newPriceRefresher(s, &fakeQuotes{noKey: true}, marketOpen).Run(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

type fakeHeadlines struct {
	noKey    bool
	articles map[string][]news.Article
	errs     map[string]error
	calls    []string
}

func (f *fakeHeadlines) Configured() bool { return !f.noKey }

func (f *fakeHeadlines) Headlines(_ context.Context, symbol string, _ time.Time, limit int) ([]news.Article, error) {
	f.calls = append(f.calls, symbol)
	if err := f.errs[symbol]; err != nil {
		return nil, err
	}
	arts := f.articles[symbol]
	if len(arts) > limit {
		arts = arts[:limit]
	}
	return arts, nil
}

func TestNewsRefresh_Statuses(t *testing.T) {
	s, secs := holdings(t, "AAPL", "MSFT", "TSLA", "NVDA")
	fetchedToday := marketOpen.Add(-time.Hour)
	secs["NVDA"].LastNewsFetch = &fetchedToday

	pos := models.SentimentPositive
	h := &fakeHeadlines{
		articles: map[string][]news.Article{
			"AAPL": {
				{Summary: "Apple up", URL: "https://a/1", PublishedAt: marketOpen, Sentiment: &pos},
				{Summary: "Apple event", URL: "https://a/2", PublishedAt: marketOpen},
			},
		},
		errs: map[string]error{"TSLA": errors.New("news service unavailable")},
	}

	r := NewNewsRefresher(s, h, 0).WithClock(func() time.Time { return marketOpen })
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 2, res.ArticlesAdded)
	assert.Equal(t, 1, res.NoNews)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Skipped)
	assert.NotContains(t, h.calls, "NVDA")

	stored, err := s.ListSecurityNews(context.Background(), secs["AAPL"].ID, marketOpen.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	require.NotNil(t, secs["AAPL"].LastNewsFetch)
	assert.Nil(t, secs["MSFT"].LastNewsFetch)

	statuses := map[string]string{}
	for _, d := range res.Details {
		statuses[d.Symbol] = d.Status
	}
	assert.Equal(t, map[string]string{
		"AAPL": StatusSuccess,
		"MSFT": StatusNoNews,
		"TSLA": StatusError,
		"NVDA": StatusSkipped,
	}, statuses)
}

func TestNewsRefresh_YesterdayFetchIsRefreshed(t *testing.T) {
	s, secs := holdings(t, "AAPL")
	yesterday := marketOpen.AddDate(0, 0, -1)
	secs["AAPL"].LastNewsFetch = &yesterday
	h := &fakeHeadlines{}

	_, err := NewNewsRefresher(s, h, 0).WithClock(func() time.Time { return marketOpen }).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, h.calls)
}

func TestNewsRefresh_NotConfigured(t *testing.T) {
	s, _ := holdings(t, "AAPL")
	_, err := NewNewsRefresher(s, &fakeHeadlines{noKey: true}, 0).Run(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}
