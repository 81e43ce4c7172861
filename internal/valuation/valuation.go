// Package valuation keeps portfolio_history current. It values each
// portfolio from its holdings' latest closes plus cash, and can rebuild
// past days by replaying recorded transactions.
package valuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/pennypilot/internal/store"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrPortfolioNotFound = errors.New("portfolio not found")
	ErrInvalidRange      = errors.New("invalid date range")
)

const (
	StatusSuccess = "success"
	StatusError   = "error"

	dateLayout = "2006-01-02"

	// MaxHistoryDays bounds one ComputeHistory range per portfolio.
	MaxHistoryDays = 3660

	logSource      = "portfolio_value_update"
	logErrorSource = "portfolio_value_update_error"
)

// worthTolerance is the smallest change that rewrites a stored worth.
var worthTolerance = decimal.NewFromFloat(0.01)

// SecurityValue is one position in an UpdateResult. PriceDate is "N/A"
// when the security has no stored price.
type SecurityValue struct {
	Symbol    string          `json:"symbol"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Worth     decimal.Decimal `json:"worth"`
	PriceDate string          `json:"priceDate"`
}

// UpdateResult is today's valuation of one portfolio.
type UpdateResult struct {
	Success         bool            `json:"success"`
	PortfolioValue  decimal.Decimal `json:"portfolioValue"`
	SecuritiesValue decimal.Decimal `json:"securitiesValue"`
	LiquidFunds     decimal.Decimal `json:"liquidFunds"`
	Securities      []SecurityValue `json:"securities"`
	Date            string          `json:"date"`
}

// PortfolioUpdate is the per-portfolio outcome of UpdateAll.
type PortfolioUpdate struct {
	PortfolioID     uuid.UUID        `json:"portfolio_id"`
	PortfolioName   string           `json:"portfolio_name"`
	Status          string           `json:"status"`
	TotalValue      *decimal.Decimal `json:"total_value,omitempty"`
	SecuritiesValue *decimal.Decimal `json:"securities_value,omitempty"`
	LiquidFunds     *decimal.Decimal `json:"liquid_funds,omitempty"`
	SecuritiesCount int              `json:"securities_count,omitempty"`
	PricesFound     int              `json:"prices_found,omitempty"`
	Error           string           `json:"error,omitempty"`
}

type UpdateAllSummary struct {
	Total      int             `json:"total"`
	Updated    int             `json:"updated"`
	Errors     int             `json:"errors"`
	TotalValue decimal.Decimal `json:"total_value"`
}

// UpdateAllResult summarises one UpdateAll run.
type UpdateAllResult struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Results UpdateAllSummary  `json:"results"`
	Details []PortfolioUpdate `json:"details,omitempty"`
}

// HistoryRequest selects what ComputeHistory rebuilds. Zero dates default
// to the portfolio's creation day and today.
type HistoryRequest struct {
	PortfolioIDs     []uuid.UUID
	Start            *time.Time
	End              *time.Time
	ForceRecalculate bool
}

type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// PortfolioHistory is the per-portfolio outcome of ComputeHistory.
type PortfolioHistory struct {
	PortfolioID    uuid.UUID  `json:"portfolio_id"`
	PortfolioName  string     `json:"portfolio_name"`
	Status         string     `json:"status"`
	DatesProcessed int        `json:"dates_processed"`
	ValuesComputed int        `json:"values_computed"`
	DateRange      *DateRange `json:"date_range,omitempty"`
	Error          string     `json:"error,omitempty"`
}

type HistorySummary struct {
	Total                 int     `json:"total"`
	Processed             int     `json:"processed"`
	Errors                int     `json:"errors"`
	TotalDays             int     `json:"total_days"`
	TotalValues           int     `json:"total_values"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
}

type HistoryResult struct {
	Success bool               `json:"success"`
	Message string             `json:"message"`
	Results HistorySummary     `json:"results"`
	Details []PortfolioHistory `json:"details,omitempty"`
}

// Service values portfolios against the store.
type Service struct {
	store store.Store
	now   func() time.Time
}

func NewService(s store.Store) *Service {
	return &Service{store: s, now: time.Now}
}

// WithClock overrides the time source. Used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// UpdatePortfolio revalues one portfolio at its latest closes and records
// today's value. A non-nil accountID restricts the lookup to that account.
func (s *Service) UpdatePortfolio(ctx context.Context, id uuid.UUID, accountID *uuid.UUID) (*UpdateResult, error) {
	p, err := s.store.GetPortfolio(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && accountID != nil && p.AccountID != *accountID) {
		return nil, ErrPortfolioNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update portfolio value: %w", err)
	}

	v, err := s.valueToday(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("update portfolio value: %w", err)
	}

	slog.Info("portfolio value updated",
		"portfolio_id", p.ID,
		"value", v.total.StringFixed(2),
		"securities", v.securities.StringFixed(2),
		"liquid", v.liquid.StringFixed(2))

	return &UpdateResult{
		Success:         true,
		PortfolioValue:  v.total,
		SecuritiesValue: v.securities,
		LiquidFunds:     v.liquid,
		Securities:      v.positions,
		Date:            v.day.Format(dateLayout),
	}, nil
}

// UpdateAll revalues every portfolio. Only a failure to list portfolios is
// returned as an error; per-portfolio failures are counted.
func (s *Service) UpdateAll(ctx context.Context) (*UpdateAllResult, error) {
	portfolios, err := s.store.ListPortfolios(ctx, store.PortfolioFilter{})
	if err != nil {
		s.audit(ctx, "error", logErrorSource, err.Error(), map[string]any{
			"error_time": s.now().UTC().Format(time.RFC3339),
		})
		return nil, fmt.Errorf("update all portfolio values: %w", err)
	}
	if len(portfolios) == 0 {
		return &UpdateAllResult{Success: true, Message: "No portfolios found"}, nil
	}

	res := &UpdateAllResult{Success: true, Results: UpdateAllSummary{Total: len(portfolios)}}
	for _, p := range portfolios {
		out := PortfolioUpdate{PortfolioID: p.ID, PortfolioName: p.Name}
		v, err := s.valueToday(ctx, p)
		if err != nil {
			slog.Error("portfolio value update failed", "portfolio_id", p.ID, "error", err)
			out.Status = StatusError
			out.Error = err.Error()
			res.Results.Errors++
			res.Details = append(res.Details, out)
			continue
		}
		out.Status = StatusSuccess
		out.TotalValue = &v.total
		out.SecuritiesValue = &v.securities
		out.LiquidFunds = &v.liquid
		out.SecuritiesCount = len(v.positions)
		out.PricesFound = v.pricesFound
		res.Results.Updated++
		res.Results.TotalValue = res.Results.TotalValue.Add(v.total)
		res.Details = append(res.Details, out)
	}

	res.Message = fmt.Sprintf("Updated %d portfolios", res.Results.Updated)
	slog.Info("portfolio value update completed",
		"updated", res.Results.Updated,
		"errors", res.Results.Errors,
		"total_value", res.Results.TotalValue.StringFixed(2))

	s.audit(ctx, "info", logSource,
		fmt.Sprintf("Updated %d portfolios, %d errors, total value: %s",
			res.Results.Updated, res.Results.Errors, formatUSD(res.Results.TotalValue)),
		map[string]any{
			"total_portfolios": res.Results.Total,
			"updated":          res.Results.Updated,
			"errors":           res.Results.Errors,
			"total_value":      res.Results.TotalValue.StringFixed(2),
			"update_time":      s.now().UTC().Format(time.RFC3339),
		})
	return res, nil
}

// ComputeHistory fills portfolio_history for past days. Days already
// recorded are skipped unless ForceRecalculate is set.
func (s *Service) ComputeHistory(ctx context.Context, req HistoryRequest) (*HistoryResult, error) {
	if req.Start != nil && req.End != nil && models.Day(*req.Start).After(models.Day(*req.End)) {
		return nil, fmt.Errorf("%w: start date is after end date", ErrInvalidRange)
	}

	started := s.now()
	portfolios, err := s.store.ListPortfolios(ctx, store.PortfolioFilter{IDs: req.PortfolioIDs})
	if err != nil {
		return nil, fmt.Errorf("compute historical values: %w", err)
	}
	if len(portfolios) == 0 {
		return &HistoryResult{Success: true, Message: "No portfolios found to process"}, nil
	}

	res := &HistoryResult{Success: true, Results: HistorySummary{Total: len(portfolios)}}
	for _, p := range portfolios {
		out := s.historyFor(ctx, p, req)
		if out.Status == StatusSuccess {
			res.Results.Processed++
		} else {
			res.Results.Errors++
		}
		res.Results.TotalDays += out.DatesProcessed
		res.Results.TotalValues += out.ValuesComputed
		res.Details = append(res.Details, out)
	}

	res.Results.ProcessingTimeSeconds = s.now().Sub(started).Round(10 * time.Millisecond).Seconds()
	res.Message = fmt.Sprintf("Processed %d portfolios with %d historical values",
		res.Results.Processed, res.Results.TotalValues)
	slog.Info("historical value computation completed",
		"portfolios", res.Results.Processed,
		"values", res.Results.TotalValues,
		"seconds", res.Results.ProcessingTimeSeconds)
	return res, nil
}

func (s *Service) historyFor(ctx context.Context, p *models.Portfolio, req HistoryRequest) PortfolioHistory {
	out := PortfolioHistory{PortfolioID: p.ID, PortfolioName: p.Name}
	fail := func(err error) PortfolioHistory {
		slog.Error("historical value computation failed", "portfolio_id", p.ID, "error", err)
		out.Status = StatusError
		out.Error = err.Error()
		return out
	}

	start := models.Day(p.CreatedAt)
	if req.Start != nil {
		start = models.Day(*req.Start)
	}
	end := models.Day(s.now())
	if req.End != nil {
		end = models.Day(*req.End)
	}
	out.DateRange = &DateRange{Start: start.Format(dateLayout), End: end.Format(dateLayout)}
	if start.After(end) {
		return fail(fmt.Errorf("%w: portfolio created after end date", ErrInvalidRange))
	}
	if days := int(end.Sub(start).Hours()/24) + 1; days > MaxHistoryDays {
		return fail(fmt.Errorf("%w: %d days exceeds the limit of %d", ErrInvalidRange, days, MaxHistoryDays))
	}

	existing := map[time.Time]bool{}
	if !req.ForceRecalculate {
		dates, err := s.store.ListPortfolioValueDates(ctx, p.ID, start, end)
		if err != nil {
			return fail(err)
		}
		for _, d := range dates {
			existing[models.Day(d)] = true
		}
	}

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if existing[day] {
			continue
		}
		out.DatesProcessed++

		value, ok, err := s.valueOn(ctx, p.ID, day)
		if err != nil {
			slog.Warn("computing historical value failed",
				"portfolio_id", p.ID, "date", day.Format(dateLayout), "error", err)
			continue
		}
		if !ok {
			continue
		}
		if err := s.store.UpsertPortfolioValue(ctx, &models.PortfolioValue{
			PortfolioID: p.ID,
			Date:        day,
			Value:       value,
			UpdatedAt:   s.now().UTC(),
		}); err != nil {
			slog.Warn("saving historical value failed",
				"portfolio_id", p.ID, "date", day.Format(dateLayout), "error", err)
			continue
		}
		out.ValuesComputed++
	}

	out.Status = StatusSuccess
	return out
}

// valueOn rebuilds holdings from transactions through day and prices them
// at the close on or before day, falling back to the latest close. The
// second return is false when the day has nothing to record.
func (s *Service) valueOn(ctx context.Context, portfolioID uuid.UUID, day time.Time) (decimal.Decimal, bool, error) {
	txs, err := s.store.ListPortfolioTransactions(ctx, portfolioID, day)
	if err != nil {
		return decimal.Zero, false, err
	}

	positions := map[uuid.UUID]decimal.Decimal{}
	var order []uuid.UUID
	for _, tx := range txs {
		if tx.SecurityID == uuid.Nil || tx.Amount.IsZero() {
			continue
		}
		cur, seen := positions[tx.SecurityID]
		if !seen {
			order = append(order, tx.SecurityID)
		}
		switch tx.Action {
		case models.TransactionBuy:
			positions[tx.SecurityID] = cur.Add(tx.Amount)
		case models.TransactionSell:
			positions[tx.SecurityID] = cur.Sub(tx.Amount)
		}
	}

	total := decimal.Zero
	for _, id := range order {
		amount := positions[id]
		if !amount.IsPositive() {
			continue
		}
		price, err := s.closeFor(ctx, id, day)
		if err != nil {
			return decimal.Zero, false, err
		}
		if price == nil {
			continue
		}
		total = total.Add(amount.Mul(*price))
	}

	liquid, err := s.store.GetLiquidFundsOn(ctx, portfolioID, day)
	if err != nil {
		return decimal.Zero, false, err
	}
	return total.Add(liquid), true, nil
}

func (s *Service) closeFor(ctx context.Context, securityID uuid.UUID, day time.Time) (*decimal.Decimal, error) {
	p, err := s.store.GetPriceOnOrBefore(ctx, securityID, day)
	if err == nil {
		return &p.Close, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	latest, err := s.store.ListSecurityPrices(ctx, securityID, time.Time{}, 1)
	if err != nil {
		return nil, err
	}
	if len(latest) == 0 {
		return nil, nil
	}
	return &latest[0].Close, nil
}

type valuationTotals struct {
	day         time.Time
	total       decimal.Decimal
	securities  decimal.Decimal
	liquid      decimal.Decimal
	positions   []SecurityValue
	pricesFound int
}

// valueToday prices every holding at its latest close, rewrites stored
// worths that moved and upserts today's history row. Holdings without a
// price keep their stored worth.
func (s *Service) valueToday(ctx context.Context, p *models.Portfolio) (*valuationTotals, error) {
	holdings, err := s.store.ListHoldings(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	v := &valuationTotals{day: models.Day(s.now()), liquid: p.CashBalance}
	v.positions = make([]SecurityValue, 0, len(holdings))
	for _, h := range holdings {
		pos := SecurityValue{Symbol: h.Security.Symbol, Amount: h.Amount, PriceDate: "N/A"}
		if h.PriceDate != nil {
			pos.Price = h.LastClose
			pos.Worth = h.Value()
			pos.PriceDate = h.PriceDate.Format(dateLayout)
			v.pricesFound++
			if pos.Worth.Sub(h.Worth).Abs().GreaterThan(worthTolerance) {
				if err := s.store.UpdateHoldingWorth(ctx, p.ID, h.Security.ID, pos.Worth); err != nil {
					return nil, err
				}
				slog.Debug("holding worth updated",
					"symbol", h.Security.Symbol, "from", h.Worth.StringFixed(2), "to", pos.Worth.StringFixed(2))
			}
		} else {
			pos.Worth = h.Worth
			if h.Amount.IsPositive() {
				pos.Price = h.Worth.Div(h.Amount)
			}
			slog.Warn("no price for holding, using stored worth",
				"symbol", h.Security.Symbol, "worth", h.Worth.StringFixed(2))
		}
		v.securities = v.securities.Add(pos.Worth)
		v.positions = append(v.positions, pos)
	}
	v.total = v.securities.Add(v.liquid)

	if err := s.store.UpsertPortfolioValue(ctx, &models.PortfolioValue{
		PortfolioID: p.ID,
		Date:        v.day,
		Value:       v.total,
		UpdatedAt:   s.now().UTC(),
	}); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Service) audit(ctx context.Context, level, source, message string, details map[string]any) {
	entry := &models.SystemLog{
		ID:        uuid.New(),
		Level:     level,
		Source:    source,
		Message:   message,
		Details:   details,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateSystemLog(ctx, entry); err != nil {
		slog.Warn("writing system log failed", "source", entry.Source, "error", err)
	}
}

func formatUSD(d decimal.Decimal) string {
	return money.New(d.Shift(2).Round(0).IntPart(), money.USD).Display()
}
