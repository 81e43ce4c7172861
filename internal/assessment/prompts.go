package assessment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	securitySystemPrompt  = "You are a professional financial analyst. Always respond with valid JSON containing title, analysis and recommendation fields."
	portfolioSystemPrompt = "You are an expert portfolio manager and investment advisor. Provide comprehensive, actionable portfolio analysis based on current holdings, performance, and risk parameters."

	lookback        = 30 * 24 * time.Hour
	priceHistoryMax = 30
	newsMax         = 10
	headlinesShown  = 3
	priorMax        = 3
	holdingNotesMax = 20
	excerptLen      = 150
	priorExcerptLen = 200
)

var hundred = decimal.NewFromInt(100)

type securityContext struct {
	security *models.Security
	prices   []*models.SecurityPrice
	news     []*models.NewsArticle
	prior    []*models.SecurityAssessment
}

func (s *Service) securityContext(ctx context.Context, sec *models.Security) (*securityContext, error) {
	since := s.now().Add(-lookback)

	prices, err := s.store.ListSecurityPrices(ctx, sec.ID, since, priceHistoryMax)
	if err != nil {
		return nil, fmt.Errorf("load prices for %s: %w", sec.Symbol, err)
	}
	news, err := s.store.ListSecurityNews(ctx, sec.ID, since, newsMax)
	if err != nil {
		return nil, fmt.Errorf("load news for %s: %w", sec.Symbol, err)
	}
	prior, err := s.store.ListSecurityAssessments(ctx, []uuid.UUID{sec.ID}, time.Time{}, priorMax)
	if err != nil {
		return nil, fmt.Errorf("load prior assessments for %s: %w", sec.Symbol, err)
	}
	return &securityContext{security: sec, prices: prices, news: news, prior: prior}, nil
}

func (sc *securityContext) prompt() string {
	sec := sc.security
	var b strings.Builder
	b.WriteString("You are a financial analyst providing investment recommendations. ")
	b.WriteString("Analyze the following security and provide a concise assessment with a recommendation.\n\n")
	fmt.Fprintf(&b, "Security: %s (%s)\n", sec.Name, sec.Symbol)
	fmt.Fprintf(&b, "Exchange: %s\n", orDefault(sec.Exchange, "Unknown"))
	fmt.Fprintf(&b, "Sector: %s\n", orDefault(sec.Sector, "Unknown"))
	fmt.Fprintf(&b, "Industry: %s\n\n", orDefault(sec.Industry, "Unknown"))
	fmt.Fprintf(&b, "Price Performance (Past Month): %s\n\n", priceMetrics(sc.prices))
	fmt.Fprintf(&b, "News Analysis (Past Month): %s\n", newsSummary(sc.news))

	if len(sc.prior) > 0 {
		b.WriteString("\nPrevious Assessments (for continuity):\n")
		for i, a := range sc.prior {
			fmt.Fprintf(&b, "%d. %s: %s - %s\n", i+1, a.AssessedOn.Format(time.DateOnly),
				strings.ToUpper(a.Recommendation), a.Title)
		}
	}

	b.WriteString("\nPlease provide:\n")
	b.WriteString("1. A short, representative title (3-8 words)\n")
	b.WriteString("2. A comprehensive but concise analysis (3-4 paragraphs) covering fundamentals, technical analysis, and market sentiment\n")
	b.WriteString("3. A clear investment recommendation: BUY, HOLD, or SELL")
	return b.String()
}

// priceMetrics summarises prices ordered newest first.
func priceMetrics(prices []*models.SecurityPrice) string {
	if len(prices) == 0 {
		return "No recent price data available"
	}

	current := prices[0].Close
	oldest := prices[len(prices)-1].Close
	high, low := prices[0].High, prices[0].Low
	for _, p := range prices[1:] {
		high = decimal.Max(high, p.High)
		low = decimal.Min(low, p.Low)
	}

	ret := "n/a"
	if !oldest.IsZero() {
		ret = current.Sub(oldest).Div(oldest).Mul(hundred).StringFixed(2) + "%"
	}
	return fmt.Sprintf("Current: %s, Monthly return: %s, Month high: %s, Month low: %s",
		formatMoney(current, money.USD), ret, formatMoney(high, money.USD), formatMoney(low, money.USD))
}

func newsSummary(news []*models.NewsArticle) string {
	if len(news) == 0 {
		return "No recent news available"
	}

	counts := map[string]int{}
	for _, n := range news {
		if n.Sentiment != nil {
			counts[*n.Sentiment]++
		}
	}
	shown := news
	if len(shown) > headlinesShown {
		shown = shown[:headlinesShown]
	}
	quoted := make([]string, len(shown))
	for i, n := range shown {
		quoted[i] = fmt.Sprintf("%q", n.Summary)
	}
	return fmt.Sprintf("Sentiment: %d positive, %d negative, %d neutral. Recent headlines: %s",
		counts[models.SentimentPositive], counts[models.SentimentNegative], counts[models.SentimentNeutral],
		strings.Join(quoted, "; "))
}

type portfolioContext struct {
	portfolio *models.Portfolio
	holdings  []*models.Holding
	notes     []*models.SecurityAssessment
	prior     []*models.PortfolioAnalysis
}

func (s *Service) portfolioContext(ctx context.Context, p *models.Portfolio) (*portfolioContext, error) {
	holdings, err := s.store.ListHoldings(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("load holdings for portfolio %s: %w", p.ID, err)
	}

	ids := make([]uuid.UUID, len(holdings))
	for i, h := range holdings {
		ids[i] = h.Security.ID
	}
	notes, err := s.store.ListSecurityAssessments(ctx, ids, s.now().Add(-lookback), holdingNotesMax)
	if err != nil {
		return nil, fmt.Errorf("load holding assessments for portfolio %s: %w", p.ID, err)
	}

	prior, err := s.store.ListPortfolioAnalyses(ctx, p.ID, priorMax)
	if err != nil {
		return nil, fmt.Errorf("load prior analyses for portfolio %s: %w", p.ID, err)
	}
	return &portfolioContext{portfolio: p, holdings: holdings, notes: notes, prior: prior}, nil
}

func (pc *portfolioContext) prompt() string {
	p := pc.portfolio
	cur := orDefault(p.Currency, money.USD)

	var b strings.Builder
	b.WriteString("You are analyzing a portfolio for comprehensive investment guidance. ")
	b.WriteString("Please provide a thorough analysis with specific, actionable recommendations.\n\n")
	b.WriteString("Portfolio Details:\n")
	fmt.Fprintf(&b, "Name: %s\n", p.Name)
	fmt.Fprintf(&b, "Description: %s\n", orDefault(p.Description, "No description provided"))
	fmt.Fprintf(&b, "Target Risk Level: %s\n", orDefault(p.RiskLevel, "Not specified"))
	sectors := "Not specified"
	if len(p.Sectors) > 0 {
		sectors = strings.Join(p.Sectors, ", ")
	}
	fmt.Fprintf(&b, "Preferred Sectors: %s\n\n", sectors)

	b.WriteString("Current Holdings:\n")
	b.WriteString(pc.composition(cur))
	fmt.Fprintf(&b, "\n\nLiquid Funds Available: %s (%s)\n\n", formatMoney(p.CashBalance, cur), cur)

	if len(pc.notes) == 0 {
		b.WriteString("No recent security analyses available")
	} else {
		symbols := make(map[uuid.UUID]string, len(pc.holdings))
		for _, h := range pc.holdings {
			symbols[h.Security.ID] = h.Security.Symbol
		}
		b.WriteString("Recent Security Analyses:\n")
		for _, a := range pc.notes {
			sym := orDefault(symbols[a.SecurityID], "Unknown")
			fmt.Fprintf(&b, "%s: %s - %s\n", sym, strings.ToUpper(a.Recommendation), excerpt(a.Analysis, excerptLen))
		}
	}

	if len(pc.prior) > 0 {
		b.WriteString("\n\nPrevious Portfolio Analyses (for context and consistency):\n")
		for i, a := range pc.prior {
			fmt.Fprintf(&b, "%d. %s (Rating: %d/10): %s\n", i+1, a.AnalyzedOn.Format(time.DateOnly),
				a.Rating, excerpt(a.Assessment, priorExcerptLen))
		}
	}

	b.WriteString(`

Please provide:
1. A comprehensive assessment of the current portfolio including diversification, risk level versus target, performance, sector allocation and individual holdings.
2. An overall portfolio rating (1-10) based on risk-return alignment, diversification quality, performance potential and strategic positioning.
3. Specific actionable recommendations (buy, sell, hold or rebalance), each with a priority level and reasoning.
4. A risk assessment covering the current risk level versus the target profile, with alignment recommendations.

Consider the stated risk tolerance and investment preferences. Provide practical, implementable advice.`)
	return b.String()
}

// composition lists holdings with their market value and weight. Holdings
// without a stored price count as zero value.
func (pc *portfolioContext) composition(cur string) string {
	if len(pc.holdings) == 0 {
		return "No current holdings"
	}

	total := decimal.Zero
	for _, h := range pc.holdings {
		total = total.Add(h.Value())
	}

	lines := make([]string, 0, len(pc.holdings)+1)
	lines = append(lines, "Total Holdings Value: "+formatMoney(total, cur))
	for _, h := range pc.holdings {
		weight := decimal.Zero
		if total.IsPositive() {
			weight = h.Value().Div(total).Mul(hundred)
		}
		lines = append(lines, fmt.Sprintf("%s (%s): %s shares at %s, %s%% of portfolio - %s",
			h.Security.Symbol, h.Security.Name, h.Amount.String(), formatMoney(h.LastClose, cur),
			weight.StringFixed(1), orDefault(h.Security.Sector, "Unknown sector")))
	}
	return strings.Join(lines, "\n")
}

// formatMoney renders d in the currency's display format, falling back to a
// plain two-decimal amount for unknown currency codes.
func formatMoney(d decimal.Decimal, code string) string {
	c := money.GetCurrency(code)
	if c == nil {
		return d.StringFixed(2) + " " + code
	}
	minor := d.Shift(int32(c.Fraction)).Round(0).IntPart()
	return money.New(minor, c.Code).Display()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
