// Package memstore is an in-memory store.Store for tests. It enforces the
// same uniqueness rules as the Postgres schema.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pennypilot/internal/store"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
	"github.com/shopspring/decimal"
)

var _ store.Store = (*Store)(nil)

type holdingKey struct {
	portfolioID uuid.UUID
	securityID  uuid.UUID
}

type dayKey struct {
	id  uuid.UUID
	day time.Time
}

type Store struct {
	mu sync.Mutex

	PingErr error

	apiKeys       map[uuid.UUID]*models.APIKey
	subscriptions map[uuid.UUID]*models.Subscription
	securities    map[uuid.UUID]*models.Security
	portfolios    map[uuid.UUID]*models.Portfolio
	holdings      map[holdingKey]decimal.Decimal
	worths        map[holdingKey]decimal.Decimal
	prices        map[dayKey]*models.SecurityPrice
	news          []*models.NewsArticle
	assessments   map[dayKey]*models.SecurityAssessment
	analyses      map[dayKey]*models.PortfolioAnalysis
	jobs          map[uuid.UUID]*models.Job
	logs          []*models.SystemLog
	transactions  []*models.PortfolioTransaction
	liquidFunds   []*models.LiquidFundsEntry
	history       map[dayKey]*models.PortfolioValue
}

func New() *Store {
	return &Store{
		apiKeys:       map[uuid.UUID]*models.APIKey{},
		subscriptions: map[uuid.UUID]*models.Subscription{},
		securities:    map[uuid.UUID]*models.Security{},
		portfolios:    map[uuid.UUID]*models.Portfolio{},
		holdings:      map[holdingKey]decimal.Decimal{},
		worths:        map[holdingKey]decimal.Decimal{},
		prices:        map[dayKey]*models.SecurityPrice{},
		assessments:   map[dayKey]*models.SecurityAssessment{},
		analyses:      map[dayKey]*models.PortfolioAnalysis{},
		jobs:          map[uuid.UUID]*models.Job{},
		history:       map[dayKey]*models.PortfolioValue{},
	}
}

// --- seeding helpers ---

func (s *Store) AddSecurity(sec *models.Security) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sec.ID == uuid.Nil {
		sec.ID = uuid.New()
	}
	s.securities[sec.ID] = sec
}

func (s *Store) AddPortfolio(p *models.Portfolio) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.portfolios[p.ID] = p
}

func (s *Store) SetHolding(portfolioID, securityID uuid.UUID, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdings[holdingKey{portfolioID, securityID}] = amount
}

// SetHoldingWorth seeds the stored worth of a position.
func (s *Store) SetHoldingWorth(portfolioID, securityID uuid.UUID, worth decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worths[holdingKey{portfolioID, securityID}] = worth
}

// HoldingWorth returns the stored worth of a position.
func (s *Store) HoldingWorth(portfolioID, securityID uuid.UUID) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worths[holdingKey{portfolioID, securityID}]
}

func (s *Store) AddTransaction(tx *models.PortfolioTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	s.transactions = append(s.transactions, tx)
}

func (s *Store) AddLiquidFunds(e *models.LiquidFundsEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	s.liquidFunds = append(s.liquidFunds, e)
}

// PortfolioValues returns the value history of a portfolio, oldest first.
func (s *Store) PortfolioValues(portfolioID uuid.UUID) []*models.PortfolioValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PortfolioValue
	for k, v := range s.history {
		if k.id == portfolioID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func (s *Store) SetSubscription(sub *models.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.AccountID] = sub
}

// SystemLogs returns a copy of every audit row written so far.
func (s *Store) SystemLogs() []*models.SystemLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.SystemLog(nil), s.logs...)
}

// SecurityAssessments returns every stored assessment.
func (s *Store) SecurityAssessments() []*models.SecurityAssessment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.SecurityAssessment, 0, len(s.assessments))
	for _, a := range s.assessments {
		out = append(out, a)
	}
	return out
}

// PortfolioAnalyses returns every stored portfolio analysis.
func (s *Store) PortfolioAnalyses() []*models.PortfolioAnalysis {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.PortfolioAnalysis, 0, len(s.analyses))
	for _, a := range s.analyses {
		out = append(out, a)
	}
	return out
}

// --- store.Store ---

func (s *Store) Ping(_ context.Context) error { return s.PingErr }

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.apiKeys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiKeys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	s.apiKeys[key.ID] = key
	return nil
}

func (s *Store) GetSubscription(_ context.Context, accountID uuid.UUID) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sub, nil
}

func (s *Store) ListHeldSecurities(_ context.Context) ([]*models.Security, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	var out []*models.Security
	for k, amount := range s.holdings {
		if !amount.IsPositive() || seen[k.securityID] {
			continue
		}
		if sec, ok := s.securities[k.securityID]; ok {
			seen[k.securityID] = true
			out = append(out, sec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Store) MarkNewsFetched(_ context.Context, securityID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.securities[securityID]
	if !ok {
		return store.ErrNotFound
	}
	sec.LastNewsFetch = &at
	return nil
}

func (s *Store) ListSecurityPrices(_ context.Context, securityID uuid.UUID, since time.Time, limit int) ([]*models.SecurityPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SecurityPrice
	for k, p := range s.prices {
		if k.id == securityID && !p.Date.Before(models.Day(since)) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return truncate(out, limit), nil
}

func (s *Store) GetSecurityPrice(_ context.Context, securityID uuid.UUID, date time.Time) (*models.SecurityPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[dayKey{securityID, models.Day(date)}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) UpsertSecurityPrice(_ context.Context, p *models.SecurityPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.Date = models.Day(p.Date)
	s.prices[dayKey{p.SecurityID, cp.Date}] = &cp
	return nil
}

func (s *Store) ListSecurityNews(_ context.Context, securityID uuid.UUID, since time.Time, limit int) ([]*models.NewsArticle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.NewsArticle
	for _, a := range s.news {
		if a.SecurityID == securityID && !a.CreatedAt.Before(since) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	return truncate(out, limit), nil
}

func (s *Store) CreateSecurityNews(_ context.Context, articles []*models.NewsArticle) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.news = append(s.news, articles...)
	return len(articles), nil
}

func (s *Store) ListPortfolios(_ context.Context, filter store.PortfolioFilter) ([]*models.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := map[uuid.UUID]bool{}
	for _, id := range filter.IDs {
		ids[id] = true
	}
	var out []*models.Portfolio
	for _, p := range s.portfolios {
		if filter.AccountID != nil && p.AccountID != *filter.AccountID {
			continue
		}
		if len(ids) > 0 && !ids[p.ID] {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListHoldings(_ context.Context, portfolioID uuid.UUID) ([]*models.Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Holding
	for k, amount := range s.holdings {
		if k.portfolioID != portfolioID || !amount.IsPositive() {
			continue
		}
		sec, ok := s.securities[k.securityID]
		if !ok {
			continue
		}
		h := &models.Holding{PortfolioID: portfolioID, Security: *sec, Amount: amount}
		var latest *models.SecurityPrice
		for pk, p := range s.prices {
			if pk.id == sec.ID && (latest == nil || p.Date.After(latest.Date)) {
				latest = p
			}
		}
		if latest != nil {
			h.LastClose = latest.Close
			d := latest.Date
			h.PriceDate = &d
		}
		h.Worth = s.worths[k]
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Security.Symbol < out[j].Security.Symbol })
	return out, nil
}

func (s *Store) GetPortfolio(_ context.Context, id uuid.UUID) (*models.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.portfolios[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) UpdateHoldingWorth(_ context.Context, portfolioID, securityID uuid.UUID, worth decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := holdingKey{portfolioID, securityID}
	if _, ok := s.holdings[k]; !ok {
		return store.ErrNotFound
	}
	s.worths[k] = worth
	return nil
}

func (s *Store) GetPriceOnOrBefore(_ context.Context, securityID uuid.UUID, day time.Time) (*models.SecurityPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := models.Day(day)
	var best *models.SecurityPrice
	for k, p := range s.prices {
		if k.id != securityID || p.Date.After(cutoff) {
			continue
		}
		if best == nil || p.Date.After(best.Date) {
			best = p
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (s *Store) ListPortfolioTransactions(_ context.Context, portfolioID uuid.UUID, through time.Time) ([]*models.PortfolioTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := models.Day(through)
	var out []*models.PortfolioTransaction
	for _, tx := range s.transactions {
		if tx.PortfolioID == portfolioID && !models.Day(tx.Date).After(cutoff) {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *Store) GetLiquidFundsOn(_ context.Context, portfolioID uuid.UUID, day time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := models.Day(day).Add(24 * time.Hour)
	var latest *models.LiquidFundsEntry
	for _, e := range s.liquidFunds {
		if e.PortfolioID != portfolioID || !e.CreatedAt.Before(end) {
			continue
		}
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
			latest = e
		}
	}
	if latest == nil {
		return decimal.Zero, nil
	}
	return latest.Balance, nil
}

func (s *Store) UpsertPortfolioValue(_ context.Context, v *models.PortfolioValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	cp.Date = models.Day(v.Date)
	s.history[dayKey{v.PortfolioID, cp.Date}] = &cp
	return nil
}

func (s *Store) ListPortfolioValueDates(_ context.Context, portfolioID uuid.UUID, from, to time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo, hi := models.Day(from), models.Day(to)
	var out []time.Time
	for k := range s.history {
		if k.id == portfolioID && !k.day.Before(lo) && !k.day.After(hi) {
			out = append(out, k.day)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *Store) HasSecurityAssessmentOn(_ context.Context, securityID uuid.UUID, day time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.assessments[dayKey{securityID, models.Day(day)}]
	return ok, nil
}

func (s *Store) CreateSecurityAssessment(_ context.Context, a *models.SecurityAssessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := dayKey{a.SecurityID, models.Day(a.AssessedOn)}
	if _, ok := s.assessments[k]; ok {
		return store.ErrDuplicateKey
	}
	s.assessments[k] = a
	return nil
}

func (s *Store) ListSecurityAssessments(_ context.Context, securityIDs []uuid.UUID, since time.Time, limit int) ([]*models.SecurityAssessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := map[uuid.UUID]bool{}
	for _, id := range securityIDs {
		ids[id] = true
	}
	out := []*models.SecurityAssessment{}
	for _, a := range s.assessments {
		if ids[a.SecurityID] && !a.CreatedAt.Before(since) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (s *Store) HasPortfolioAnalysisOn(_ context.Context, portfolioID uuid.UUID, day time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.analyses[dayKey{portfolioID, models.Day(day)}]
	return ok, nil
}

func (s *Store) CreatePortfolioAnalysis(_ context.Context, a *models.PortfolioAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := dayKey{a.PortfolioID, models.Day(a.AnalyzedOn)}
	if _, ok := s.analyses[k]; ok {
		return store.ErrDuplicateKey
	}
	s.analyses[k] = a
	return nil
}

func (s *Store) ListPortfolioAnalyses(_ context.Context, portfolioID uuid.UUID, limit int) ([]*models.PortfolioAnalysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PortfolioAnalysis
	for k, a := range s.analyses {
		if k.id == portfolioID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	if job.Active {
		for _, j := range s.jobs {
			if j.Active && j.Type == job.Type && j.RunDate.Equal(models.Day(job.RunDate)) {
				return store.ErrDuplicateKey
			}
		}
	}
	stored, err := clone(job)
	if err != nil {
		return err
	}
	stored.RunDate = models.Day(job.RunDate)
	s.jobs[job.ID] = stored
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(j)
}

func (s *Store) ListJobs(_ context.Context, filter store.JobFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := map[string]bool{}
	for _, t := range filter.Types {
		types[t] = true
	}
	var out []*models.Job
	for _, j := range s.jobs {
		if len(types) > 0 && !types[j.Type] {
			continue
		}
		if filter.ActiveOnly && !j.Active {
			continue
		}
		c, err := clone(j)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, filter.Limit), nil
}

func (s *Store) FindActiveJobOn(_ context.Context, jobType string, day time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Active && j.Type == jobType && j.RunDate.Equal(models.Day(day)) {
			return clone(j)
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateJobData(_ context.Context, id uuid.UUID, data models.JobPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	return s.writeData(j, data)
}

func (s *Store) DeactivateJob(_ context.Context, id uuid.UUID, data models.JobPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || !j.Active {
		return store.ErrNotFound
	}
	if err := s.writeData(j, data); err != nil {
		return err
	}
	j.Active = false
	return nil
}

func (s *Store) CreateSystemLog(_ context.Context, entry *models.SystemLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

func (s *Store) writeData(j *models.Job, data models.JobPayload) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	decoded, err := models.DecodeJobData(j.Type, raw)
	if err != nil {
		return err
	}
	j.Data = decoded
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// clone round-trips a job through JSON so callers never share payload
// pointers with the stored copy, mirroring a database read.
func clone(j *models.Job) (*models.Job, error) {
	cp := *j
	if j.Data == nil {
		return &cp, nil
	}
	raw, err := json.Marshal(j.Data)
	if err != nil {
		return nil, err
	}
	data, err := models.DecodeJobData(j.Type, raw)
	if err != nil {
		return nil, err
	}
	cp.Data = data
	return &cp, nil
}

func truncate[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
