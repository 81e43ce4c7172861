package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
	"github.com/shopspring/decimal"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.AccountID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, account_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.AccountID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Subscriptions ---

func (s *PostgresStore) GetSubscription(ctx context.Context, accountID uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, plan, status, current_period_end, updated_at
		 FROM subscriptions WHERE account_id = $1`, accountID,
	).Scan(&sub.AccountID, &sub.Plan, &sub.Status, &sub.CurrentPeriodEnd, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// --- Securities ---

const securityColumns = `s.id, s.symbol, s.name, s.exchange, s.sector, s.industry, s.asset_type, s.last_news_fetch, s.created_at`

func scanSecurity(row pgx.Row, sec *models.Security, extra ...any) error {
	dest := []any{&sec.ID, &sec.Symbol, &sec.Name, &sec.Exchange, &sec.Sector, &sec.Industry,
		&sec.AssetType, &sec.LastNewsFetch, &sec.CreatedAt}
	return row.Scan(append(dest, extra...)...)
}

// ListHeldSecurities returns every security with a positive amount in at
// least one portfolio. Each security appears once.
func (s *PostgresStore) ListHeldSecurities(ctx context.Context) ([]*models.Security, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+securityColumns+`
		 FROM securities s
		 WHERE EXISTS (
		   SELECT 1 FROM portfolio_securities ps WHERE ps.security_id = s.id AND ps.amount > 0
		 )
		 ORDER BY s.symbol`)
	if err != nil {
		return nil, fmt.Errorf("list held securities: %w", err)
	}
	defer rows.Close()

	var out []*models.Security
	for rows.Next() {
		var sec models.Security
		if err := scanSecurity(rows, &sec); err != nil {
			return nil, fmt.Errorf("scan security: %w", err)
		}
		out = append(out, &sec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkNewsFetched(ctx context.Context, securityID uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE securities SET last_news_fetch = $2 WHERE id = $1`, securityID, at)
	if err != nil {
		return fmt.Errorf("mark news fetched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Prices ---

const priceColumns = `id, security_id, date, open, high, low, close, volume, source, created_at`

func scanPrice(row pgx.Row) (*models.SecurityPrice, error) {
	var p models.SecurityPrice
	err := row.Scan(&p.ID, &p.SecurityID, &p.Date, &p.Open, &p.High, &p.Low, &p.Close,
		&p.Volume, &p.Source, &p.CreatedAt)
	return &p, err
}

// ListSecurityPrices returns bars on or after since, newest first.
func (s *PostgresStore) ListSecurityPrices(ctx context.Context, securityID uuid.UUID, since time.Time, limit int) ([]*models.SecurityPrice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+priceColumns+` FROM security_prices
		 WHERE security_id = $1 AND date >= $2
		 ORDER BY date DESC LIMIT $3`, securityID, since, normalizeLimit(limit, 30, 365))
	if err != nil {
		return nil, fmt.Errorf("list security prices: %w", err)
	}
	defer rows.Close()

	var out []*models.SecurityPrice
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan security price: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSecurityPrice(ctx context.Context, securityID uuid.UUID, date time.Time) (*models.SecurityPrice, error) {
	p, err := scanPrice(s.pool.QueryRow(ctx,
		`SELECT `+priceColumns+` FROM security_prices WHERE security_id = $1 AND date = $2`,
		securityID, models.Day(date)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get security price: %w", err)
	}
	return p, nil
}

// UpsertSecurityPrice inserts a bar or overwrites the existing one for the same day.
func (s *PostgresStore) UpsertSecurityPrice(ctx context.Context, p *models.SecurityPrice) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO security_prices (id, security_id, date, open, high, low, close, volume, source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (security_id, date) DO UPDATE SET
		   open = EXCLUDED.open,
		   high = EXCLUDED.high,
		   low = EXCLUDED.low,
		   close = EXCLUDED.close,
		   volume = EXCLUDED.volume,
		   source = EXCLUDED.source`,
		p.ID, p.SecurityID, models.Day(p.Date), p.Open, p.High, p.Low, p.Close, p.Volume, p.Source, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert security price: %w", err)
	}
	return nil
}

// --- News ---

// ListSecurityNews returns articles stored on or after since, most recently published first.
func (s *PostgresStore) ListSecurityNews(ctx context.Context, securityID uuid.UUID, since time.Time, limit int) ([]*models.NewsArticle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, security_id, summary, url, published_at, sentiment, created_at
		 FROM security_news
		 WHERE security_id = $1 AND created_at >= $2
		 ORDER BY published_at DESC LIMIT $3`, securityID, since, normalizeLimit(limit, 10, 100))
	if err != nil {
		return nil, fmt.Errorf("list security news: %w", err)
	}
	defer rows.Close()

	var out []*models.NewsArticle
	for rows.Next() {
		var a models.NewsArticle
		if err := rows.Scan(&a.ID, &a.SecurityID, &a.Summary, &a.URL, &a.PublishedAt,
			&a.Sentiment, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan security news: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// CreateSecurityNews inserts articles in one round trip and returns how many were written.
func (s *PostgresStore) CreateSecurityNews(ctx context.Context, articles []*models.NewsArticle) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, a := range articles {
		batch.Queue(
			`INSERT INTO security_news (id, security_id, summary, url, published_at, sentiment, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.ID, a.SecurityID, a.Summary, a.URL, a.PublishedAt, a.Sentiment, a.CreatedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range articles {
		if _, err := br.Exec(); err != nil {
			return 0, fmt.Errorf("create security news: %w", err)
		}
	}
	return len(articles), nil
}

// --- Portfolios ---

func (s *PostgresStore) ListPortfolios(ctx context.Context, filter PortfolioFilter) ([]*models.Portfolio, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.AccountID != nil {
		conditions = append(conditions, fmt.Sprintf("account_id = $%d", argIdx))
		args = append(args, *filter.AccountID)
		argIdx++
	}
	if len(filter.IDs) > 0 {
		conditions = append(conditions, fmt.Sprintf("id = ANY($%d::uuid[])", argIdx))
		args = append(args, uuidStrings(filter.IDs))
		argIdx++
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios
		 WHERE `+strings.Join(conditions, " AND ")+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("list portfolios: %w", err)
	}
	defer rows.Close()

	var out []*models.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, fmt.Errorf("scan portfolio: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const portfolioColumns = `id, account_id, name, description, risk_level, sectors, cash_balance, currency, created_at`

func scanPortfolio(row pgx.Row) (*models.Portfolio, error) {
	var p models.Portfolio
	err := row.Scan(&p.ID, &p.AccountID, &p.Name, &p.Description, &p.RiskLevel, &p.Sectors,
		&p.CashBalance, &p.Currency, &p.CreatedAt)
	return &p, err
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, id uuid.UUID) (*models.Portfolio, error) {
	p, err := scanPortfolio(s.pool.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio: %w", err)
	}
	return p, nil
}

// ListHoldings returns the positive positions of a portfolio with each
// security's latest stored close.
func (s *PostgresStore) ListHoldings(ctx context.Context, portfolioID uuid.UUID) ([]*models.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+securityColumns+`, ps.portfolio_id, ps.amount, ps.worth, ps.updated_at,
		   COALESCE(lp.close, 0), lp.date
		 FROM portfolio_securities ps
		 JOIN securities s ON s.id = ps.security_id
		 LEFT JOIN LATERAL (
		   SELECT sp.close, sp.date FROM security_prices sp
		   WHERE sp.security_id = s.id ORDER BY sp.date DESC LIMIT 1
		 ) lp ON TRUE
		 WHERE ps.portfolio_id = $1 AND ps.amount > 0
		 ORDER BY s.symbol`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	defer rows.Close()

	var out []*models.Holding
	for rows.Next() {
		var h models.Holding
		if err := scanSecurity(rows, &h.Security, &h.PortfolioID, &h.Amount, &h.Worth, &h.UpdatedAt,
			&h.LastClose, &h.PriceDate); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateHoldingWorth(ctx context.Context, portfolioID, securityID uuid.UUID, worth decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE portfolio_securities SET worth = $3, updated_at = NOW()
		 WHERE portfolio_id = $1 AND security_id = $2`,
		portfolioID, securityID, worth)
	if err != nil {
		return fmt.Errorf("update holding worth: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Valuation ---

// GetPriceOnOrBefore returns the latest bar dated on or before day.
func (s *PostgresStore) GetPriceOnOrBefore(ctx context.Context, securityID uuid.UUID, day time.Time) (*models.SecurityPrice, error) {
	p, err := scanPrice(s.pool.QueryRow(ctx,
		`SELECT `+priceColumns+` FROM security_prices
		 WHERE security_id = $1 AND date <= $2
		 ORDER BY date DESC LIMIT 1`, securityID, models.Day(day)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get price on or before: %w", err)
	}
	return p, nil
}

// ListPortfolioTransactions returns transactions dated on or before through,
// oldest first.
func (s *PostgresStore) ListPortfolioTransactions(ctx context.Context, portfolioID uuid.UUID, through time.Time) ([]*models.PortfolioTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio_id, security_id, action, amount, date, created_at
		 FROM portfolio_transactions
		 WHERE portfolio_id = $1 AND date <= $2
		 ORDER BY date, created_at`, portfolioID, models.Day(through))
	if err != nil {
		return nil, fmt.Errorf("list portfolio transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.PortfolioTransaction
	for rows.Next() {
		var tx models.PortfolioTransaction
		if err := rows.Scan(&tx.ID, &tx.PortfolioID, &tx.SecurityID, &tx.Action, &tx.Amount,
			&tx.Date, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan portfolio transaction: %w", err)
		}
		out = append(out, &tx)
	}
	return out, rows.Err()
}

// GetLiquidFundsOn returns the cash balance as of the end of day. A
// portfolio with no recorded balance has zero.
func (s *PostgresStore) GetLiquidFundsOn(ctx context.Context, portfolioID uuid.UUID, day time.Time) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM portfolio_liquidfunds
		 WHERE portfolio_id = $1 AND created_at < $2
		 ORDER BY created_at DESC LIMIT 1`,
		portfolioID, models.Day(day).Add(24*time.Hour)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get liquid funds: %w", err)
	}
	return balance, nil
}

// UpsertPortfolioValue records the value for a day, replacing any earlier
// value for the same day.
func (s *PostgresStore) UpsertPortfolioValue(ctx context.Context, v *models.PortfolioValue) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portfolio_history (portfolio_id, date, value, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (portfolio_id, date) DO UPDATE SET
		   value = EXCLUDED.value,
		   updated_at = EXCLUDED.updated_at`,
		v.PortfolioID, models.Day(v.Date), v.Value, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert portfolio value: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPortfolioValueDates(ctx context.Context, portfolioID uuid.UUID, from, to time.Time) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date FROM portfolio_history
		 WHERE portfolio_id = $1 AND date BETWEEN $2 AND $3
		 ORDER BY date`, portfolioID, models.Day(from), models.Day(to))
	if err != nil {
		return nil, fmt.Errorf("list portfolio value dates: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan portfolio value date: %w", err)
		}
		out = append(out, d.UTC())
	}
	return out, rows.Err()
}

// --- Assessments ---

func (s *PostgresStore) HasSecurityAssessmentOn(ctx context.Context, securityID uuid.UUID, day time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM security_assessments WHERE security_id = $1 AND assessed_on = $2)`,
		securityID, models.Day(day)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check security assessment: %w", err)
	}
	return exists, nil
}

// CreateSecurityAssessment returns ErrDuplicateKey when the security already
// has an assessment for a.AssessedOn.
func (s *PostgresStore) CreateSecurityAssessment(ctx context.Context, a *models.SecurityAssessment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO security_assessments (id, security_id, job_id, title, analysis, recommendation, assessed_on, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.SecurityID, a.JobID, a.Title, a.Analysis, a.Recommendation, models.Day(a.AssessedOn), a.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create security assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSecurityAssessments(ctx context.Context, securityIDs []uuid.UUID, since time.Time, limit int) ([]*models.SecurityAssessment, error) {
	if len(securityIDs) == 0 {
		return []*models.SecurityAssessment{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, security_id, job_id, title, analysis, recommendation, assessed_on, created_at
		 FROM security_assessments
		 WHERE security_id = ANY($1::uuid[]) AND created_at >= $2
		 ORDER BY created_at DESC LIMIT $3`,
		uuidStrings(securityIDs), since, normalizeLimit(limit, 50, 500))
	if err != nil {
		return nil, fmt.Errorf("list security assessments: %w", err)
	}
	defer rows.Close()

	var out []*models.SecurityAssessment
	for rows.Next() {
		var a models.SecurityAssessment
		if err := rows.Scan(&a.ID, &a.SecurityID, &a.JobID, &a.Title, &a.Analysis,
			&a.Recommendation, &a.AssessedOn, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan security assessment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HasPortfolioAnalysisOn(ctx context.Context, portfolioID uuid.UUID, day time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM portfolio_analyses WHERE portfolio_id = $1 AND analyzed_on = $2)`,
		portfolioID, models.Day(day)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check portfolio analysis: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreatePortfolioAnalysis(ctx context.Context, a *models.PortfolioAnalysis) error {
	actions, err := json.Marshal(a.Actions)
	if err != nil {
		return fmt.Errorf("marshal portfolio actions: %w", err)
	}
	risk, err := json.Marshal(a.RiskAssessment)
	if err != nil {
		return fmt.Errorf("marshal risk assessment: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO portfolio_analyses (id, portfolio_id, job_id, title, assessment, rating, actions, risk_assessment, analyzed_on, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.PortfolioID, a.JobID, a.Title, a.Assessment, a.Rating, actions, risk,
		models.Day(a.AnalyzedOn), a.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create portfolio analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPortfolioAnalyses(ctx context.Context, portfolioID uuid.UUID, limit int) ([]*models.PortfolioAnalysis, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio_id, job_id, title, assessment, rating, actions, risk_assessment, analyzed_on, created_at
		 FROM portfolio_analyses WHERE portfolio_id = $1
		 ORDER BY created_at DESC LIMIT $2`, portfolioID, normalizeLimit(limit, 3, 50))
	if err != nil {
		return nil, fmt.Errorf("list portfolio analyses: %w", err)
	}
	defer rows.Close()

	var out []*models.PortfolioAnalysis
	for rows.Next() {
		var (
			a             models.PortfolioAnalysis
			actions, risk []byte
		)
		if err := rows.Scan(&a.ID, &a.PortfolioID, &a.JobID, &a.Title, &a.Assessment, &a.Rating,
			&actions, &risk, &a.AnalyzedOn, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan portfolio analysis: %w", err)
		}
		if err := json.Unmarshal(actions, &a.Actions); err != nil {
			return nil, fmt.Errorf("decode portfolio actions: %w", err)
		}
		if err := json.Unmarshal(risk, &a.RiskAssessment); err != nil {
			return nil, fmt.Errorf("decode risk assessment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// --- Jobs ---

const jobColumns = `id, type, active, external_id, data, run_date, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j   models.Job
		raw []byte
	)
	if err := row.Scan(&j.ID, &j.Type, &j.Active, &j.ExternalID, &raw, &j.RunDate,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	data, err := models.DecodeJobData(j.Type, raw)
	if err != nil {
		return nil, err
	}
	j.Data = data
	return &j, nil
}

// CreateJob returns ErrDuplicateKey when an active job of the same type
// already exists for job.RunDate.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job.Data)
	if err != nil {
		return fmt.Errorf("marshal job data: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, type, active, external_id, data, run_date, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.Type, job.Active, job.ExternalID, data, models.Day(job.RunDate), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if len(filter.Types) > 0 {
		conditions = append(conditions, fmt.Sprintf("type = ANY($%d)", argIdx))
		args = append(args, filter.Types)
		argIdx++
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "active")
	}

	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at LIMIT $%d`,
		jobColumns, strings.Join(conditions, " AND "), argIdx)
	args = append(args, normalizeLimit(filter.Limit, 100, 500))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindActiveJobOn(ctx context.Context, jobType string, day time.Time) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE type = $1 AND active AND run_date = $2
		 ORDER BY created_at LIMIT 1`, jobType, models.Day(day)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJobData(ctx context.Context, id uuid.UUID, data models.JobPayload) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal job data: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET data = $2, updated_at = NOW() WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("update job data: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateJob writes the final payload and clears the active flag. It
// returns ErrNotFound when no active job with id exists, so a job can only
// be deactivated once.
func (s *PostgresStore) DeactivateJob(ctx context.Context, id uuid.UUID, data models.JobPayload) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal job data: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET active = FALSE, data = $2, updated_at = NOW() WHERE id = $1 AND active`, id, raw)
	if err != nil {
		return fmt.Errorf("deactivate job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- System Logs ---

func (s *PostgresStore) CreateSystemLog(ctx context.Context, entry *models.SystemLog) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal system log details: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO system_logs (id, level, source, message, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.Level, entry.Source, entry.Message, raw, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("create system log: %w", err)
	}
	return nil
}

func normalizeLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
