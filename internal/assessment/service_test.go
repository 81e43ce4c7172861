package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pennypilot/internal/ai/mock"
	"github.com/kiranshivaraju/pennypilot/internal/store"
	"github.com/kiranshivaraju/pennypilot/internal/store/memstore"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 5, 14, 0, 0, 0, time.UTC)

// --- fakes ---

type fakeGateway struct {
	mu        sync.Mutex
	noKey     bool
	failSub   bool
	submitted [][]models.BatchRequest
	files     map[string]string
	cancelled []string
	// completer answers immediate-mode calls. nil means the canned mock.
	completer *mock.MockProvider
}

func (g *fakeGateway) Configured() bool { return !g.noKey }

func (g *fakeGateway) CompleteSync(ctx context.Context, req models.ChatRequest) *models.ChatResponse {
	p := g.completer
	if p == nil {
		p = mock.NewMockProvider()
	}
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil
	}
	return resp
}

func (g *fakeGateway) SubmitBatch(_ context.Context, reqs []models.BatchRequest) *models.BatchSubmission {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failSub {
		return nil
	}
	g.submitted = append(g.submitted, reqs)
	return &models.BatchSubmission{BatchID: "batch_1", FileID: "file-in", Status: models.BatchValidating}
}

func (g *fakeGateway) DownloadResults(_ context.Context, fileID string) *string {
	g.mu.Lock()
	defer g.mu.Unlock()
	content, ok := g.files[fileID]
	if !ok {
		return nil
	}
	return &content
}

func (g *fakeGateway) CancelBatch(_ context.Context, batchID string) models.CancelOutcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, batchID)
	return models.CancelOutcome{Cancelled: true, Status: models.BatchCancelling}
}

type fakeLocker struct {
	held     bool
	err      error
	released []string
}

func (l *fakeLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	if l.err != nil {
		return "", false, l.err
	}
	if l.held {
		return "", false, nil
	}
	return "tok", true, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, key, token string) error {
	l.released = append(l.released, key)
	return nil
}

// racingStore hides active jobs from the pre-submit guard so the insert
// itself hits the unique index.
type racingStore struct {
	*memstore.Store
	guardCalls int
}

func (r *racingStore) FindActiveJobOn(ctx context.Context, jobType string, day time.Time) (*models.Job, error) {
	r.guardCalls++
	if r.guardCalls == 1 {
		return nil, store.ErrNotFound
	}
	return r.Store.FindActiveJobOn(ctx, jobType, day)
}

// --- helpers ---

func seedSecurities(t *testing.T, symbols ...string) (*memstore.Store, map[string]*models.Security) {
	t.Helper()
	s := memstore.New()
	pid := uuid.New()
	secs := map[string]*models.Security{}
	for _, sym := range symbols {
		sec := &models.Security{Symbol: sym, Name: sym + " Corp", Exchange: "NASDAQ"}
		s.AddSecurity(sec)
		s.SetHolding(pid, sec.ID, decimal.NewFromInt(5))
		secs[sym] = sec
	}
	return s, secs
}

func newTestService(s store.Store, gw *fakeGateway, l *fakeLocker) *Service {
	return NewService(s, gw, l, Options{}).WithClock(func() time.Time { return fixedNow })
}

func securityJob(t *testing.T, s store.Store, svc *Service) *models.Job {
	t.Helper()
	res, err := svc.Run(context.Background(), Request{JobType: models.JobTypeSecurityAnalysis, UseBatching: true})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	require.NotNil(t, res.Results.JobID)
	job, err := s.GetJob(context.Background(), *res.Results.JobID)
	require.NoError(t, err)
	return job
}

func resultJSONL(t *testing.T, lines ...map[string]any) string {
	t.Helper()
	var out []string
	for _, l := range lines {
		raw, err := json.Marshal(l)
		require.NoError(t, err)
		out = append(out, string(raw))
	}
	return strings.Join(out, "\n") + "\n"
}

func okLine(customID, content string) map[string]any {
	return map[string]any{
		"custom_id": customID,
		"response": map[string]any{
			"status_code": 200,
			"body": map[string]any{
				"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
			},
		},
		"error": nil,
	}
}

const holdJSON = `{"title":"Steady","analysis":"Balanced outlook.","recommendation":"HOLD"}`

// --- Run: batch mode ---

func TestRun_NotConfigured(t *testing.T) {
	s, _ := seedSecurities(t, "AAPL")
	svc := newTestService(s, &fakeGateway{noKey: true}, &fakeLocker{})

	_, err := svc.Run(context.Background(), Request{JobType: models.JobTypeSecurityAnalysis, UseBatching: true})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRun_UnknownJobType(t *testing.T) {
	s, _ := seedSecurities(t, "AAPL")
	svc := newTestService(s, &fakeGateway{}, &fakeLocker{})

	_, err := svc.Run(context.Background(), Request{JobType: "weekly_digest"})
	assert.ErrorIs(t, err, models.ErrUnknownJobType)
}

func TestRunBatch_SubmitsOnlyUnassessedSecurities(t *testing.T) {
	s, secs := seedSecurities(t, "AAPL", "MSFT", "NVDA")
	require.NoError(t, s.CreateSecurityAssessment(context.Background(), &models.SecurityAssessment{
		ID: uuid.New(), SecurityID: secs["AAPL"].ID, Title: "t", Analysis: "a",
		Recommendation: "buy", AssessedOn: models.Day(fixedNow), CreatedAt: fixedNow,
	}))
	gw := &fakeGateway{}
	locker := &fakeLocker{}
	svc := newTestService(s, gw, locker)

	res, err := svc.Run(context.Background(), Request{JobType: models.JobTypeSecurityAnalysis, UseBatching: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Results.Total)
	assert.Equal(t, 2, res.Results.Submitted)
	assert.Equal(t, "batch_1", res.Results.BatchID)
	assert.Equal(t, "24 hours", res.Results.EstimatedCompletion)
	assert.Contains(t, res.Message, "Submitted batch job for 2 assessments")

	require.Len(t, gw.submitted, 1)
	var prompts []string
	for _, r := range gw.submitted[0] {
		assert.True(t, strings.HasPrefix(r.CustomID, "req_"))
		assert.Equal(t, "gpt-4o-mini", r.Body.Model)
		assert.NotNil(t, r.Body.Schema)
		prompts = append(prompts, r.Body.Messages[1].Content)
	}
	all := strings.Join(prompts, "\n")
	assert.Contains(t, all, "(MSFT)")
	assert.Contains(t, all, "(NVDA)")
	assert.NotContains(t, all, "(AAPL)")
	assert.Equal(t, []string{"lock:generate:security_analysis"}, locker.released)

	job, err := s.GetJob(context.Background(), *res.Results.JobID)
	require.NoError(t, err)
	assert.True(t, job.Active)
	require.NotNil(t, job.ExternalID)
	assert.Equal(t, "batch_1", *job.ExternalID)
	assert.Equal(t, models.Day(fixedNow), job.RunDate)

	data := job.Data.(*models.SecurityAnalysisData)
	assert.Equal(t, 2, data.TotalAssessments)
	assert.Equal(t, "file-in", data.FileID)
	assert.Equal(t, models.BatchValidating, data.Status)
	require.Len(t, data.SecurityMetadata, 2)
	for _, m := range data.SecurityMetadata {
		assert.NotEqual(t, secs["AAPL"].ID, m.SecurityID)
	}
}

func TestRunBatch_ActiveJobBlocksSecondSubmission(t *testing.T) {
	s, _ := seedSecurities(t, "AAPL")
	gw := &fakeGateway{}
	svc := newTestService(s, gw, &fakeLocker{})
	first := securityJob(t, s, svc)

	res, err := svc.Run(context.Background(), Request{JobType: models.JobTypeSecurityAnalysis, UseBatching: true})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "An active security_analysis job already exists for today", res.Message)
	require.NotNil(t, res.Results.JobID)
	assert.Equal(t, first.ID, *res.Results.JobID)
	assert.Len(t, gw.submitted, 1)
}

func TestRunBatch_LockHeldRefuses(t *testing.T) {
	s, _ := seedSecurities(t, "AAPL")
	gw := &fakeGateway{}
	svc := newTestService(s, gw, &fakeLocker{held: true})

	res, err := svc.Run(context.Background(), Request{JobType: models.JobTypeSecurityAnalysis, UseBatching: true})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Nil(t, res.Results.JobID)
	assert.Empty(t, gw.submitted)
}

func TestRunBatch_LockErrorProceeds(t *testing.T) {
	s, _ := seedSecurities(t, "AAPL")
	gw := &fakeGateway{}
	svc := newTestService(s, gw, &fakeLocker{err: errors.New("redis down")})

	res, err := svc.Run(context.Background(), Request{JobType: models.JobTypeSecurityAnalysis, UseBatching: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, gw.submitted, 1)
}

func TestRunBatch_NothingToDo(t *testing.T) {
	s := memstore.New()
	gw := &fakeGateway{}
	svc := newTestService(s, gw, &fakeLocker{})

	res, err := svc.Run(context.Background(), Request{JobType: models.JobTypeSecurityAnalysis, UseBatching: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "All securities already have recent assessments", res.Message)
	assert.Empty(t, gw.submitted)
}

func TestRunBatch_SubmitFailureCreatesNoJob(t *testing.T) {
	s, _ := seedSecurities(t, "AAPL")
	svc := newTestService(s, &fakeGateway{failSub: true}, &fakeLocker{})

	res, err := svc.Run(context.Background(), Request{JobType: models.JobTypeSecurityAnalysis, UseBatching: true})
	assert.ErrorIs(t, err, ErrBatchSubmitFailed)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Results.Submitted)

	jobs, err := s.ListJobs(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRunBatch_DuplicateInsertCancelsBatch(t *testing.T) {
	mem, _ := seedSecurities(t, "AAPL")
	existing := &models.Job{
		ID: uuid.New(), Type: models.JobTypeSecurityAnalysis, Active: true,
		Data: &models.SecurityAnalysisData{}, RunDate: models.Day(fixedNow),
	}
	require.NoError(t, mem.CreateJob(context.Background(), existing))

	rs := &racingStore{Store: mem}
	gw := &fakeGateway{}
	svc := newTestService(rs, gw, &fakeLocker{})

	res, err := svc.Run(context.Background(), Request{JobType: models.JobTypeSecurityAnalysis, UseBatching: true})
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.Results.JobID)
	assert.Equal(t, existing.ID, *res.Results.JobID)
	assert.Equal(t, []string{"batch_1"}, gw.cancelled)
}

func TestRunBatch_PortfolioScopedToAccount(t *testing.T) {
	s := memstore.New()
	acct := uuid.New()
	mine := &models.Portfolio{AccountID: acct, Name: "Growth", Currency: "USD", CashBalance: decimal.NewFromInt(500)}
	other := &models.Portfolio{AccountID: uuid.New(), Name: "Other"}
	s.AddPortfolio(mine)
	s.AddPortfolio(other)
	sec := &models.Security{Symbol: "AAPL", Name: "Apple"}
	s.AddSecurity(sec)
	s.SetHolding(mine.ID, sec.ID, decimal.NewFromInt(2))

	gw := &fakeGateway{}
	svc := newTestService(s, gw, &fakeLocker{})
	res, err := svc.Run(context.Background(), Request{
		JobType:     models.JobTypePortfolioAnalysis,
		UseBatching: true,
		AccountID:   &acct,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, gw.submitted, 1)
	require.Len(t, gw.submitted[0], 1)
	req := gw.submitted[0][0].Body
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, 2000, req.MaxTokens)
	assert.Contains(t, req.Messages[1].Content, "Name: Growth")
	assert.Contains(t, req.Messages[1].Content, "Liquid Funds Available: $500.00 (USD)")
}

// --- Run: immediate mode ---

func TestRunImmediate_StoresAssessments(t *testing.T) {
	s, _ := seedSecurities(t, "AAPL", "MSFT")
	svc := newTestService(s, &fakeGateway{}, &fakeLocker{})

	res, err := svc.Run(context.Background(), Request{JobType: models.JobTypeSecurityAnalysis})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Results.Processed)
	assert.Equal(t, 0, res.Results.Errors)
	assert.Equal(t, "Processed 2 security assessments with 0 errors", res.Message)
	require.Len(t, res.Details, 2)
	assert.Equal(t, ItemSuccess, res.Details[0].Status)

	stored := s.SecurityAssessments()
	require.Len(t, stored, 2)
	for _, a := range stored {
		assert.Nil(t, a.JobID)
		assert.Equal(t, "hold", a.Recommendation)
		assert.Equal(t, models.Day(fixedNow), a.AssessedOn)
	}
}

func TestRunImmediate_CompletionFailureIsItemError(t *testing.T) {
	s, _ := seedSecurities(t, "AAPL")
	svc := NewService(s, &fakeGateway{completer: mock.NewFailingProvider(errors.New("boom"))}, &fakeLocker{}, Options{}).
		WithClock(func() time.Time { return fixedNow })

	res, err := svc.Run(context.Background(), Request{JobType: models.JobTypeSecurityAnalysis})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Results.Errors)
	require.Len(t, res.Details, 1)
	assert.Equal(t, ItemError, res.Details[0].Status)
	assert.Equal(t, "Failed to generate analysis", res.Details[0].Reason)
	assert.Empty(t, s.SecurityAssessments())
}

func TestRunImmediate_InvalidStructure(t *testing.T) {
	s, _ := seedSecurities(t, "AAPL")
	bad := &mock.MockProvider{Name_: "bad", CompleteFunc: func(context.Context, models.ChatRequest) (*models.ChatResponse, error) {
		return &models.ChatResponse{Content: `{"title":"x","analysis":"y","recommendation":"strong_buy"}`}, nil
	}}
	svc := NewService(s, &fakeGateway{completer: bad}, &fakeLocker{}, Options{}).WithClock(func() time.Time { return fixedNow })

	res, err := svc.Run(context.Background(), Request{JobType: models.JobTypeSecurityAnalysis})
	require.NoError(t, err)
	require.Len(t, res.Details, 1)
	assert.Equal(t, "Invalid analysis structure from AI", res.Details[0].Reason)
}

func TestRunImmediate_PortfolioAnalysis(t *testing.T) {
	s := memstore.New()
	p := &models.Portfolio{AccountID: uuid.New(), Name: "Core", Currency: "USD"}
	s.AddPortfolio(p)
	svc := newTestService(s, &fakeGateway{}, &fakeLocker{})

	res, err := svc.Run(context.Background(), Request{JobType: models.JobTypePortfolioAnalysis})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Results.Processed)

	stored := s.PortfolioAnalyses()
	require.Len(t, stored, 1)
	assert.Equal(t, 7, stored[0].Rating)
	assert.Equal(t, p.ID, stored[0].PortfolioID)
}

func TestRunImmediate_ContextCancelledBetweenItems(t *testing.T) {
	s, _ := seedSecurities(t, "AAPL", "MSFT")
	svc := NewService(s, &fakeGateway{}, &fakeLocker{}, Options{ItemDelay: time.Hour}).
		WithClock(func() time.Time { return fixedNow })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Run(ctx, Request{JobType: models.JobTypeSecurityAnalysis})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewCustomID(t *testing.T) {
	a, b := newCustomID(), newCustomID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, len("req_")+32)
	assert.NotContains(t, a, "-")
}
