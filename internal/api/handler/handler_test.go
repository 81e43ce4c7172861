package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/pennypilot/internal/api/handler"
	mw "github.com/kiranshivaraju/pennypilot/internal/api/middleware"
	"github.com/kiranshivaraju/pennypilot/internal/assessment"
	"github.com/kiranshivaraju/pennypilot/internal/cache/memcache"
	"github.com/kiranshivaraju/pennypilot/internal/ingest"
	"github.com/kiranshivaraju/pennypilot/internal/jobs"
	"github.com/kiranshivaraju/pennypilot/internal/store/memstore"
	"github.com/kiranshivaraju/pennypilot/internal/valuation"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedDay = time.Date(2025, 3, 5, 14, 0, 0, 0, time.UTC)

// --- fakes ---

type fakeGenerator struct {
	res  *assessment.RunResult
	err  error
	reqs []assessment.Request
}

func (g *fakeGenerator) Run(_ context.Context, req assessment.Request) (*assessment.RunResult, error) {
	g.reqs = append(g.reqs, req)
	return g.res, g.err
}

type fakePoller struct {
	sum *jobs.PollSummary
	err error
}

func (p fakePoller) CheckAndComplete(context.Context) (*jobs.PollSummary, error) { return p.sum, p.err }

type fakeCanceller struct {
	err error
	got uuid.UUID
}

func (c *fakeCanceller) Cancel(_ context.Context, id uuid.UUID) (*jobs.CancelResult, error) {
	c.got = id
	if c.err != nil {
		return nil, c.err
	}
	return &jobs.CancelResult{Success: true, Message: "security_analysis job cancelled successfully", JobID: id}, nil
}

type priceRunner struct{ err error }

func (p priceRunner) Run(context.Context) (*ingest.PriceRefreshResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &ingest.PriceRefreshResult{Success: true, Message: "Outside market hours"}, nil
}

type newsRunner struct{ err error }

func (n newsRunner) Run(context.Context) (*ingest.NewsRefreshResult, error) {
	if n.err != nil {
		return nil, n.err
	}
	return &ingest.NewsRefreshResult{Success: true, Total: 2, NoNews: 2}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

// --- helpers ---

func call(h http.HandlerFunc, method, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	e, ok := decode(t, w)["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %s", w.Body.String())
	return e
}

func dataOf(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	d, ok := decode(t, w)["data"].(map[string]any)
	require.True(t, ok, "expected data envelope, got %s", w.Body.String())
	return d
}

func withSubscription(sc models.SubscriptionContext, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(w, r.WithContext(mw.SetSubscription(r.Context(), sc)))
	}
}

// ========================================
// Health
// ========================================

func TestHealth(t *testing.T) {
	w := call(handler.NewHealthHandler(pinger{}, pinger{}, "test"), "GET", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", dataOf(t, w)["status"])
}

func TestHealth_Degraded(t *testing.T) {
	w := call(handler.NewHealthHandler(pinger{}, pinger{errors.New("down")}, "test"), "GET", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	d := dataOf(t, w)
	assert.Equal(t, "degraded", d["status"])
	assert.Equal(t, "ok", d["database"])
	assert.Equal(t, "unavailable", d["redis"])
}

// ========================================
// Generate
// ========================================

func TestGenerate_DefaultsToBatching(t *testing.T) {
	jobID := uuid.New()
	gen := &fakeGenerator{res: &assessment.RunResult{
		Success: true,
		Message: "Batch submitted",
		Results: assessment.RunCounts{Total: 2, Submitted: 2, BatchID: "batch_1", JobID: &jobID},
	}}

	w := call(handler.NewGenerateHandler(gen, models.JobTypeSecurityAnalysis), "POST", "")

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, gen.reqs, 1)
	assert.True(t, gen.reqs[0].UseBatching)
	assert.Equal(t, models.JobTypeSecurityAnalysis, gen.reqs[0].JobType)
	results := dataOf(t, w)["results"].(map[string]any)
	assert.Equal(t, "batch_1", results["batch_id"])
	assert.Equal(t, jobID.String(), results["job_id"])
}

func TestGenerate_ImmediateMode(t *testing.T) {
	gen := &fakeGenerator{res: &assessment.RunResult{Success: true, Results: assessment.RunCounts{Total: 1, Processed: 1}}}

	w := call(handler.NewGenerateHandler(gen, models.JobTypePortfolioAnalysis), "POST", `{"useBatching":false}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, gen.reqs[0].UseBatching)
	assert.Nil(t, gen.reqs[0].AccountID)
}

func TestGenerate_AlreadyRunningIsNotAnError(t *testing.T) {
	gen := &fakeGenerator{res: &assessment.RunResult{Success: false, Message: "An active security_analysis job already exists for today"}}

	w := call(handler.NewGenerateHandler(gen, models.JobTypeSecurityAnalysis), "POST", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, dataOf(t, w)["success"])
}

func TestGenerate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		res    *assessment.RunResult
		err    error
		body   string
		status int
		code   string
	}{
		{"bad json", nil, nil, `{"useBatching":`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"not configured", nil, assessment.ErrNotConfigured, "", http.StatusInternalServerError, "CONFIGURATION_ERROR"},
		{"submit failed", &assessment.RunResult{Results: assessment.RunCounts{Total: 3}}, assessment.ErrBatchSubmitFailed, "", http.StatusInternalServerError, "BATCH_SUBMIT_FAILED"},
		{"store down", nil, errors.New("connection refused"), "", http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{res: tt.res, err: tt.err}
			w := call(handler.NewGenerateHandler(gen, models.JobTypeSecurityAnalysis), "POST", tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, errorOf(t, w)["code"])
		})
	}
}

func TestGenerate_SubmitFailedCarriesCounts(t *testing.T) {
	gen := &fakeGenerator{res: &assessment.RunResult{Results: assessment.RunCounts{Total: 3}}, err: assessment.ErrBatchSubmitFailed}

	w := call(handler.NewGenerateHandler(gen, models.JobTypeSecurityAnalysis), "POST", "")

	details := errorOf(t, w)["details"].(map[string]any)
	assert.Equal(t, float64(3), details["total"])
	assert.Equal(t, float64(0), details["submitted"])
}

func TestPortfolioAnalysis_ScopedToAccount(t *testing.T) {
	accountID := uuid.New()
	pid := uuid.New()
	gen := &fakeGenerator{res: &assessment.RunResult{Success: true}}
	sc := models.NewSubscriptionContext(accountID, &models.Subscription{Plan: models.PlanPro, Status: models.SubscriptionActive})

	h := withSubscription(sc, handler.NewPortfolioAnalysisHandler(gen))
	w := call(h, "POST", `{"portfolioIds":["`+pid.String()+`"]}`)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, gen.reqs, 1)
	req := gen.reqs[0]
	assert.Equal(t, models.JobTypePortfolioAnalysis, req.JobType)
	assert.False(t, req.UseBatching)
	require.NotNil(t, req.AccountID)
	assert.Equal(t, accountID, *req.AccountID)
	assert.Equal(t, []uuid.UUID{pid}, req.PortfolioIDs)
}

func TestPortfolioAnalysis_InvalidID(t *testing.T) {
	gen := &fakeGenerator{}
	sc := models.NewSubscriptionContext(uuid.New(), nil)

	w := call(withSubscription(sc, handler.NewPortfolioAnalysisHandler(gen)), "POST", `{"portfolioIds":["nope"]}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, gen.reqs)
}

func TestPortfolioAnalysis_NoSubscriptionContext(t *testing.T) {
	w := call(handler.NewPortfolioAnalysisHandler(&fakeGenerator{}), "POST", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ========================================
// Jobs
// ========================================

func TestCheckAndComplete(t *testing.T) {
	w := call(handler.NewCheckAndCompleteHandler(fakePoller{sum: &jobs.PollSummary{TotalJobs: 2, Completed: 1, Failed: 1}}), "POST", "")
	assert.Equal(t, http.StatusOK, w.Code)
	body := dataOf(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Processed 2 jobs: 1 completed, 1 failed", body["message"])
	results := body["results"].(map[string]any)
	assert.Equal(t, float64(2), results["total_jobs"])
	assert.Equal(t, float64(1), results["completed"])
	assert.Equal(t, float64(1), results["failed"])

	w = call(handler.NewCheckAndCompleteHandler(fakePoller{sum: &jobs.PollSummary{Details: []jobs.Detail{}}}), "POST", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "No active batch jobs found", dataOf(t, w)["message"])
	assert.Equal(t, float64(0), dataOf(t, w)["results"].(map[string]any)["total_jobs"])

	w = call(handler.NewCheckAndCompleteHandler(fakePoller{err: errors.New("db down")}), "POST", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCancelJob(t *testing.T) {
	id := uuid.New()
	c := &fakeCanceller{}

	w := call(handler.NewCancelJobHandler(c), "POST", `{"jobId":"`+id.String()+`"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, c.got)
	assert.Equal(t, true, dataOf(t, w)["success"])
}

func TestCancelJob_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{"missing id", `{}`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"empty body", "", nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"not a uuid", `{"jobId":"123"}`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"not found", `{"jobId":"` + uuid.NewString() + `"}`, jobs.ErrJobNotFound, http.StatusNotFound, "JOB_NOT_FOUND"},
		{"store down", `{"jobId":"` + uuid.NewString() + `"}`, errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := call(handler.NewCancelJobHandler(&fakeCanceller{err: tt.err}), "POST", tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, errorOf(t, w)["code"])
		})
	}
}

func seedJobs(t *testing.T) *memstore.Store {
	t.Helper()
	s := memstore.New()
	ctx := context.Background()
	day := models.Day(fixedDay)
	require.NoError(t, s.CreateJob(ctx, &models.Job{
		ID: uuid.New(), Type: models.JobTypeSecurityAnalysis, Active: true,
		Data: &models.SecurityAnalysisData{}, RunDate: day, CreatedAt: fixedDay,
	}))
	require.NoError(t, s.CreateJob(ctx, &models.Job{
		ID: uuid.New(), Type: models.JobTypePortfolioAnalysis, Active: true,
		Data: &models.PortfolioAnalysisData{}, RunDate: day, CreatedAt: fixedDay.Add(time.Minute),
	}))
	done := &models.Job{
		ID: uuid.New(), Type: models.JobTypeSecurityAnalysis, Active: true,
		Data: &models.SecurityAnalysisData{}, RunDate: day.AddDate(0, 0, -1), CreatedAt: fixedDay.Add(-24 * time.Hour),
	}
	require.NoError(t, s.CreateJob(ctx, done))
	require.NoError(t, s.DeactivateJob(ctx, done.ID, done.Data))
	return s
}

func TestListJobs(t *testing.T) {
	s := seedJobs(t)
	h := handler.NewListJobsHandler(s)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"active by default", "GET", "/", "", 2},
		{"type filter", "GET", "/?type=security_analysis", "", 1},
		{"include inactive", "GET", "/?include_inactive=true", "", 3},
		{"post body", "POST", "/", `{"type":"security_analysis","includeInactive":true}`, 2},
		{"post empty body", "POST", "/", "", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h(w, req)

			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			body := decode(t, w)
			assert.Len(t, body["data"], tt.want)
			assert.Equal(t, float64(tt.want), body["meta"].(map[string]any)["total"])
		})
	}
}

func TestListJobs_BadFilters(t *testing.T) {
	h := handler.NewListJobsHandler(memstore.New())
	for _, target := range []string{"/?type=price_refresh", "/?include_inactive=maybe"} {
		req := httptest.NewRequest("GET", target, nil)
		w := httptest.NewRecorder()
		h(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func getJob(h http.HandlerFunc, id string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Get("/jobs/{jobID}", h)
	req := httptest.NewRequest("GET", "/jobs/"+id, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetJob_WithLiveStatus(t *testing.T) {
	s := memstore.New()
	job := &models.Job{ID: uuid.New(), Type: models.JobTypeSecurityAnalysis, Active: true, Data: &models.SecurityAnalysisData{}, RunDate: models.Day(fixedDay)}
	require.NoError(t, s.CreateJob(context.Background(), job))
	mc := memcache.New()
	require.NoError(t, mc.SetJobStatus(context.Background(), job.ID, models.BatchInProgress, 0))

	w := getJob(handler.NewGetJobHandler(s, mc), job.ID.String())

	require.Equal(t, http.StatusOK, w.Code)
	d := dataOf(t, w)
	assert.Equal(t, job.ID.String(), d["id"])
	assert.Equal(t, models.BatchInProgress, d["live_status"])
	assert.Equal(t, true, d["active"])
}

func TestGetJob_CacheDownStillServes(t *testing.T) {
	s := memstore.New()
	job := &models.Job{ID: uuid.New(), Type: models.JobTypeSecurityAnalysis, Active: true, Data: &models.SecurityAnalysisData{}, RunDate: models.Day(fixedDay)}
	require.NoError(t, s.CreateJob(context.Background(), job))
	mc := memcache.New()
	mc.Err = errors.New("redis down")

	w := getJob(handler.NewGetJobHandler(s, mc), job.ID.String())

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, dataOf(t, w), "live_status")
}

func TestGetJob_Errors(t *testing.T) {
	h := handler.NewGetJobHandler(memstore.New(), memcache.New())

	w := getJob(h, "not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = getJob(h, uuid.NewString())
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "JOB_NOT_FOUND", errorOf(t, w)["code"])
}

// ========================================
// Ingest
// ========================================

func TestUpdatePrices(t *testing.T) {
	w := call(handler.NewUpdatePricesHandler(priceRunner{}), "POST", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Outside market hours", dataOf(t, w)["message"])

	w = call(handler.NewUpdatePricesHandler(priceRunner{err: ingest.ErrNotConfigured}), "POST", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "CONFIGURATION_ERROR", errorOf(t, w)["code"])

	w = call(handler.NewUpdatePricesHandler(priceRunner{err: errors.New("db down")}), "POST", "")
	assert.Equal(t, "INTERNAL_ERROR", errorOf(t, w)["code"])
}

func TestFetchNews(t *testing.T) {
	w := call(handler.NewFetchNewsHandler(newsRunner{}), "POST", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), dataOf(t, w)["no_news"])

	w = call(handler.NewFetchNewsHandler(newsRunner{err: ingest.ErrNotConfigured}), "POST", "")
	assert.Equal(t, "CONFIGURATION_ERROR", errorOf(t, w)["code"])
}

// ========================================
// Valuation
// ========================================

func valuationFixture(t *testing.T) (*memstore.Store, *models.Portfolio) {
	t.Helper()
	s := memstore.New()
	p := &models.Portfolio{AccountID: uuid.New(), Name: "Growth", CashBalance: decimal.NewFromInt(100), Currency: "USD", CreatedAt: fixedDay}
	s.AddPortfolio(p)
	sec := &models.Security{Symbol: "AAPL"}
	s.AddSecurity(sec)
	s.SetHolding(p.ID, sec.ID, decimal.NewFromInt(2))
	require.NoError(t, s.UpsertSecurityPrice(context.Background(), &models.SecurityPrice{
		SecurityID: sec.ID, Date: fixedDay, Close: decimal.NewFromInt(50),
	}))
	return s, p
}

func updateValue(h http.HandlerFunc, accountID uuid.UUID, portfolioID string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Post("/portfolios/{portfolioID}/update-value", h)
	req := httptest.NewRequest("POST", "/portfolios/"+portfolioID+"/update-value", nil)
	req = req.WithContext(mw.SetAccountID(req.Context(), accountID))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestUpdatePortfolioValue(t *testing.T) {
	s, p := valuationFixture(t)
	h := handler.NewUpdatePortfolioValueHandler(valuation.NewService(s).WithClock(func() time.Time { return fixedDay }))

	w := updateValue(h, p.AccountID, p.ID.String())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	d := dataOf(t, w)
	assert.Equal(t, true, d["success"])
	assert.Equal(t, "200", d["portfolioValue"])
	assert.Equal(t, "2025-03-05", d["date"])
	require.Len(t, d["securities"], 1)
}

func TestUpdatePortfolioValue_Errors(t *testing.T) {
	s, p := valuationFixture(t)
	h := handler.NewUpdatePortfolioValueHandler(valuation.NewService(s))

	w := updateValue(h, p.AccountID, "not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = updateValue(h, uuid.New(), p.ID.String())
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "PORTFOLIO_NOT_FOUND", errorOf(t, w)["code"])

	w = call(h, "POST", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUpdateAllValues(t *testing.T) {
	s, _ := valuationFixture(t)

	w := call(handler.NewUpdateAllValuesHandler(valuation.NewService(s)), "POST", "")
	require.Equal(t, http.StatusOK, w.Code)
	d := dataOf(t, w)
	assert.Equal(t, "Updated 1 portfolios", d["message"])
	results := d["results"].(map[string]any)
	assert.Equal(t, float64(1), results["updated"])
	assert.Equal(t, "200", results["total_value"])
}

func TestComputeHistory(t *testing.T) {
	s, p := valuationFixture(t)
	h := handler.NewComputeHistoryHandler(valuation.NewService(s).WithClock(func() time.Time { return fixedDay }))

	w := call(h, "POST", `{"portfolioIds":["`+p.ID.String()+`"],"startDate":"2025-03-04","endDate":"2025-03-05"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	d := dataOf(t, w)
	assert.Equal(t, true, d["success"])
	assert.Equal(t, float64(2), d["results"].(map[string]any)["total_days"])
}

func TestComputeHistory_BadRequests(t *testing.T) {
	h := handler.NewComputeHistoryHandler(valuation.NewService(memstore.New()))

	for name, body := range map[string]string{
		"bad json":       `{`,
		"bad id":         `{"portfolioIds":["x"]}`,
		"bad date":       `{"startDate":"03/01/2025"}`,
		"start past end": `{"startDate":"2025-03-05","endDate":"2025-03-01"}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := call(h, "POST", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_REQUEST", errorOf(t, w)["code"])
		})
	}
}
