package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/pennypilot/internal/retry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, "td-key", 5*time.Second, fastRetry)
}

func TestQuote_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		assert.Equal(t, "td-key", r.URL.Query().Get("apikey"))
		assert.Equal(t, "2", r.URL.Query().Get("dp"))
		w.Write([]byte(`{"symbol":"AAPL","open":"189.10","high":"191.50","low":"188.00","close":"190.25","volume":"52,123,400"}`))
	})

	q, err := c.Quote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Close.Equal(decimal.RequireFromString("190.25")))
	assert.True(t, q.Open.Equal(decimal.RequireFromString("189.1")))
	assert.Equal(t, int64(52123400), q.Volume)
}

func TestQuote_APIErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"code":400,"message":"symbol not found","status":"error"}`))
	})

	_, err := c.Quote(context.Background(), "NOPE")
	require.ErrorIs(t, err, ErrQuoteError)
	assert.Contains(t, err.Error(), "symbol not found")
	assert.Equal(t, int32(1), calls.Load())
}

func TestQuote_InvalidQuotes(t *testing.T) {
	for name, body := range map[string]string{
		"zero close":     `{"open":"1","high":"1","low":"1","close":"0"}`,
		"negative close": `{"open":"1","high":"1","low":"1","close":"-3"}`,
		"missing fields": `{"close":"10"}`,
		"bad number":     `{"open":"x","high":"1","low":"1","close":"1"}`,
		"not json":       `<html>`,
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			})
			_, err := c.Quote(context.Background(), "AAPL")
			assert.ErrorIs(t, err, ErrInvalidQuote)
		})
	}
}

func TestQuote_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"open":"1","high":"2","low":"1","close":"2"}`))
	})

	q, err := c.Quote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Volume)
	assert.Equal(t, int32(3), calls.Load())
}

func TestQuote_ExhaustedRetries(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Quote(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestConfigured(t *testing.T) {
	assert.True(t, NewClient("http://x", "k", time.Second, fastRetry).Configured())
	assert.False(t, NewClient("http://x", "", time.Second, fastRetry).Configured())
}
