// Package marketdata fetches end-of-day quotes from TwelveData.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/pennypilot/internal/retry"
	"github.com/shopspring/decimal"
)

var (
	ErrUnavailable  = errors.New("market data unavailable")
	ErrQuoteError   = errors.New("market data quote error")
	ErrInvalidQuote = errors.New("market data invalid quote")
)

// Quote is one OHLCV snapshot for a symbol.
type Quote struct {
	Symbol string
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// Client calls the TwelveData REST API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	policy  retry.Policy
}

func NewClient(baseURL, apiKey string, timeout time.Duration, policy retry.Policy) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		policy:  policy,
	}
}

// Configured reports whether an API key was provided.
func (c *Client) Configured() bool { return c.apiKey != "" }

// Quote fetches the latest quote for symbol with prices rounded to two
// decimals. Transport errors and 5xx responses are retried; API-level
// errors and malformed quotes are not.
func (c *Client) Quote(ctx context.Context, symbol string) (*Quote, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("apikey", c.apiKey)
	q.Set("dp", "2")
	endpoint := c.baseURL + "/quote?" + q.Encode()

	var out *Quote
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, err))
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return retry.Permanent(fmt.Errorf("%w: status %d: %s", ErrQuoteError, resp.StatusCode, strings.TrimSpace(string(body))))
		}

		var raw quoteResponse
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return retry.Permanent(fmt.Errorf("%w: decoding quote: %v", ErrInvalidQuote, err))
		}
		if raw.Status == "error" || raw.Code != 0 {
			msg := raw.Message
			if msg == "" {
				msg = strconv.Itoa(raw.Code)
			}
			return retry.Permanent(fmt.Errorf("%w: %s", ErrQuoteError, msg))
		}

		quote, err := raw.toQuote(symbol)
		if err != nil {
			return retry.Permanent(err)
		}
		out = quote
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", symbol, err)
	}
	return out, nil
}

type quoteResponse struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Open    string `json:"open"`
	High    string `json:"high"`
	Low     string `json:"low"`
	Close   string `json:"close"`
	Volume  string `json:"volume"`
}

func (r quoteResponse) toQuote(symbol string) (*Quote, error) {
	if r.Open == "" || r.High == "" || r.Low == "" || r.Close == "" {
		return nil, fmt.Errorf("%w: missing price fields", ErrInvalidQuote)
	}

	q := &Quote{Symbol: symbol}
	for _, f := range []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&q.Open, r.Open},
		{&q.High, r.High},
		{&q.Low, r.Low},
		{&q.Close, r.Close},
	} {
		d, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuote, err)
		}
		*f.dst = d
	}
	if !q.Close.IsPositive() {
		return nil, fmt.Errorf("%w: close %s", ErrInvalidQuote, q.Close)
	}

	if v := strings.ReplaceAll(r.Volume, ",", ""); v != "" {
		vol, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: volume %q", ErrInvalidQuote, r.Volume)
		}
		q.Volume = vol
	}
	return q, nil
}
