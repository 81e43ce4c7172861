// Package news fetches recent headlines from Marketaux.
package news

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
	"github.com/kiranshivaraju/pennypilot/pkg/models"
)

var ErrUnavailable = errors.New("news service unavailable")

const (
	positiveThreshold = 0.2
	negativeThreshold = -0.2
)

// Article is a headline already reduced to what gets stored.
type Article struct {
	Summary     string
	URL         string
	PublishedAt time.Time
	Sentiment   *string
}

// Client calls the Marketaux news API.
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

// Headlines returns up to limit English articles tagged with symbol and
// published on or after since. Articles missing a summary or url are dropped.
func (c *Client) Headlines(ctx context.Context, symbol string, since time.Time, limit int) ([]Article, error) {
	q := url.Values{}
	q.Set("symbols", symbol)
	q.Set("filter_entities", "true")
	q.Set("language", "en")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("published_after", since.UTC().Format(time.DateOnly))
	q.Set("api_token", c.apiKey)
	endpoint := c.baseURL + "/v1/news/all?" + q.Encode()

	var raw newsResponse
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "PennyPilot/1.0")

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
			return retry.Permanent(fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body))))
		}

		raw = newsResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return retry.Permanent(fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err))
		}
		if raw.Error != nil {
			return retry.Permanent(fmt.Errorf("%w: %s", ErrUnavailable, raw.Error.Message))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("headlines %s: %w", symbol, err)
	}

	out := make([]Article, 0, len(raw.Data))
	for _, a := range raw.Data {
		summary := firstNonEmpty(a.Description, a.Snippet, a.Title)
		if summary == "" || a.URL == "" {
			continue
		}
		out = append(out, Article{
			Summary:     summary,
			URL:         a.URL,
			PublishedAt: a.PublishedAt,
			Sentiment:   MapSentiment(a.sentimentFor(symbol)),
		})
	}
	return out, nil
}

// MapSentiment buckets a Marketaux entity sentiment score. A nil score has
// no sentiment.
func MapSentiment(score *float64) *string {
	if score == nil {
		return nil
	}
	s := models.SentimentNeutral
	switch {
	case *score >= positiveThreshold:
		s = models.SentimentPositive
	case *score <= negativeThreshold:
		s = models.SentimentNegative
	}
	return &s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type newsResponse struct {
	Data  []article `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type article struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Snippet     string    `json:"snippet"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Entities    []struct {
		Symbol         string   `json:"symbol"`
		SentimentScore *float64 `json:"sentiment_score"`
	} `json:"entities"`
}

func (a article) sentimentFor(symbol string) *float64 {
	for _, e := range a.Entities {
		if strings.EqualFold(e.Symbol, symbol) {
			return e.SentimentScore
		}
	}
	return nil
}
