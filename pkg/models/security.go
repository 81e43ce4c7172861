package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Security is a tradable instrument referenced by portfolio holdings.
type Security struct {
	ID            uuid.UUID  `db:"id"              json:"id"`
	Symbol        string     `db:"symbol"          json:"symbol"`
	Name          string     `db:"name"            json:"name"`
	Exchange      string     `db:"exchange"        json:"exchange"`
	Sector        string     `db:"sector"          json:"sector,omitempty"`
	Industry      string     `db:"industry"        json:"industry,omitempty"`
	AssetType     string     `db:"asset_type"      json:"asset_type,omitempty"`
	LastNewsFetch *time.Time `db:"last_news_fetch" json:"last_news_fetch,omitempty"`
	CreatedAt     time.Time  `db:"created_at"      json:"created_at"`
}

// SecurityPrice is one daily OHLCV bar.
type SecurityPrice struct {
	ID         uuid.UUID       `db:"id"          json:"id"`
	SecurityID uuid.UUID       `db:"security_id" json:"security_id"`
	Date       time.Time       `db:"date"        json:"date"`
	Open       decimal.Decimal `db:"open"        json:"open"`
	High       decimal.Decimal `db:"high"        json:"high"`
	Low        decimal.Decimal `db:"low"         json:"low"`
	Close      decimal.Decimal `db:"close"       json:"close"`
	Volume     int64           `db:"volume"      json:"volume"`
	Source     string          `db:"source"      json:"source"`
	CreatedAt  time.Time       `db:"created_at"  json:"created_at"`
}

const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// NewsArticle is a headline attached to a security.
type NewsArticle struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	SecurityID  uuid.UUID `db:"security_id"  json:"security_id"`
	Summary     string    `db:"summary"      json:"summary"`
	URL         string    `db:"url"          json:"url"`
	PublishedAt time.Time `db:"published_at" json:"published_at"`
	Sentiment   *string   `db:"sentiment"    json:"sentiment,omitempty"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
}
