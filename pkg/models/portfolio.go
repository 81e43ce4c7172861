package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Portfolio is a named collection of holdings owned by an account.
type Portfolio struct {
	ID          uuid.UUID       `db:"id"           json:"id"`
	AccountID   uuid.UUID       `db:"account_id"   json:"account_id"`
	Name        string          `db:"name"         json:"name"`
	Description string          `db:"description"  json:"description,omitempty"`
	RiskLevel   string          `db:"risk_level"   json:"risk_level,omitempty"`
	Sectors     []string        `db:"sectors"      json:"sectors,omitempty"`
	CashBalance decimal.Decimal `db:"cash_balance" json:"cash_balance"`
	Currency    string          `db:"currency"     json:"currency"`
	CreatedAt   time.Time       `db:"created_at"   json:"created_at"`
}

// Holding is a position in one security. LastClose is the most recent
// stored close price, zero when no price exists yet, and PriceDate is the
// day of that close. Worth is the last recorded valuation of the position.
type Holding struct {
	PortfolioID uuid.UUID       `json:"portfolio_id"`
	Security    Security        `json:"security"`
	Amount      decimal.Decimal `json:"amount"`
	Worth       decimal.Decimal `json:"worth"`
	LastClose   decimal.Decimal `json:"last_close"`
	PriceDate   *time.Time      `json:"price_date,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Value is Amount times LastClose.
func (h Holding) Value() decimal.Decimal {
	return h.Amount.Mul(h.LastClose)
}

// PortfolioValue is the recorded total value of a portfolio on one day.
type PortfolioValue struct {
	PortfolioID uuid.UUID       `db:"portfolio_id" json:"portfolio_id"`
	Date        time.Time       `db:"date"         json:"date"`
	Value       decimal.Decimal `db:"value"        json:"value"`
	UpdatedAt   time.Time       `db:"updated_at"   json:"updated_at"`
}

const (
	TransactionBuy  = "buy"
	TransactionSell = "sell"
)

// PortfolioTransaction is a recorded buy or sell. Historical holdings are
// rebuilt by replaying these in date order.
type PortfolioTransaction struct {
	ID          uuid.UUID       `db:"id"           json:"id"`
	PortfolioID uuid.UUID       `db:"portfolio_id" json:"portfolio_id"`
	SecurityID  uuid.UUID       `db:"security_id"  json:"security_id"`
	Action      string          `db:"action"       json:"action"`
	Amount      decimal.Decimal `db:"amount"       json:"amount"`
	Date        time.Time       `db:"date"         json:"date"`
	CreatedAt   time.Time       `db:"created_at"   json:"created_at"`
}

// LiquidFundsEntry is one change to a portfolio's cash balance. Balance is
// the balance after the change.
type LiquidFundsEntry struct {
	ID          uuid.UUID       `db:"id"           json:"id"`
	PortfolioID uuid.UUID       `db:"portfolio_id" json:"portfolio_id"`
	Balance     decimal.Decimal `db:"balance"      json:"balance"`
	Change      decimal.Decimal `db:"change"       json:"change"`
	CreatedAt   time.Time       `db:"created_at"   json:"created_at"`
}
