// Package models defines data structures for coinledger
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide is the direction of a ledger transaction.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// Wallet is a user's simulated cash balance. One per user.
type Wallet struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Currency  string          `json:"currency" db:"currency"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Holding is a user's open position in one symbol.
// AvgPrice == TotalInvested / TotalAmount while TotalAmount > 0.
type Holding struct {
	UserID        string          `json:"user_id" db:"user_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	CoinName      string          `json:"coin_name" db:"coin_name"`
	TotalAmount   decimal.Decimal `json:"total_amount" db:"total_amount"`
	AvgPrice      decimal.Decimal `json:"avg_price" db:"avg_price"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"` // cost basis of units still held
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable trade record. Never updated or deleted.
type Transaction struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	CoinName   string          `json:"coin_name,omitempty" db:"coin_name"`
	Type       TradeSide       `json:"type" db:"type"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Price      decimal.Decimal `json:"price" db:"price"`
	TotalValue decimal.Decimal `json:"total_value" db:"total_value"` // amount * price, before fee
	Fee        decimal.Decimal `json:"fee" db:"fee"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// LedgerState is the locked view of the rows a trade may touch.
// Holding is nil when the user holds none of the symbol.
type LedgerState struct {
	Wallet  Wallet
	Holding *Holding
}

// LedgerMutation is the precomputed set of writes committed all-or-nothing.
// A nil Wallet leaves the balance untouched; DeleteHolding removes the
// (user, symbol) row; a nil Transaction appends nothing.
type LedgerMutation struct {
	Wallet        *Wallet
	Holding       *Holding
	DeleteHolding bool
	Transaction   *Transaction
}

// TradeResult is returned to callers after a settled Buy or Sell.
type TradeResult struct {
	Transaction    Transaction      `json:"transaction"`
	Balance        decimal.Decimal  `json:"balance"`
	Holding        *Holding         `json:"holding,omitempty"`         // nil after full liquidation
	TotalWithFee   *decimal.Decimal `json:"total_with_fee,omitempty"`  // buy only
	NetRevenue     *decimal.Decimal `json:"net_revenue,omitempty"`     // sell only
	RealizedProfit *decimal.Decimal `json:"realized_profit,omitempty"` // sell only
}

// TransactionPage is one page of a user's transaction history, newest first.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	Page         int           `json:"page"`
	Limit        int           `json:"limit"`
	Total        int           `json:"total"`
}
