package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// HoldingView is one holding joined with its live price.
type HoldingView struct {
	Symbol        string          `json:"symbol"`
	CoinName      string          `json:"coin_name"`
	Amount        decimal.Decimal `json:"amount"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	PriceFromFeed bool            `json:"price_from_feed"` // false when avg price was used
	CurrentValue  decimal.Decimal `json:"current_value"`
	Profit        decimal.Decimal `json:"profit"`
	ProfitPercent decimal.Decimal `json:"profit_percent"`
	AllocationPct decimal.Decimal `json:"allocation_percent"`
	DisplayValue  string          `json:"display_value"`
	DisplayProfit string          `json:"display_profit"`
}

// PortfolioView is the read-only valuation of a user's wallet and holdings.
// Values are rounded for display; computation is done at full precision.
type PortfolioView struct {
	UserID              string          `json:"user_id"`
	Currency            string          `json:"currency"`
	Balance             decimal.Decimal `json:"balance"`
	Holdings            []HoldingView   `json:"holdings"`
	TotalValue          decimal.Decimal `json:"total_value"`
	TotalInvested       decimal.Decimal `json:"total_invested"`
	TotalProfit         decimal.Decimal `json:"total_profit"`
	TotalProfitPercent  decimal.Decimal `json:"total_profit_percent"`
	NetWorth            decimal.Decimal `json:"net_worth"` // balance + total value
	DiversityCount      int             `json:"diversity_count"`
	AveragePositionSize decimal.Decimal `json:"average_position_size"`
	FXRate              decimal.Decimal `json:"fx_rate"`
	TotalValueUSD       decimal.Decimal `json:"total_value_usd"`
	PricesAsOf          time.Time       `json:"prices_as_of"`
	PriceSource         PriceSource     `json:"price_source"`
	DisplayBalance      string          `json:"display_balance"`
	DisplayTotalValue   string          `json:"display_total_value"`
	DisplayNetWorth     string          `json:"display_net_worth"`
}
