package interfaces

import (
	"context"
	"io"

	"github.com/shopspring/decimal"

	"github.com/bobmcallan/coinledger/internal/models"
)

// PriceFeed is the process-wide cached price source. It never fails for
// upstream unavailability; stale or fallback values are returned instead.
type PriceFeed interface {
	GetPrices(ctx context.Context) *models.PriceSnapshot

	// Quote returns the current price of one symbol, false if unknown.
	Quote(ctx context.Context, symbol string) (decimal.Decimal, bool)
}

// TradeService settles simulated trades against the ledger
type TradeService interface {
	Buy(ctx context.Context, userID, symbol, coinName string, amount, price decimal.Decimal) (*models.TradeResult, error)
	Sell(ctx context.Context, userID, symbol string, amount, price decimal.Decimal) (*models.TradeResult, error)

	// AddHolding records a manually entered position. It bypasses the
	// wallet, the fee model and the transaction log.
	AddHolding(ctx context.Context, userID, symbol, coinName string, amount, avgPrice decimal.Decimal) (*models.Holding, error)

	ListTransactions(ctx context.Context, userID string, page, limit int) (*models.TransactionPage, error)
}

// PortfolioService values a user's wallet and holdings at current prices
type PortfolioService interface {
	GetPortfolio(ctx context.Context, userID string) (*models.PortfolioView, error)

	// RenderAllocationChart writes a PNG pie chart of allocation by symbol.
	RenderAllocationChart(ctx context.Context, userID string, w io.Writer) error
}
