package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/coinledger/internal/models"
)

// LedgerFunc computes the writes for one trade from the locked state.
// Returning an error aborts the lock scope without writing anything.
type LedgerFunc func(state *models.LedgerState) (*models.LedgerMutation, error)

// LedgerStore persists wallets, holdings and the transaction log and owns the
// per-key lock scope that keeps concurrent trades consistent.
type LedgerStore interface {
	// GetWallet returns the user's wallet, creating it with the starting
	// balance when absent.
	GetWallet(ctx context.Context, userID string) (*models.Wallet, error)

	// GetHolding returns nil, nil when the user holds none of symbol.
	GetHolding(ctx context.Context, userID, symbol string) (*models.Holding, error)

	// ListHoldings returns holdings with a positive amount, ordered by symbol.
	ListHoldings(ctx context.Context, userID string) ([]models.Holding, error)

	// ListTransactions returns one page (1-based) newest first and the total count.
	ListTransactions(ctx context.Context, userID string, page, limit int) ([]models.Transaction, int, error)

	// ApplyAtomic locks the wallet then the (user, symbol) holding, reads both,
	// passes them to fn and commits fn's mutation all-or-nothing. An error
	// from fn is returned unchanged. Locks are released on every path.
	ApplyAtomic(ctx context.Context, userID, symbol string, fn LedgerFunc) error

	Close() error
}

// PriceSnapshotCache shares the latest price snapshot between processes.
type PriceSnapshotCache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context) (*models.PriceSnapshot, error)
	Put(ctx context.Context, snapshot *models.PriceSnapshot, ttl time.Duration) error
	Close() error
}
