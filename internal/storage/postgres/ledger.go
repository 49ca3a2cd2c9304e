// Package postgres implements the ledger backend on PostgreSQL, using row
// locks (SELECT ... FOR UPDATE) as the lock scope.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/bobmcallan/coinledger/internal/common"
	"github.com/bobmcallan/coinledger/internal/interfaces"
	"github.com/bobmcallan/coinledger/internal/models"
)

const (
	walletColumns      = "user_id, balance, currency, created_at, updated_at"
	holdingColumns     = "user_id, symbol, coin_name, total_amount, avg_price, total_invested, created_at, updated_at"
	transactionColumns = "id, user_id, symbol, coin_name, type, amount, price, total_value, fee, created_at"
)

const (
	insertWalletSQL = `INSERT INTO wallets (` + walletColumns + `) VALUES ($1, $2, $3, $4, $4) ON CONFLICT (user_id) DO NOTHING`
	selectWalletSQL = `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`
	lockWalletSQL   = selectWalletSQL + ` FOR UPDATE`
	updateWalletSQL = `UPDATE wallets SET balance = $2, updated_at = $3 WHERE user_id = $1`

	selectHoldingSQL = `SELECT ` + holdingColumns + ` FROM holdings WHERE user_id = $1 AND symbol = $2`
	lockHoldingSQL   = selectHoldingSQL + ` FOR UPDATE`
	listHoldingsSQL  = `SELECT ` + holdingColumns + ` FROM holdings WHERE user_id = $1 AND total_amount > 0 ORDER BY symbol`
	upsertHoldingSQL = `INSERT INTO holdings (` + holdingColumns + `)
VALUES (:user_id, :symbol, :coin_name, :total_amount, :avg_price, :total_invested, :created_at, :updated_at)
ON CONFLICT (user_id, symbol) DO UPDATE SET
    coin_name = EXCLUDED.coin_name,
    total_amount = EXCLUDED.total_amount,
    avg_price = EXCLUDED.avg_price,
    total_invested = EXCLUDED.total_invested,
    updated_at = EXCLUDED.updated_at`
	deleteHoldingSQL = `DELETE FROM holdings WHERE user_id = $1 AND symbol = $2`

	insertTransactionSQL = `INSERT INTO transactions (` + transactionColumns + `)
VALUES (:id, :user_id, :symbol, :coin_name, :type, :amount, :price, :total_value, :fee, :created_at)`
	countTransactionsSQL = `SELECT COUNT(*) FROM transactions WHERE user_id = $1`
	listTransactionsSQL  = `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = $1
ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
)

// LedgerStore implements interfaces.LedgerStore on PostgreSQL.
type LedgerStore struct {
	db              *sqlx.DB
	startingBalance decimal.Decimal
	currency        string
	logger          *common.Logger
	now             func() time.Time
}

var _ interfaces.LedgerStore = (*LedgerStore)(nil)

// Open connects with cfg, sizes the pool and optionally runs migrations.
func Open(ctx context.Context, logger *common.Logger, cfg common.PostgresConfig, ledger common.LedgerConfig) (*LedgerStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.GetConnMaxLifetime())

	if cfg.Migrate {
		if err := Migrate(db.DB, logger); err != nil {
			db.Close()
			return nil, err
		}
	}

	logger.Info().Int("max_open_conns", cfg.MaxOpenConns).Msg("PostgreSQL ledger connected")
	return NewLedgerStore(db, logger, ledger), nil
}

// NewLedgerStore wraps an open connection pool.
func NewLedgerStore(db *sqlx.DB, logger *common.Logger, ledger common.LedgerConfig) *LedgerStore {
	return &LedgerStore{
		db:              db,
		startingBalance: ledger.GetStartingBalance(),
		currency:        ledger.Currency,
		logger:          logger,
		now:             time.Now,
	}
}

func (s *LedgerStore) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	if _, err := s.db.ExecContext(ctx, insertWalletSQL, userID, s.startingBalance, s.currency, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to ensure wallet for %s: %w", userID, err)
	}
	var w models.Wallet
	if err := s.db.GetContext(ctx, &w, selectWalletSQL, userID); err != nil {
		return nil, fmt.Errorf("failed to get wallet for %s: %w", userID, err)
	}
	return &w, nil
}

func (s *LedgerStore) GetHolding(ctx context.Context, userID, symbol string) (*models.Holding, error) {
	var h models.Holding
	if err := s.db.GetContext(ctx, &h, selectHoldingSQL, userID, symbol); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get holding %s for %s: %w", symbol, userID, err)
	}
	return &h, nil
}

func (s *LedgerStore) ListHoldings(ctx context.Context, userID string) ([]models.Holding, error) {
	holdings := []models.Holding{}
	if err := s.db.SelectContext(ctx, &holdings, listHoldingsSQL, userID); err != nil {
		return nil, fmt.Errorf("failed to list holdings for %s: %w", userID, err)
	}
	return holdings, nil
}

func (s *LedgerStore) ListTransactions(ctx context.Context, userID string, page, limit int) ([]models.Transaction, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, countTransactionsSQL, userID); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions for %s: %w", userID, err)
	}
	if page < 1 || limit < 1 {
		return []models.Transaction{}, total, nil
	}

	txs := []models.Transaction{}
	if err := s.db.SelectContext(ctx, &txs, listTransactionsSQL, userID, limit, (page-1)*limit); err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions for %s: %w", userID, err)
	}
	return txs, total, nil
}

func (s *LedgerStore) ApplyAtomic(ctx context.Context, userID, symbol string, fn interfaces.LedgerFunc) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn().Err(rbErr).Str("user_id", userID).Msg("Ledger rollback failed")
			}
		}
	}()

	// Wallet row first, then holding row: the same order for every trade.
	if _, err := tx.ExecContext(ctx, insertWalletSQL, userID, s.startingBalance, s.currency, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to ensure wallet: %w", err)
	}
	state := &models.LedgerState{}
	if err := tx.GetContext(ctx, &state.Wallet, lockWalletSQL, userID); err != nil {
		return fmt.Errorf("failed to lock wallet: %w", err)
	}
	var holding models.Holding
	switch err := tx.GetContext(ctx, &holding, lockHoldingSQL, userID, symbol); {
	case err == nil:
		state.Holding = &holding
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to lock holding: %w", err)
	}

	mutation, fnErr := fn(state)
	if fnErr != nil {
		return fnErr
	}
	if err := applyMutation(ctx, tx, userID, symbol, mutation); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger update for %s/%s: %w", userID, symbol, err)
	}
	committed = true
	return nil
}

func applyMutation(ctx context.Context, tx *sqlx.Tx, userID, symbol string, m *models.LedgerMutation) error {
	if m == nil {
		return nil
	}
	if m.Wallet != nil {
		if _, err := tx.ExecContext(ctx, updateWalletSQL, userID, m.Wallet.Balance, m.Wallet.UpdatedAt); err != nil {
			return fmt.Errorf("failed to write wallet: %w", err)
		}
	}

	if m.DeleteHolding {
		if _, err := tx.ExecContext(ctx, deleteHoldingSQL, userID, symbol); err != nil {
			return fmt.Errorf("failed to delete holding: %w", err)
		}
	} else if m.Holding != nil {
		h := *m.Holding
		h.UserID, h.Symbol = userID, symbol
		if _, err := tx.NamedExecContext(ctx, upsertHoldingSQL, h); err != nil {
			return fmt.Errorf("failed to write holding: %w", err)
		}
	}

	if m.Transaction != nil {
		t := *m.Transaction
		if t.ID == "" {
			return fmt.Errorf("transaction id is required")
		}
		t.UserID = userID
		if _, err := tx.NamedExecContext(ctx, insertTransactionSQL, t); err != nil {
			return fmt.Errorf("failed to append transaction: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *LedgerStore) Close() error {
	return s.db.Close()
}
