package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/coinledger/internal/common"
	"github.com/bobmcallan/coinledger/internal/models"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newMockStore(t *testing.T) (*LedgerStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewLedgerStore(sqlx.NewDb(db, "postgres"), common.NewSilentLogger(), common.LedgerConfig{
		Currency:        "KRW",
		StartingBalance: "100000000",
	})
	store.now = func() time.Time { return fixedNow }
	return store, mock
}

func q(sql string) string { return regexp.QuoteMeta(sql) }

func walletRows(balance string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"user_id", "balance", "currency", "created_at", "updated_at"}).
		AddRow("alice", balance, "KRW", fixedNow, fixedNow)
}

func holdingRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"user_id", "symbol", "coin_name", "total_amount", "avg_price", "total_invested", "created_at", "updated_at"})
}

func TestGetWallet_CreatesWithStartingBalance(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(q(insertWalletSQL)).
		WithArgs("alice", decimal.NewFromInt(100000000), "KRW", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q(selectWalletSQL)).WithArgs("alice").WillReturnRows(walletRows("100000000"))

	w, err := store.GetWallet(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(100000000)))
	assert.Equal(t, "KRW", w.Currency)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetHolding_Absent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(q(selectHoldingSQL)).WithArgs("alice", "BTC").WillReturnRows(holdingRows())

	h, err := store.GetHolding(context.Background(), "alice", "BTC")
	require.NoError(t, err)
	assert.Nil(t, h)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyAtomic_CommitsInLockOrder(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q(insertWalletSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q(lockWalletSQL)).WithArgs("alice").WillReturnRows(walletRows("100000000"))
	mock.ExpectQuery(q(lockHoldingSQL)).WithArgs("alice", "BTC").WillReturnRows(holdingRows())
	mock.ExpectExec(q(updateWalletSQL)).
		WithArgs("alice", decimal.RequireFromString("99949750"), fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO holdings")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transactions")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.ApplyAtomic(context.Background(), "alice", "BTC", func(state *models.LedgerState) (*models.LedgerMutation, error) {
		assert.Nil(t, state.Holding)
		w := state.Wallet
		w.Balance = w.Balance.Sub(decimal.NewFromInt(50250))
		w.UpdatedAt = fixedNow
		return &models.LedgerMutation{
			Wallet:  &w,
			Holding: &models.Holding{TotalAmount: decimal.NewFromInt(1), AvgPrice: decimal.NewFromInt(50000), TotalInvested: decimal.NewFromInt(50000)},
			Transaction: &models.Transaction{
				ID: "0190a5b0-0000-7000-8000-000000000001", Type: models.TradeSideBuy,
				Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(50000),
				TotalValue: decimal.NewFromInt(50000), Fee: decimal.NewFromInt(250), CreatedAt: fixedNow,
			},
		}, nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyAtomic_FuncErrorRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	sentinel := models.NewInsufficientFunds(decimal.NewFromInt(10), decimal.NewFromInt(1))

	mock.ExpectBegin()
	mock.ExpectExec(q(insertWalletSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q(lockWalletSQL)).WillReturnRows(walletRows("1"))
	mock.ExpectQuery(q(lockHoldingSQL)).WillReturnRows(holdingRows())
	mock.ExpectRollback()

	err := store.ApplyAtomic(context.Background(), "alice", "BTC", func(state *models.LedgerState) (*models.LedgerMutation, error) {
		return nil, sentinel
	})
	assert.Same(t, sentinel, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyAtomic_DeleteHolding(t *testing.T) {
	store, mock := newMockStore(t)

	held := holdingRows().AddRow("alice", "ETH", "Ethereum", "2", "100", "200", fixedNow, fixedNow)

	mock.ExpectBegin()
	mock.ExpectExec(q(insertWalletSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q(lockWalletSQL)).WillReturnRows(walletRows("0"))
	mock.ExpectQuery(q(lockHoldingSQL)).WithArgs("alice", "ETH").WillReturnRows(held)
	mock.ExpectExec(q(deleteHoldingSQL)).WithArgs("alice", "ETH").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.ApplyAtomic(context.Background(), "alice", "ETH", func(state *models.LedgerState) (*models.LedgerMutation, error) {
		require.NotNil(t, state.Holding)
		assert.True(t, state.Holding.TotalAmount.Equal(decimal.NewFromInt(2)))
		return &models.LedgerMutation{DeleteHolding: true}, nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyAtomic_CommitFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q(insertWalletSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q(lockWalletSQL)).WillReturnRows(walletRows("10"))
	mock.ExpectQuery(q(lockHoldingSQL)).WillReturnRows(holdingRows())
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err := store.ApplyAtomic(context.Background(), "alice", "BTC", func(state *models.LedgerState) (*models.LedgerMutation, error) {
		return &models.LedgerMutation{}, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyAtomic_TransactionInsertFailureRollsBackDebit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q(insertWalletSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q(lockWalletSQL)).WillReturnRows(walletRows("100000000"))
	mock.ExpectQuery(q(lockHoldingSQL)).WillReturnRows(holdingRows())
	mock.ExpectExec(q(updateWalletSQL)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO holdings")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transactions")).
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "transactions_pkey"`))
	mock.ExpectRollback()

	err := store.ApplyAtomic(context.Background(), "alice", "BTC", func(state *models.LedgerState) (*models.LedgerMutation, error) {
		w := state.Wallet
		w.Balance = w.Balance.Sub(decimal.NewFromInt(50250))
		return &models.LedgerMutation{
			Wallet:  &w,
			Holding: &models.Holding{TotalAmount: decimal.NewFromInt(1), AvgPrice: decimal.NewFromInt(50000), TotalInvested: decimal.NewFromInt(50000)},
			Transaction: &models.Transaction{
				ID: "0190a5b0-0000-7000-8000-000000000001", Type: models.TradeSideBuy,
				Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(50000),
				TotalValue: decimal.NewFromInt(50000), Fee: decimal.NewFromInt(250), CreatedAt: fixedNow,
			},
		}, nil
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet(), "debit must be rolled back, never committed")
}

func TestApplyAtomic_LockFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q(insertWalletSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q(lockWalletSQL)).WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	called := false
	err := store.ApplyAtomic(context.Background(), "alice", "BTC", func(state *models.LedgerState) (*models.LedgerMutation, error) {
		called = true
		return nil, nil
	})
	require.Error(t, err)
	assert.False(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTransactions_Paged(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(q(countTransactionsSQL)).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(q(listTransactionsSQL)).WithArgs("alice", 2, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "symbol", "coin_name", "type", "amount", "price", "total_value", "fee", "created_at"}).
			AddRow("0190a5b0-0000-7000-8000-000000000001", "alice", "BTC", "Bitcoin", "buy", "1", "50000", "50000", "250", fixedNow))

	txs, total, err := store.ListTransactions(context.Background(), "alice", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, txs, 1)
	assert.Equal(t, models.TradeSideBuy, txs[0].Type)
	assert.True(t, txs[0].Fee.Equal(decimal.NewFromInt(250)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListHoldings(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(q(listHoldingsSQL)).WithArgs("alice").
		WillReturnRows(holdingRows().
			AddRow("alice", "BTC", "Bitcoin", "1", "50000", "50000", fixedNow, fixedNow).
			AddRow("alice", "ETH", "Ethereum", "2", "3000", "6000", fixedNow, fixedNow))

	holdings, err := store.ListHoldings(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, holdings, 2)
	assert.Equal(t, "BTC", holdings[0].Symbol)
	require.NoError(t, mock.ExpectationsWereMet())
}
