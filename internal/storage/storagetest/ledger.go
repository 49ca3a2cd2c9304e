// Package storagetest holds the behaviour every LedgerStore backend must share.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/coinledger/internal/interfaces"
	"github.com/bobmcallan/coinledger/internal/models"
)

// StartingBalance is the wallet balance factories must configure.
var StartingBalance = decimal.NewFromInt(100_000_000)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) interfaces.LedgerStore

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// RunLedgerStoreSuite exercises the LedgerStore contract against newStore.
func RunLedgerStoreSuite(t *testing.T, newStore Factory) {
	t.Run("WalletCreatedLazily", func(t *testing.T) { testWalletCreatedLazily(t, newStore(t)) })
	t.Run("HoldingAbsent", func(t *testing.T) { testHoldingAbsent(t, newStore(t)) })
	t.Run("ApplyAtomicCommitsAll", func(t *testing.T) { testApplyAtomicCommitsAll(t, newStore(t)) })
	t.Run("FuncErrorWritesNothing", func(t *testing.T) { testFuncErrorWritesNothing(t, newStore(t)) })
	t.Run("FailedCommitWritesNothing", func(t *testing.T) { testFailedCommitWritesNothing(t, newStore(t)) })
	t.Run("DeleteHolding", func(t *testing.T) { testDeleteHolding(t, newStore(t)) })
	t.Run("ListHoldingsPositiveSorted", func(t *testing.T) { testListHoldings(t, newStore(t)) })
	t.Run("ListTransactionsPaged", func(t *testing.T) { testListTransactions(t, newStore(t)) })
	t.Run("ConcurrentApplyNoLostUpdates", func(t *testing.T) { testConcurrentApply(t, newStore(t)) })
	t.Run("CancelledContext", func(t *testing.T) { testCancelledContext(t, newStore(t)) })
}

func buyMutation(state *models.LedgerState, symbol string, amount, price decimal.Decimal, at time.Time) *models.LedgerMutation {
	cost := amount.Mul(price)
	w := state.Wallet
	w.Balance = w.Balance.Sub(cost)
	w.UpdatedAt = at

	h := &models.Holding{Symbol: symbol, TotalAmount: amount, AvgPrice: price, TotalInvested: cost, CreatedAt: at, UpdatedAt: at}
	if state.Holding != nil {
		h = state.Holding
		h.TotalAmount = h.TotalAmount.Add(amount)
		h.TotalInvested = h.TotalInvested.Add(cost)
		h.AvgPrice = h.TotalInvested.Div(h.TotalAmount)
		h.UpdatedAt = at
	}
	return &models.LedgerMutation{
		Wallet:  &w,
		Holding: h,
		Transaction: &models.Transaction{
			ID: uuid.NewString(), Symbol: symbol, Type: models.TradeSideBuy,
			Amount: amount, Price: price, TotalValue: cost, Fee: decimal.Zero, CreatedAt: at,
		},
	}
}

func testWalletCreatedLazily(t *testing.T, store interfaces.LedgerStore) {
	ctx := context.Background()

	w, err := store.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(StartingBalance), "balance = %s", w.Balance)
	assert.Equal(t, "alice", w.UserID)

	again, err := store.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, again.Balance.Equal(w.Balance))
}

func testHoldingAbsent(t *testing.T, store interfaces.LedgerStore) {
	h, err := store.GetHolding(context.Background(), "alice", "BTC")
	require.NoError(t, err)
	assert.Nil(t, h)
}

func testApplyAtomicCommitsAll(t *testing.T, store interfaces.LedgerStore) {
	ctx := context.Background()
	now := time.Now().UTC()

	err := store.ApplyAtomic(ctx, "alice", "BTC", func(state *models.LedgerState) (*models.LedgerMutation, error) {
		assert.True(t, state.Wallet.Balance.Equal(StartingBalance))
		assert.Nil(t, state.Holding)
		return buyMutation(state, "BTC", d("2"), d("500000"), now), nil
	})
	require.NoError(t, err)

	w, err := store.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(d("99000000")), "balance = %s", w.Balance)

	h, err := store.GetHolding(ctx, "alice", "BTC")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.True(t, h.TotalAmount.Equal(d("2")))
	assert.True(t, h.AvgPrice.Equal(d("500000")))
	assert.True(t, h.TotalInvested.Equal(d("1000000")))

	txs, total, err := store.ListTransactions(ctx, "alice", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, txs, 1)
	assert.Equal(t, models.TradeSideBuy, txs[0].Type)
	assert.Equal(t, "alice", txs[0].UserID)

	// Second apply sees the committed holding under the lock.
	err = store.ApplyAtomic(ctx, "alice", "BTC", func(state *models.LedgerState) (*models.LedgerMutation, error) {
		require.NotNil(t, state.Holding)
		assert.True(t, state.Holding.TotalAmount.Equal(d("2")))
		return buyMutation(state, "BTC", d("2"), d("1000000"), now.Add(time.Second)), nil
	})
	require.NoError(t, err)

	h, err = store.GetHolding(ctx, "alice", "BTC")
	require.NoError(t, err)
	assert.True(t, h.TotalAmount.Equal(d("4")))
	assert.True(t, h.AvgPrice.Equal(d("750000")), "avg = %s", h.AvgPrice)
}

func testFuncErrorWritesNothing(t *testing.T, store interfaces.LedgerStore) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.ApplyAtomic(ctx, "bob", "ETH", func(state *models.LedgerState) (*models.LedgerMutation, error) {
		return nil, boom
	})
	require.Error(t, err)
	assert.Same(t, boom, err, "func error must be returned unchanged")

	w, err := store.GetWallet(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(StartingBalance))

	h, err := store.GetHolding(ctx, "bob", "ETH")
	require.NoError(t, err)
	assert.Nil(t, h)

	_, total, err := store.ListTransactions(ctx, "bob", 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
}

// testFailedCommitWritesNothing forces the transaction insert to fail after
// the wallet debit and holding upsert are queued in the same commit.
func testFailedCommitWritesNothing(t *testing.T, store interfaces.LedgerStore) {
	ctx := context.Background()
	now := time.Now().UTC()

	var firstID string
	require.NoError(t, store.ApplyAtomic(ctx, "ivan", "BTC", func(state *models.LedgerState) (*models.LedgerMutation, error) {
		m := buyMutation(state, "BTC", d("1"), d("50000"), now)
		firstID = m.Transaction.ID
		return m, nil
	}))

	err := store.ApplyAtomic(ctx, "ivan", "BTC", func(state *models.LedgerState) (*models.LedgerMutation, error) {
		m := buyMutation(state, "BTC", d("1"), d("60000"), now.Add(time.Second))
		m.Transaction.ID = firstID
		return m, nil
	})
	require.Error(t, err, "duplicate transaction id must fail the commit")

	w, err := store.GetWallet(ctx, "ivan")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(d("99950000")), "wallet debit must not persist, balance = %s", w.Balance)

	h, err := store.GetHolding(ctx, "ivan", "BTC")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.True(t, h.TotalAmount.Equal(d("1")), "amount = %s", h.TotalAmount)
	assert.True(t, h.TotalInvested.Equal(d("50000")), "invested = %s", h.TotalInvested)

	_, total, err := store.ListTransactions(ctx, "ivan", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func testDeleteHolding(t *testing.T, store interfaces.LedgerStore) {
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.ApplyAtomic(ctx, "carol", "SOL", func(state *models.LedgerState) (*models.LedgerMutation, error) {
		return buyMutation(state, "SOL", d("3"), d("1000"), now), nil
	}))

	require.NoError(t, store.ApplyAtomic(ctx, "carol", "SOL", func(state *models.LedgerState) (*models.LedgerMutation, error) {
		require.NotNil(t, state.Holding)
		w := state.Wallet
		w.Balance = w.Balance.Add(d("3000"))
		return &models.LedgerMutation{
			Wallet:        &w,
			DeleteHolding: true,
			Transaction: &models.Transaction{
				ID: uuid.NewString(), Symbol: "SOL", Type: models.TradeSideSell,
				Amount: d("3"), Price: d("1000"), TotalValue: d("3000"), Fee: decimal.Zero, CreatedAt: now.Add(time.Second),
			},
		}, nil
	}))

	h, err := store.GetHolding(ctx, "carol", "SOL")
	require.NoError(t, err)
	assert.Nil(t, h)

	holdings, err := store.ListHoldings(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, holdings)

	w, err := store.GetWallet(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(StartingBalance))

	_, total, err := store.ListTransactions(ctx, "carol", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total, "history survives full liquidation")
}

func testListHoldings(t *testing.T, store interfaces.LedgerStore) {
	ctx := context.Background()
	now := time.Now().UTC()

	for _, sym := range []string{"XRP", "BTC", "ETH"} {
		sym := sym
		require.NoError(t, store.ApplyAtomic(ctx, "dave", sym, func(state *models.LedgerState) (*models.LedgerMutation, error) {
			return buyMutation(state, sym, d("1"), d("100"), now), nil
		}))
	}
	// A zero-amount row must not be listed.
	require.NoError(t, store.ApplyAtomic(ctx, "dave", "XRP", func(state *models.LedgerState) (*models.LedgerMutation, error) {
		h := *state.Holding
		h.TotalAmount = decimal.Zero
		h.TotalInvested = decimal.Zero
		return &models.LedgerMutation{Holding: &h}, nil
	}))
	// Another user's holding is invisible.
	require.NoError(t, store.ApplyAtomic(ctx, "erin", "DOGE", func(state *models.LedgerState) (*models.LedgerMutation, error) {
		return buyMutation(state, "DOGE", d("1"), d("100"), now), nil
	}))

	holdings, err := store.ListHoldings(ctx, "dave")
	require.NoError(t, err)
	require.Len(t, holdings, 2)
	assert.Equal(t, "BTC", holdings[0].Symbol)
	assert.Equal(t, "ETH", holdings[1].Symbol)
}

func testListTransactions(t *testing.T, store interfaces.LedgerStore) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i := 1; i <= 5; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		price := decimal.NewFromInt(int64(i * 100))
		require.NoError(t, store.ApplyAtomic(ctx, "frank", "BTC", func(state *models.LedgerState) (*models.LedgerMutation, error) {
			return buyMutation(state, "BTC", d("1"), price, at), nil
		}))
	}

	txs, total, err := store.ListTransactions(ctx, "frank", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, txs, 2)
	assert.True(t, txs[0].Price.Equal(d("500")), "newest first, got %s", txs[0].Price)
	assert.True(t, txs[1].Price.Equal(d("400")))

	txs, _, err = store.ListTransactions(ctx, "frank", 3, 2)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Price.Equal(d("100")))

	txs, total, err = store.ListTransactions(ctx, "frank", 4, 2)
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Equal(t, 5, total)
}

func testConcurrentApply(t *testing.T, store interfaces.LedgerStore) {
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.ApplyAtomic(ctx, "gina", "BTC", func(state *models.LedgerState) (*models.LedgerMutation, error) {
				w := state.Wallet
				w.Balance = w.Balance.Sub(decimal.NewFromInt(1))
				return &models.LedgerMutation{Wallet: &w}, nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	w, err := store.GetWallet(ctx, "gina")
	require.NoError(t, err)
	want := StartingBalance.Sub(decimal.NewFromInt(n))
	assert.True(t, w.Balance.Equal(want), fmt.Sprintf("balance = %s, want %s", w.Balance, want))
}

func testCancelledContext(t *testing.T, store interfaces.LedgerStore) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.ApplyAtomic(ctx, "hana", "BTC", func(state *models.LedgerState) (*models.LedgerMutation, error) {
		called = true
		return nil, nil
	})
	require.Error(t, err)
	assert.False(t, called, "func must not run without the lock")
}
