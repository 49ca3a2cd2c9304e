// Package trade settles simulated buy and sell orders against the ledger.
package trade

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bobmcallan/coinledger/internal/common"
	"github.com/bobmcallan/coinledger/internal/interfaces"
	"github.com/bobmcallan/coinledger/internal/metrics"
	"github.com/bobmcallan/coinledger/internal/models"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100

	maxSymbolLen   = 16
	maxCoinNameLen = 64
)

var _ interfaces.TradeService = (*Engine)(nil)

// Engine implements TradeService. All arithmetic is done at full decimal
// precision; rounding is left to presentation.
type Engine struct {
	store       interfaces.LedgerStore
	feeRate     decimal.Decimal
	lockTimeout time.Duration // 0 means bounded only by the caller's ctx
	logger      *common.Logger
	now         func() time.Time
	newID       func() (string, error)
}

// EngineOption configures the engine
type EngineOption func(*Engine)

// WithLockTimeout bounds how long a trade waits for and holds its lock scope.
func WithLockTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.lockTimeout = d
	}
}

// NewEngine creates a trade engine charging feeRate on both legs.
func NewEngine(store interfaces.LedgerStore, feeRate decimal.Decimal, logger *common.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   store,
		feeRate: feeRate,
		logger:  logger,
		now:     time.Now,
		newID:   newTransactionID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// apply runs fn inside the store's lock scope, bounded by the lock timeout.
func (e *Engine) apply(ctx context.Context, userID, symbol string, fn interfaces.LedgerFunc) error {
	if e.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.lockTimeout)
		defer cancel()
	}
	return e.store.ApplyAtomic(ctx, userID, symbol, fn)
}

// newTransactionID returns a time-ordered UUID so ids sort with created_at.
func newTransactionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Buy debits amount*price plus fee and adds amount to the holding at a
// re-weighted average cost.
func (e *Engine) Buy(ctx context.Context, userID, symbol, coinName string, amount, price decimal.Decimal) (*models.TradeResult, error) {
	start := time.Now()
	result, err := e.buy(ctx, userID, symbol, coinName, amount, price)
	e.record(models.TradeSideBuy, userID, symbol, start, err)
	return result, err
}

func (e *Engine) buy(ctx context.Context, userID, symbol, coinName string, amount, price decimal.Decimal) (*models.TradeResult, error) {
	symbol, coinName, err := validateTrade(userID, symbol, coinName, amount, price, "price")
	if err != nil {
		return nil, err
	}

	totalCost := amount.Mul(price)
	fee := totalCost.Mul(e.feeRate)
	totalWithFee := totalCost.Add(fee)

	var result *models.TradeResult
	err = e.apply(ctx, userID, symbol, func(state *models.LedgerState) (*models.LedgerMutation, error) {
		if state.Wallet.Balance.LessThan(totalWithFee) {
			return nil, models.NewInsufficientFunds(totalWithFee, state.Wallet.Balance)
		}
		now := e.now().UTC()
		txID, err := e.newID()
		if err != nil {
			return nil, err
		}

		wallet := state.Wallet
		wallet.Balance = wallet.Balance.Sub(totalWithFee)
		wallet.UpdatedAt = now

		var holding models.Holding
		if state.Holding != nil {
			holding = *state.Holding
			holding.TotalAmount = holding.TotalAmount.Add(amount)
			holding.TotalInvested = holding.TotalInvested.Add(totalCost)
			holding.AvgPrice = holding.TotalInvested.Div(holding.TotalAmount)
			if holding.CoinName == "" {
				holding.CoinName = coinName
			}
		} else {
			holding = models.Holding{
				UserID:        userID,
				Symbol:        symbol,
				CoinName:      coinName,
				TotalAmount:   amount,
				AvgPrice:      price,
				TotalInvested: totalCost,
				CreatedAt:     now,
			}
		}
		holding.UpdatedAt = now

		tx := models.Transaction{
			ID:         txID,
			UserID:     userID,
			Symbol:     symbol,
			CoinName:   holding.CoinName,
			Type:       models.TradeSideBuy,
			Amount:     amount,
			Price:      price,
			TotalValue: totalCost,
			Fee:        fee,
			CreatedAt:  now,
		}

		held := holding
		result = &models.TradeResult{
			Transaction:  tx,
			Balance:      wallet.Balance,
			Holding:      &held,
			TotalWithFee: &totalWithFee,
		}
		return &models.LedgerMutation{Wallet: &wallet, Holding: &holding, Transaction: &tx}, nil
	})
	if err != nil {
		return nil, e.storageError(err, "buy", userID, symbol)
	}
	return result, nil
}

// Sell credits amount*price less fee and releases the sold share of the cost
// basis. The average price of what remains is unchanged.
func (e *Engine) Sell(ctx context.Context, userID, symbol string, amount, price decimal.Decimal) (*models.TradeResult, error) {
	start := time.Now()
	result, err := e.sell(ctx, userID, symbol, amount, price)
	e.record(models.TradeSideSell, userID, symbol, start, err)
	return result, err
}

func (e *Engine) sell(ctx context.Context, userID, symbol string, amount, price decimal.Decimal) (*models.TradeResult, error) {
	symbol, _, err := validateTrade(userID, symbol, "", amount, price, "price")
	if err != nil {
		return nil, err
	}

	totalRevenue := amount.Mul(price)
	fee := totalRevenue.Mul(e.feeRate)
	netRevenue := totalRevenue.Sub(fee)

	var result *models.TradeResult
	err = e.apply(ctx, userID, symbol, func(state *models.LedgerState) (*models.LedgerMutation, error) {
		if state.Holding == nil {
			return nil, models.NewInsufficientHoldings(symbol, amount, decimal.Zero)
		}
		if state.Holding.TotalAmount.LessThan(amount) {
			return nil, models.NewInsufficientHoldings(symbol, amount, state.Holding.TotalAmount)
		}
		now := e.now().UTC()
		txID, err := e.newID()
		if err != nil {
			return nil, err
		}
		old := *state.Holding

		remainingAmount := old.TotalAmount.Sub(amount)
		soldInvestment := old.TotalInvested
		if !remainingAmount.IsZero() {
			soldInvestment = old.TotalInvested.Mul(amount).Div(old.TotalAmount)
		}
		remainingInvestment := old.TotalInvested.Sub(soldInvestment)
		realizedProfit := netRevenue.Sub(soldInvestment)

		mutation := &models.LedgerMutation{}
		var remaining *models.Holding
		if remainingAmount.IsZero() {
			mutation.DeleteHolding = true
		} else {
			h := old
			h.TotalAmount = remainingAmount
			h.TotalInvested = remainingInvestment
			h.UpdatedAt = now
			mutation.Holding = &h
			held := h
			remaining = &held
		}

		wallet := state.Wallet
		wallet.Balance = wallet.Balance.Add(netRevenue)
		wallet.UpdatedAt = now
		mutation.Wallet = &wallet

		tx := models.Transaction{
			ID:         txID,
			UserID:     userID,
			Symbol:     symbol,
			CoinName:   old.CoinName,
			Type:       models.TradeSideSell,
			Amount:     amount,
			Price:      price,
			TotalValue: totalRevenue,
			Fee:        fee,
			CreatedAt:  now,
		}
		mutation.Transaction = &tx

		result = &models.TradeResult{
			Transaction:    tx,
			Balance:        wallet.Balance,
			Holding:        remaining,
			NetRevenue:     &netRevenue,
			RealizedProfit: &realizedProfit,
		}
		return mutation, nil
	})
	if err != nil {
		return nil, e.storageError(err, "sell", userID, symbol)
	}
	return result, nil
}

// AddHolding records a position the user already owns outside the simulator.
// It never touches the balance and is not written to the transaction log.
func (e *Engine) AddHolding(ctx context.Context, userID, symbol, coinName string, amount, avgPrice decimal.Decimal) (*models.Holding, error) {
	symbol, coinName, err := validateTrade(userID, symbol, coinName, amount, avgPrice, "avg_price")
	if err != nil {
		return nil, err
	}

	var added *models.Holding
	err = e.apply(ctx, userID, symbol, func(state *models.LedgerState) (*models.LedgerMutation, error) {
		if state.Holding != nil {
			return nil, models.NewAlreadyHeld(symbol)
		}
		now := e.now().UTC()
		h := models.Holding{
			UserID:        userID,
			Symbol:        symbol,
			CoinName:      coinName,
			TotalAmount:   amount,
			AvgPrice:      avgPrice,
			TotalInvested: amount.Mul(avgPrice),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		out := h
		added = &out
		return &models.LedgerMutation{Holding: &h}, nil
	})
	if err != nil {
		return nil, e.storageError(err, "add holding", userID, symbol)
	}

	e.logger.Info().
		Str("user_id", userID).
		Str("symbol", symbol).
		Str("amount", amount.String()).
		Str("avg_price", avgPrice.String()).
		Msg("Manual holding added")
	return added, nil
}

// ListTransactions returns one page of history, newest first. page defaults
// to 1; limit defaults to DefaultPageLimit and is capped at MaxPageLimit.
func (e *Engine) ListTransactions(ctx context.Context, userID string, page, limit int) (*models.TransactionPage, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, models.NewInvalidInput("user id is required")
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	txs, total, err := e.store.ListTransactions(ctx, userID, page, limit)
	if err != nil {
		return nil, e.storageError(err, "list transactions", userID, "")
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	return &models.TransactionPage{
		Transactions: txs,
		Page:         page,
		Limit:        limit,
		Total:        total,
	}, nil
}

// storageError passes ledger errors through and converts anything else into
// a retryable StorageFailure, logging the cause.
func (e *Engine) storageError(err error, op, userID, symbol string) error {
	var le *models.LedgerError
	if errors.As(err, &le) {
		return le
	}
	e.logger.Error().Err(err).Str("op", op).Str("user_id", userID).Str("symbol", symbol).Msg("Ledger storage failure")
	return models.NewStorageFailure(err)
}

func (e *Engine) record(side models.TradeSide, userID, symbol string, start time.Time, err error) {
	elapsed := time.Since(start)
	if err == nil {
		metrics.RecordTrade(string(side), "ok", elapsed)
		e.logger.Info().
			Str("side", string(side)).
			Str("user_id", userID).
			Str("symbol", normaliseSymbol(symbol)).
			Dur("elapsed", elapsed).
			Msg("Trade settled")
		return
	}

	code := string(models.CodeStorageFailure)
	var le *models.LedgerError
	if errors.As(err, &le) {
		code = string(le.Code)
	}
	metrics.RecordTrade(string(side), code, elapsed)
	e.logger.Debug().Str("side", string(side)).Str("user_id", userID).Str("code", code).Msg("Trade rejected")
}
