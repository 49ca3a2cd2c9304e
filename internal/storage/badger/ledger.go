package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/shopspring/decimal"
	"github.com/timshannon/badgerhold/v4"

	"github.com/bobmcallan/coinledger/internal/common"
	"github.com/bobmcallan/coinledger/internal/interfaces"
	"github.com/bobmcallan/coinledger/internal/models"
	"github.com/bobmcallan/coinledger/internal/storage/lockscope"
)

// LedgerStore implements interfaces.LedgerStore on an embedded BadgerHold
// database. Badger has no row locks, so the lock scope is an in-process
// KeyLocker and every commit is a single read-write Badger transaction.
type LedgerStore struct {
	store           *Store
	locks           *lockscope.KeyLocker
	startingBalance decimal.Decimal
	currency        string
	logger          *common.Logger
	now             func() time.Time
}

var _ interfaces.LedgerStore = (*LedgerStore)(nil)

// NewLedgerStore opens (or creates) the ledger at path.
func NewLedgerStore(logger *common.Logger, path string, ledger common.LedgerConfig) (*LedgerStore, error) {
	store, err := NewStore(logger, path)
	if err != nil {
		return nil, err
	}
	return &LedgerStore{
		store:           store,
		locks:           lockscope.New(),
		startingBalance: ledger.GetStartingBalance(),
		currency:        ledger.Currency,
		logger:          logger,
		now:             time.Now,
	}, nil
}

func holdingKey(userID, symbol string) string {
	return userID + "\x00" + symbol
}

func (s *LedgerStore) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.store.db.Get(userID, &wallet)
	if err == nil {
		return &wallet, nil
	}
	if !errors.Is(err, badgerhold.ErrNotFound) {
		return nil, fmt.Errorf("failed to get wallet for %s: %w", userID, err)
	}

	// Create under the wallet lock so two first requests agree on one row.
	release, err := s.locks.Lock(ctx, lockscope.WalletKey(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet for %s: %w", userID, err)
	}
	defer release()

	err = s.store.db.Badger().Update(func(tx *badger.Txn) error {
		w, err := s.txWallet(tx, userID)
		if err != nil {
			return err
		}
		wallet = *w
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet for %s: %w", userID, err)
	}
	return &wallet, nil
}

func (s *LedgerStore) GetHolding(_ context.Context, userID, symbol string) (*models.Holding, error) {
	var holding models.Holding
	if err := s.store.db.Get(holdingKey(userID, symbol), &holding); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get holding %s for %s: %w", symbol, userID, err)
	}
	return &holding, nil
}

func (s *LedgerStore) ListHoldings(_ context.Context, userID string) ([]models.Holding, error) {
	var all []models.Holding
	if err := s.store.db.Find(&all, badgerhold.Where("UserID").Eq(userID)); err != nil {
		return nil, fmt.Errorf("failed to list holdings for %s: %w", userID, err)
	}

	holdings := make([]models.Holding, 0, len(all))
	for _, h := range all {
		if h.TotalAmount.IsPositive() {
			holdings = append(holdings, h)
		}
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Symbol < holdings[j].Symbol })
	return holdings, nil
}

func (s *LedgerStore) ListTransactions(_ context.Context, userID string, page, limit int) ([]models.Transaction, int, error) {
	total, err := s.store.db.Count(&models.Transaction{}, badgerhold.Where("UserID").Eq(userID))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions for %s: %w", userID, err)
	}
	if page < 1 || limit < 1 || uint64((page-1)*limit) >= total {
		return []models.Transaction{}, int(total), nil
	}

	txs := []models.Transaction{}
	query := badgerhold.Where("UserID").Eq(userID).
		SortBy("CreatedAt", "ID").Reverse().
		Skip((page - 1) * limit).Limit(limit)
	if err := s.store.db.Find(&txs, query); err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions for %s: %w", userID, err)
	}
	return txs, int(total), nil
}

func (s *LedgerStore) ApplyAtomic(ctx context.Context, userID, symbol string, fn interfaces.LedgerFunc) error {
	release, err := s.locks.LockAll(ctx, lockscope.WalletKey(userID), lockscope.HoldingKey(userID, symbol))
	if err != nil {
		return fmt.Errorf("failed to acquire ledger lock for %s/%s: %w", userID, symbol, err)
	}
	defer release()

	var fnErr error
	err = s.store.db.Badger().Update(func(tx *badger.Txn) error {
		wallet, err := s.txWallet(tx, userID)
		if err != nil {
			return err
		}

		state := &models.LedgerState{Wallet: *wallet}
		var holding models.Holding
		switch err := s.store.db.TxGet(tx, holdingKey(userID, symbol), &holding); {
		case err == nil:
			state.Holding = &holding
		case !errors.Is(err, badgerhold.ErrNotFound):
			return fmt.Errorf("failed to read holding: %w", err)
		}

		mutation, err := fn(state)
		if err != nil {
			fnErr = err
			return err
		}
		return s.txApply(tx, userID, symbol, mutation)
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return fmt.Errorf("failed to commit ledger update for %s/%s: %w", userID, symbol, err)
	}
	return nil
}

// txWallet reads the wallet inside tx, inserting it with the starting
// balance when absent. The insert rolls back with tx.
func (s *LedgerStore) txWallet(tx *badger.Txn, userID string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.store.db.TxGet(tx, userID, &wallet)
	if err == nil {
		return &wallet, nil
	}
	if !errors.Is(err, badgerhold.ErrNotFound) {
		return nil, fmt.Errorf("failed to read wallet: %w", err)
	}

	now := s.now().UTC()
	wallet = models.Wallet{
		UserID:    userID,
		Balance:   s.startingBalance,
		Currency:  s.currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.db.TxInsert(tx, userID, wallet); err != nil {
		return nil, fmt.Errorf("failed to insert wallet: %w", err)
	}
	s.logger.Info().Str("user_id", userID).Str("balance", wallet.Balance.String()).Msg("Wallet created")
	return &wallet, nil
}

func (s *LedgerStore) txApply(tx *badger.Txn, userID, symbol string, m *models.LedgerMutation) error {
	if m == nil {
		return nil
	}
	if m.Wallet != nil {
		w := *m.Wallet
		w.UserID = userID
		if err := s.store.db.TxUpsert(tx, userID, w); err != nil {
			return fmt.Errorf("failed to write wallet: %w", err)
		}
	}

	key := holdingKey(userID, symbol)
	if m.DeleteHolding {
		if err := s.store.db.TxDelete(tx, key, models.Holding{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("failed to delete holding: %w", err)
		}
	} else if m.Holding != nil {
		h := *m.Holding
		h.UserID, h.Symbol = userID, symbol
		if err := s.store.db.TxUpsert(tx, key, h); err != nil {
			return fmt.Errorf("failed to write holding: %w", err)
		}
	}

	if m.Transaction != nil {
		t := *m.Transaction
		if t.ID == "" {
			return fmt.Errorf("transaction id is required")
		}
		t.UserID = userID
		if err := s.store.db.TxInsert(tx, t.ID, t); err != nil {
			return fmt.Errorf("failed to append transaction: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *LedgerStore) Close() error {
	return s.store.Close()
}
