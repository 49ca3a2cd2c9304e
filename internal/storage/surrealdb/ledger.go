// Package surrealdb implements the ledger backend on SurrealDB.
package surrealdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/coinledger/internal/common"
	"github.com/bobmcallan/coinledger/internal/interfaces"
	"github.com/bobmcallan/coinledger/internal/models"
	"github.com/bobmcallan/coinledger/internal/storage/lockscope"
)

const (
	walletTable  = "wallet"
	holdingTable = "holding"
	txTable      = "ledger_tx"
)

// Decimals are stored as strings so SurrealDB never rounds them through float.
type walletRecord struct {
	UserID    string    `json:"user_id"`
	Balance   string    `json:"balance"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type holdingRecord struct {
	UserID        string    `json:"user_id"`
	Symbol        string    `json:"symbol"`
	CoinName      string    `json:"coin_name"`
	TotalAmount   string    `json:"total_amount"`
	AvgPrice      string    `json:"avg_price"`
	TotalInvested string    `json:"total_invested"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type txRecord struct {
	TxID       string    `json:"tx_id"`
	UserID     string    `json:"user_id"`
	Symbol     string    `json:"symbol"`
	CoinName   string    `json:"coin_name"`
	Type       string    `json:"type"`
	Amount     string    `json:"amount"`
	Price      string    `json:"price"`
	TotalValue string    `json:"total_value"`
	Fee        string    `json:"fee"`
	CreatedAt  time.Time `json:"created_at"`
}

const txSelectFields = "tx_id, user_id, symbol, coin_name, type, amount, price, total_value, fee, created_at"

// LedgerStore implements interfaces.LedgerStore on SurrealDB. Reads happen
// under an in-process KeyLocker; writes are one SurrealQL transaction.
type LedgerStore struct {
	db              *surrealdb.DB
	locks           *lockscope.KeyLocker
	startingBalance decimal.Decimal
	currency        string
	logger          *common.Logger
	now             func() time.Time
}

var _ interfaces.LedgerStore = (*LedgerStore)(nil)

// Connect opens, authenticates and selects the namespace/database.
func Connect(ctx context.Context, cfg common.SurrealDBConfig) (*surrealdb.DB, error) {
	db, err := surrealdb.New(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": cfg.Username,
		"pass": cfg.Password,
	}); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}
	return db, nil
}

// NewLedgerStore connects using cfg and prepares the ledger tables.
func NewLedgerStore(ctx context.Context, logger *common.Logger, cfg common.SurrealDBConfig, ledger common.LedgerConfig) (*LedgerStore, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewLedgerStoreFromDB(ctx, db, logger, ledger)
	if err != nil {
		db.Close(ctx)
		return nil, err
	}
	logger.Info().Str("address", cfg.Address).Str("namespace", cfg.Namespace).Str("database", cfg.Database).Msg("SurrealDB ledger connected")
	return store, nil
}

// NewLedgerStoreFromDB wraps an already selected connection.
func NewLedgerStoreFromDB(ctx context.Context, db *surrealdb.DB, logger *common.Logger, ledger common.LedgerConfig) (*LedgerStore, error) {
	// SurrealDB v3 errors on querying tables that do not exist yet
	for _, table := range []string{walletTable, holdingTable, txTable} {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}
	if _, err := surrealdb.Query[any](ctx, db, "DEFINE INDEX IF NOT EXISTS ledger_tx_user ON ledger_tx FIELDS user_id, created_at", nil); err != nil {
		return nil, fmt.Errorf("failed to define transaction index: %w", err)
	}

	return &LedgerStore{
		db:              db,
		locks:           lockscope.New(),
		startingBalance: ledger.GetStartingBalance(),
		currency:        ledger.Currency,
		logger:          logger,
		now:             time.Now,
	}, nil
}

// holding ids are "<SYMBOL>@<user>"; symbols never contain "@".
func holdingID(userID, symbol string) string {
	return symbol + "@" + userID
}

func (s *LedgerStore) selectWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	rec, err := surrealdb.Select[walletRecord](ctx, s.db, surrealmodels.NewRecordID(walletTable, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to select wallet: %w", err)
	}
	if rec == nil || rec.UserID == "" {
		return nil, nil
	}
	return rec.toModel()
}

func (s *LedgerStore) selectHolding(ctx context.Context, userID, symbol string) (*models.Holding, error) {
	rec, err := surrealdb.Select[holdingRecord](ctx, s.db, surrealmodels.NewRecordID(holdingTable, holdingID(userID, symbol)))
	if err != nil {
		return nil, fmt.Errorf("failed to select holding: %w", err)
	}
	if rec == nil || rec.UserID == "" {
		return nil, nil
	}
	return rec.toModel()
}

func (s *LedgerStore) newWallet(userID string) *models.Wallet {
	now := s.now().UTC()
	return &models.Wallet{
		UserID:    userID,
		Balance:   s.startingBalance,
		Currency:  s.currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *LedgerStore) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	w, err := s.selectWallet(ctx, userID)
	if err != nil || w != nil {
		return w, err
	}

	release, err := s.locks.Lock(ctx, lockscope.WalletKey(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet for %s: %w", userID, err)
	}
	defer release()

	if w, err = s.selectWallet(ctx, userID); err != nil || w != nil {
		return w, err
	}

	w = s.newWallet(userID)
	sql := "CREATE type::record($tb, $id) CONTENT $wallet"
	vars := map[string]any{"tb": walletTable, "id": userID, "wallet": walletToRecord(w)}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return nil, fmt.Errorf("failed to create wallet for %s: %w", userID, err)
	}
	s.logger.Info().Str("user_id", userID).Str("balance", w.Balance.String()).Msg("Wallet created")
	return w, nil
}

func (s *LedgerStore) GetHolding(ctx context.Context, userID, symbol string) (*models.Holding, error) {
	h, err := s.selectHolding(ctx, userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get holding %s for %s: %w", symbol, userID, err)
	}
	return h, nil
}

func (s *LedgerStore) ListHoldings(ctx context.Context, userID string) ([]models.Holding, error) {
	sql := "SELECT user_id, symbol, coin_name, total_amount, avg_price, total_invested, created_at, updated_at FROM holding WHERE user_id = $user_id"
	results, err := surrealdb.Query[[]holdingRecord](ctx, s.db, sql, map[string]any{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings for %s: %w", userID, err)
	}

	holdings := make([]models.Holding, 0)
	if results != nil && len(*results) > 0 {
		for _, rec := range (*results)[0].Result {
			h, err := rec.toModel()
			if err != nil {
				return nil, err
			}
			if h.TotalAmount.IsPositive() {
				holdings = append(holdings, *h)
			}
		}
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Symbol < holdings[j].Symbol })
	return holdings, nil
}

func (s *LedgerStore) ListTransactions(ctx context.Context, userID string, page, limit int) ([]models.Transaction, int, error) {
	vars := map[string]any{"user_id": userID}

	type countResult struct {
		Cnt int `json:"cnt"`
	}
	total := 0
	countSQL := "SELECT count() AS cnt FROM ledger_tx WHERE user_id = $user_id GROUP ALL"
	countResults, err := surrealdb.Query[[]countResult](ctx, s.db, countSQL, vars)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions for %s: %w", userID, err)
	}
	if countResults != nil && len(*countResults) > 0 && len((*countResults)[0].Result) > 0 {
		total = (*countResults)[0].Result[0].Cnt
	}

	if page < 1 || limit < 1 {
		return []models.Transaction{}, total, nil
	}

	// tx_id is a time-ordered UUID and breaks timestamp ties
	dataSQL := "SELECT " + txSelectFields + " FROM ledger_tx WHERE user_id = $user_id ORDER BY created_at DESC, tx_id DESC LIMIT $limit START $start"
	vars["limit"] = limit
	vars["start"] = (page - 1) * limit

	results, err := surrealdb.Query[[]txRecord](ctx, s.db, dataSQL, vars)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions for %s: %w", userID, err)
	}

	items := make([]models.Transaction, 0)
	if results != nil && len(*results) > 0 {
		for _, rec := range (*results)[0].Result {
			t, err := rec.toModel()
			if err != nil {
				return nil, 0, err
			}
			items = append(items, *t)
		}
	}
	return items, total, nil
}

func (s *LedgerStore) ApplyAtomic(ctx context.Context, userID, symbol string, fn interfaces.LedgerFunc) error {
	release, err := s.locks.LockAll(ctx, lockscope.WalletKey(userID), lockscope.HoldingKey(userID, symbol))
	if err != nil {
		return fmt.Errorf("failed to acquire ledger lock for %s/%s: %w", userID, symbol, err)
	}
	defer release()

	wallet, err := s.selectWallet(ctx, userID)
	if err != nil {
		return err
	}
	created := wallet == nil
	if created {
		wallet = s.newWallet(userID)
	}
	holding, err := s.selectHolding(ctx, userID, symbol)
	if err != nil {
		return err
	}

	mutation, err := fn(&models.LedgerState{Wallet: *wallet, Holding: holding})
	if err != nil {
		return err
	}
	if mutation == nil {
		mutation = &models.LedgerMutation{}
	}
	if mutation.Wallet == nil && created {
		mutation.Wallet = wallet
	}

	sql, vars, err := buildCommit(userID, symbol, mutation)
	if err != nil {
		return err
	}
	if sql == "" {
		return nil
	}
	results, err := surrealdb.Query[any](ctx, s.db, sql, vars)
	if err != nil {
		return fmt.Errorf("failed to commit ledger update for %s/%s: %w", userID, symbol, err)
	}
	// A failed statement cancels the whole block; surface it even when the
	// driver reports it only in the per-statement status.
	if results != nil {
		for _, r := range *results {
			if r.Status != "OK" {
				return fmt.Errorf("failed to commit ledger update for %s/%s: statement status %s", userID, symbol, r.Status)
			}
		}
	}
	return nil
}

// buildCommit renders the mutation as one SurrealQL transaction block.
func buildCommit(userID, symbol string, m *models.LedgerMutation) (string, map[string]any, error) {
	var stmts []string
	vars := map[string]any{}

	if m.Wallet != nil {
		w := *m.Wallet
		w.UserID = userID
		stmts = append(stmts, "UPSERT type::record('wallet', $wallet_id) CONTENT $wallet;")
		vars["wallet_id"] = userID
		vars["wallet"] = walletToRecord(&w)
	}

	if m.DeleteHolding {
		stmts = append(stmts, "DELETE type::record('holding', $holding_id);")
		vars["holding_id"] = holdingID(userID, symbol)
	} else if m.Holding != nil {
		h := *m.Holding
		h.UserID, h.Symbol = userID, symbol
		stmts = append(stmts, "UPSERT type::record('holding', $holding_id) CONTENT $holding;")
		vars["holding_id"] = holdingID(userID, symbol)
		vars["holding"] = holdingToRecord(&h)
	}

	if m.Transaction != nil {
		t := *m.Transaction
		if t.ID == "" {
			return "", nil, fmt.Errorf("transaction id is required")
		}
		t.UserID = userID
		stmts = append(stmts, "CREATE type::record('ledger_tx', $tx_id) CONTENT $tx;")
		vars["tx_id"] = t.ID
		vars["tx"] = txToRecord(&t)
	}

	if len(stmts) == 0 {
		return "", nil, nil
	}
	return "BEGIN TRANSACTION;\n" + strings.Join(stmts, "\n") + "\nCOMMIT TRANSACTION;", vars, nil
}

// Close closes the SurrealDB connection.
func (s *LedgerStore) Close() error {
	if s.db != nil {
		return s.db.Close(context.Background())
	}
	return nil
}

func parseDecimal(field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt %s %q: %w", field, v, err)
	}
	return d, nil
}

func walletToRecord(w *models.Wallet) walletRecord {
	return walletRecord{
		UserID:    w.UserID,
		Balance:   w.Balance.String(),
		Currency:  w.Currency,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

func (r *walletRecord) toModel() (*models.Wallet, error) {
	balance, err := parseDecimal("balance", r.Balance)
	if err != nil {
		return nil, err
	}
	return &models.Wallet{
		UserID:    r.UserID,
		Balance:   balance,
		Currency:  r.Currency,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

func holdingToRecord(h *models.Holding) holdingRecord {
	return holdingRecord{
		UserID:        h.UserID,
		Symbol:        h.Symbol,
		CoinName:      h.CoinName,
		TotalAmount:   h.TotalAmount.String(),
		AvgPrice:      h.AvgPrice.String(),
		TotalInvested: h.TotalInvested.String(),
		CreatedAt:     h.CreatedAt,
		UpdatedAt:     h.UpdatedAt,
	}
}

func (r *holdingRecord) toModel() (*models.Holding, error) {
	amount, err := parseDecimal("total_amount", r.TotalAmount)
	if err != nil {
		return nil, err
	}
	avg, err := parseDecimal("avg_price", r.AvgPrice)
	if err != nil {
		return nil, err
	}
	invested, err := parseDecimal("total_invested", r.TotalInvested)
	if err != nil {
		return nil, err
	}
	return &models.Holding{
		UserID:        r.UserID,
		Symbol:        r.Symbol,
		CoinName:      r.CoinName,
		TotalAmount:   amount,
		AvgPrice:      avg,
		TotalInvested: invested,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func txToRecord(t *models.Transaction) txRecord {
	return txRecord{
		TxID:       t.ID,
		UserID:     t.UserID,
		Symbol:     t.Symbol,
		CoinName:   t.CoinName,
		Type:       string(t.Type),
		Amount:     t.Amount.String(),
		Price:      t.Price.String(),
		TotalValue: t.TotalValue.String(),
		Fee:        t.Fee.String(),
		CreatedAt:  t.CreatedAt,
	}
}

func (r *txRecord) toModel() (*models.Transaction, error) {
	t := &models.Transaction{
		ID:        r.TxID,
		UserID:    r.UserID,
		Symbol:    r.Symbol,
		CoinName:  r.CoinName,
		Type:      models.TradeSide(r.Type),
		CreatedAt: r.CreatedAt,
	}
	var err error
	if t.Amount, err = parseDecimal("amount", r.Amount); err != nil {
		return nil, err
	}
	if t.Price, err = parseDecimal("price", r.Price); err != nil {
		return nil, err
	}
	if t.TotalValue, err = parseDecimal("total_value", r.TotalValue); err != nil {
		return nil, err
	}
	if t.Fee, err = parseDecimal("fee", r.Fee); err != nil {
		return nil, err
	}
	return t, nil
}
