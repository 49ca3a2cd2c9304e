// Package storage provides the top-level Manager that opens the configured
// ledger backend and the optional shared price cache.
package storage

import (
	"context"
	"fmt"

	"github.com/bobmcallan/coinledger/internal/common"
	"github.com/bobmcallan/coinledger/internal/interfaces"
	"github.com/bobmcallan/coinledger/internal/storage/badger"
	"github.com/bobmcallan/coinledger/internal/storage/postgres"
	"github.com/bobmcallan/coinledger/internal/storage/redis"
	"github.com/bobmcallan/coinledger/internal/storage/surrealdb"
)

// Manager owns the storage connections for the process.
type Manager struct {
	ledger     interfaces.LedgerStore
	priceCache interfaces.PriceSnapshotCache // nil when Redis is disabled
	logger     *common.Logger
}

// NewManager opens the ledger backend selected by config.Storage.Backend.
// A Redis failure is logged and the service runs without a shared cache;
// a ledger failure is fatal.
func NewManager(ctx context.Context, logger *common.Logger, config *common.Config) (*Manager, error) {
	ledger, err := openLedger(ctx, logger, config)
	if err != nil {
		return nil, err
	}

	m := &Manager{ledger: ledger, logger: logger}

	if config.Redis.Enabled {
		cache, err := redis.NewPriceCache(ctx, logger, config.Redis)
		if err != nil {
			logger.Warn().Err(err).Msg("Shared price cache unavailable, continuing with in-process cache only")
		} else {
			m.priceCache = cache
		}
	}

	logger.Info().
		Str("backend", config.Storage.Backend).
		Bool("shared_price_cache", m.priceCache != nil).
		Msg("Storage manager initialized")

	return m, nil
}

func openLedger(ctx context.Context, logger *common.Logger, config *common.Config) (interfaces.LedgerStore, error) {
	switch config.Storage.Backend {
	case common.BackendBadger, "":
		store, err := badger.NewLedgerStore(logger, config.Storage.Badger.Path, config.Ledger)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger ledger: %w", err)
		}
		return store, nil

	case common.BackendSurrealDB:
		store, err := surrealdb.NewLedgerStore(ctx, logger, config.Storage.SurrealDB, config.Ledger)
		if err != nil {
			return nil, fmt.Errorf("failed to open surrealdb ledger: %w", err)
		}
		return store, nil

	case common.BackendPostgres:
		store, err := postgres.Open(ctx, logger, config.Storage.Postgres, config.Ledger)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres ledger: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %s (supported: badger, surrealdb, postgres)", config.Storage.Backend)
	}
}

// LedgerStore returns the ledger backend.
func (m *Manager) LedgerStore() interfaces.LedgerStore {
	return m.ledger
}

// PriceCache returns the shared snapshot cache, or nil.
func (m *Manager) PriceCache() interfaces.PriceSnapshotCache {
	return m.priceCache
}

func (m *Manager) Close() error {
	var firstErr error
	if err := m.ledger.Close(); err != nil {
		firstErr = err
	}
	if m.priceCache != nil {
		if err := m.priceCache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
