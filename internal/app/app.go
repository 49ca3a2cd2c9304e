// Package app wires configuration, storage, clients and services into one
// App shared by the HTTP server and tests.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bobmcallan/coinledger/internal/clients/coingecko"
	"github.com/bobmcallan/coinledger/internal/clients/fxrate"
	"github.com/bobmcallan/coinledger/internal/common"
	"github.com/bobmcallan/coinledger/internal/interfaces"
	"github.com/bobmcallan/coinledger/internal/services/portfolio"
	"github.com/bobmcallan/coinledger/internal/services/pricefeed"
	"github.com/bobmcallan/coinledger/internal/services/trade"
	"github.com/bobmcallan/coinledger/internal/storage"
)

// App holds all initialized services, clients and storage.
type App struct {
	Config           *common.Config
	Logger           *common.Logger
	Storage          *storage.Manager
	PriceFeed        *pricefeed.Service
	TradeService     interfaces.TradeService
	PortfolioService interfaces.PortfolioService
	StartupTime      time.Time

	schedulerCancel context.CancelFunc
	schedulerWG     sync.WaitGroup
	closeOnce       sync.Once
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// ResolveConfigPaths returns the config files to load, in order. An explicit
// path wins; otherwise COINLEDGER_CONFIG, then coinledger.toml next to the
// binary, then config/coinledger.toml for development. Missing files are
// skipped by LoadConfig.
func ResolveConfigPaths(explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	if env := os.Getenv("COINLEDGER_CONFIG"); env != "" {
		return []string{env}
	}
	binPath := filepath.Join(getBinaryDir(), "coinledger.toml")
	if _, err := os.Stat(binPath); err == nil {
		return []string{binPath}
	}
	return []string{"config/coinledger.toml"}
}

// NewApp loads configuration from configPath (or the default locations) and
// initializes every component.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	common.LoadVersionFromFile()

	config, err := common.LoadConfig(ResolveConfigPaths(configPath)...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Resolve relative badger path to the binary directory
	if p := config.Storage.Badger.Path; p != "" && !filepath.IsAbs(p) {
		config.Storage.Badger.Path = filepath.Join(getBinaryDir(), p)
	}

	logger := common.NewLoggerFromConfig(config.Logging)
	return NewAppWithConfig(ctx, config, logger)
}

// NewAppWithConfig initializes every component from an already loaded config.
func NewAppWithConfig(ctx context.Context, config *common.Config, logger *common.Logger) (*App, error) {
	startupStart := time.Now()

	storageManager, err := storage.NewManager(ctx, logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	spotClient := coingecko.NewClient(
		coingecko.WithBaseURL(config.Clients.CoinGecko.BaseURL),
		coingecko.WithAPIKey(config.Clients.CoinGecko.APIKey),
		coingecko.WithLogger(logger),
		coingecko.WithRateLimit(config.Clients.CoinGecko.RateLimit),
		coingecko.WithTimeout(config.Clients.CoinGecko.GetTimeout()),
	)
	fxClient := fxrate.NewClient(
		fxrate.WithBaseURL(config.Clients.FXRate.BaseURL),
		fxrate.WithLogger(logger),
		fxrate.WithRateLimit(config.Clients.FXRate.RateLimit),
		fxrate.WithTimeout(config.Clients.FXRate.GetTimeout()),
	)

	priceFeed := pricefeed.NewService(spotClient, fxClient, storageManager.PriceCache(), config.PriceFeed, config.Ledger.Currency, logger)

	engine := trade.NewEngine(
		storageManager.LedgerStore(),
		config.Ledger.GetFeeRate(),
		logger,
		trade.WithLockTimeout(config.Storage.GetLockTimeout()),
	)
	portfolioService := portfolio.NewService(storageManager.LedgerStore(), priceFeed, config.Ledger.Currency, logger)

	a := &App{
		Config:           config,
		Logger:           logger,
		Storage:          storageManager,
		PriceFeed:        priceFeed,
		TradeService:     engine,
		PortfolioService: portfolioService,
		StartupTime:      startupStart,
	}

	logger.Info().
		Dur("elapsed", time.Since(startupStart)).
		Int("symbols", len(priceFeed.Symbols())).
		Msg("App initialized")

	return a, nil
}

// StartPriceScheduler warms the price cache immediately and then on the
// configured interval. A zero interval disables it.
func (a *App) StartPriceScheduler() {
	interval := a.Config.PriceFeed.GetRefreshInterval()
	if interval <= 0 {
		a.Logger.Info().Msg("Price scheduler: disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.schedulerCancel = cancel
	a.schedulerWG.Add(1)
	go func() {
		defer a.schedulerWG.Done()
		startPriceScheduler(ctx, a.PriceFeed, a.Logger, interval)
	}()
}

// Close releases all resources held by the App.
// Shutdown order: stop scheduler, close storage.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.schedulerCancel != nil {
			a.schedulerCancel()
			a.schedulerWG.Wait()
		}
		if a.Storage != nil {
			if err := a.Storage.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("Storage close failed")
			}
		}
	})
}
