// Package portfolio values a user's wallet and holdings at current prices.
package portfolio

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/bobmcallan/coinledger/internal/common"
	"github.com/bobmcallan/coinledger/internal/interfaces"
	"github.com/bobmcallan/coinledger/internal/models"
)

var _ interfaces.PortfolioService = (*Service)(nil)

// Service implements PortfolioService. It never writes to the ledger apart
// from the lazy wallet creation done by the store.
type Service struct {
	store    interfaces.LedgerStore
	prices   interfaces.PriceFeed
	currency string
	logger   *common.Logger
}

// NewService creates a new portfolio service
func NewService(store interfaces.LedgerStore, prices interfaces.PriceFeed, currency string, logger *common.Logger) *Service {
	return &Service{
		store:    store,
		prices:   prices,
		currency: strings.ToUpper(currency),
		logger:   logger,
	}
}

// GetPortfolio reads the wallet and holdings, calls the price feed once and
// returns the valuation. Reads are not linearizable with in-flight trades.
func (s *Service) GetPortfolio(ctx context.Context, userID string) (*models.PortfolioView, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, models.NewInvalidInput("user id is required")
	}

	wallet, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, s.storageError(err, "get wallet", userID)
	}
	holdings, err := s.store.ListHoldings(ctx, userID)
	if err != nil {
		return nil, s.storageError(err, "list holdings", userID)
	}

	snap := s.prices.GetPrices(ctx)

	currency := wallet.Currency
	if currency == "" {
		currency = s.currency
	}
	view := Value(*wallet, holdings, snap, currency)

	s.logger.Debug().
		Str("user_id", userID).
		Int("holdings", view.DiversityCount).
		Str("total_value", view.TotalValue.String()).
		Str("price_source", string(view.PriceSource)).
		Msg("Portfolio valued")
	return view, nil
}

// RenderAllocationChart writes the allocation pie chart for userID as PNG.
func (s *Service) RenderAllocationChart(ctx context.Context, userID string, w io.Writer) error {
	view, err := s.GetPortfolio(ctx, userID)
	if err != nil {
		return err
	}
	return RenderAllocationChart(view, w)
}

func (s *Service) storageError(err error, op, userID string) error {
	var le *models.LedgerError
	if errors.As(err, &le) {
		return le
	}
	s.logger.Error().Err(err).Str("op", op).Str("user_id", userID).Msg("Ledger read failed")
	return models.NewStorageFailure(err)
}
