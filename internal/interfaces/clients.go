// Package interfaces defines service contracts for coinledger
package interfaces

import (
	"context"

	"github.com/shopspring/decimal"
)

// SpotPriceClient fetches spot prices from the upstream market-data provider
type SpotPriceClient interface {
	// GetSpotPrices returns upstream coin id -> price quoted in vsCurrency.
	// Ids the provider does not know are absent from the result.
	GetSpotPrices(ctx context.Context, coinIDs []string, vsCurrency string) (map[string]decimal.Decimal, error)
}

// FXRateClient fetches currency conversion rates
type FXRateClient interface {
	// GetRate returns how many units of quote one unit of base buys.
	GetRate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}
