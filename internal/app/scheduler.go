package app

import (
	"context"
	"time"

	"github.com/bobmcallan/coinledger/internal/common"
	"github.com/bobmcallan/coinledger/internal/models"
)

// priceRefresher is the part of the price feed the scheduler drives.
type priceRefresher interface {
	Refresh(ctx context.Context) *models.PriceSnapshot
}

// startPriceScheduler refreshes the price cache on a fixed interval so
// request paths rarely wait on upstream. It blocks until ctx is done.
func startPriceScheduler(ctx context.Context, feed priceRefresher, logger *common.Logger, interval time.Duration) {
	refreshPrices(ctx, feed, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Price scheduler: stopped")
			return
		case <-ticker.C:
			refreshPrices(ctx, feed, logger)
		}
	}
}

func refreshPrices(ctx context.Context, feed priceRefresher, logger *common.Logger) {
	start := time.Now()
	// Bound each refresh so a hung upstream cannot stall the next tick.
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	snap := feed.Refresh(ctx)

	logger.Debug().
		Int("symbols", len(snap.Prices)).
		Str("price_source", string(snap.PriceSource)).
		Str("fx_source", string(snap.FXSource)).
		Dur("elapsed", time.Since(start)).
		Msg("Price refresh: complete")
}
