// Package pricefeed provides the process-wide cached price source.
//
// Spot prices and the FX rate are cached with independent TTLs. An expired
// entry is refreshed from upstream on the next read; when upstream fails the
// previous value is kept, or the configured fallback when nothing has been
// fetched yet. Callers never see an upstream error.
package pricefeed

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bobmcallan/coinledger/internal/common"
	"github.com/bobmcallan/coinledger/internal/interfaces"
	"github.com/bobmcallan/coinledger/internal/metrics"
	"github.com/bobmcallan/coinledger/internal/models"
)

// ErrPriceUnavailable marks an upstream fetch that produced nothing usable.
// It is recovered inside the service and only logged.
var ErrPriceUnavailable = errors.New("upstream price unavailable")

// DefaultRetryBackoff is how long a failed upstream kind is left alone before
// the next attempt. Reads in between are served from the retained snapshot.
const DefaultRetryBackoff = 10 * time.Second

const (
	kindSpot = "spot"
	kindFX   = "fx"

	fxBaseCurrency = "USD"
)

var _ interfaces.PriceFeed = (*Service)(nil)

// Service implements PriceFeed
type Service struct {
	spot     interfaces.SpotPriceClient
	fx       interfaces.FXRateClient
	shared   interfaces.PriceSnapshotCache // optional
	logger   *common.Logger
	currency string

	symbols        []string
	coinIDs        map[string]string // symbol -> upstream id
	fallbackPrices map[string]decimal.Decimal
	fallbackFX     decimal.Decimal

	priceTTL     time.Duration
	fxTTL        time.Duration
	retryBackoff time.Duration

	snapshot     atomic.Pointer[models.PriceSnapshot]
	spotFailedAt atomic.Int64 // unix nanos of the last failed spot fetch
	fxFailedAt   atomic.Int64
	now          func() time.Time // injectable clock for testing
}

// NewService creates a price feed for the configured coin set.
// shared may be nil.
func NewService(spot interfaces.SpotPriceClient, fx interfaces.FXRateClient, shared interfaces.PriceSnapshotCache, cfg common.PriceFeedConfig, currency string, logger *common.Logger) *Service {
	symbols := cfg.Symbols()
	sort.Strings(symbols)

	return &Service{
		spot:           spot,
		fx:             fx,
		shared:         shared,
		logger:         logger,
		currency:       strings.ToUpper(currency),
		symbols:        symbols,
		coinIDs:        cfg.CoinIDs(),
		fallbackPrices: cfg.GetFallbackPrices(),
		fallbackFX:     cfg.GetFallbackFXRate(),
		priceTTL:       cfg.GetPriceTTL(),
		fxTTL:          cfg.GetFXTTL(),
		retryBackoff:   DefaultRetryBackoff,
		now:            time.Now,
	}
}

// Symbols returns the tradable symbol set in sorted order.
func (s *Service) Symbols() []string {
	out := make([]string, len(s.symbols))
	copy(out, s.symbols)
	return out
}

// GetPrices returns the current snapshot, refreshing expired parts first.
// The returned snapshot is a copy and may be modified by the caller.
func (s *Service) GetPrices(ctx context.Context) *models.PriceSnapshot {
	now := s.now()
	cur := s.snapshot.Load()

	spotDue, fxDue := s.due(cur, now)
	if !spotDue && !fxDue {
		return cur.Clone()
	}

	if adopted := s.adoptShared(ctx, cur, now); adopted != nil {
		cur = adopted
		spotDue, fxDue = s.due(cur, now)
		if !spotDue && !fxDue {
			return cur.Clone()
		}
	}

	return s.refresh(ctx, cur, spotDue, fxDue).Clone()
}

// Refresh fetches both parts from upstream regardless of age. Used by the
// warm-up scheduler.
func (s *Service) Refresh(ctx context.Context) *models.PriceSnapshot {
	return s.refresh(ctx, s.snapshot.Load(), true, true).Clone()
}

// Quote returns the current price for one symbol.
func (s *Service) Quote(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	return s.GetPrices(ctx).Price(strings.ToUpper(strings.TrimSpace(symbol)))
}

// due reports which parts of the snapshot need an upstream attempt.
// A part that failed recently is not due until the retry backoff passes.
func (s *Service) due(cur *models.PriceSnapshot, now time.Time) (spot, fx bool) {
	if cur == nil {
		return true, true
	}
	spot = cur.PriceSource == models.PriceSourceFallback || cur.PricesFetchedAt.IsZero() ||
		now.Sub(cur.PricesFetchedAt) >= s.priceTTL
	fx = cur.FXSource == models.PriceSourceFallback || cur.FXFetchedAt.IsZero() ||
		now.Sub(cur.FXFetchedAt) >= s.fxTTL

	if spot && s.inBackoff(&s.spotFailedAt, now) {
		spot = false
	}
	if fx && s.inBackoff(&s.fxFailedAt, now) {
		fx = false
	}
	return spot, fx
}

func (s *Service) inBackoff(failedAt *atomic.Int64, now time.Time) bool {
	ts := failedAt.Load()
	if ts == 0 {
		return false
	}
	return now.Sub(time.Unix(0, ts)) < s.retryBackoff
}

// adoptShared replaces the local snapshot with the shared one when the shared
// copy is newer. Shared cache errors are logged and ignored.
func (s *Service) adoptShared(ctx context.Context, cur *models.PriceSnapshot, now time.Time) *models.PriceSnapshot {
	if s.shared == nil {
		return nil
	}
	snap, err := s.shared.Get(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Shared price cache read failed")
		return nil
	}
	if snap == nil || len(snap.Prices) == 0 {
		return nil
	}
	if cur != nil && !snap.FetchedAt().After(cur.FetchedAt()) {
		return nil
	}
	if now.Sub(snap.PricesFetchedAt) >= s.priceTTL {
		return nil
	}

	adopted := snap.Clone()
	if adopted.PriceSource == models.PriceSourceUpstream {
		adopted.PriceSource = models.PriceSourceShared
	}
	if adopted.FXSource == models.PriceSourceUpstream {
		adopted.FXSource = models.PriceSourceShared
	}
	s.fillMissing(adopted, cur)
	s.snapshot.Store(adopted)

	s.logger.Debug().Time("fetched_at", adopted.PricesFetchedAt).Msg("Adopted shared price snapshot")
	return adopted
}

// refresh builds the next snapshot from cur and whatever upstream returns,
// then publishes it. No lock is held across the fetch; concurrent refreshes
// race and the last store wins.
func (s *Service) refresh(ctx context.Context, cur *models.PriceSnapshot, spotDue, fxDue bool) *models.PriceSnapshot {
	next := s.base(cur)
	now := s.now()
	fetched := false

	if fxDue {
		rate, err := s.fetchFX(ctx)
		if err != nil {
			s.recordFailure(ctx, &s.fxFailedAt, kindFX, now, err, next.FXSource)
		} else {
			s.fxFailedAt.Store(0)
			next.FXRate = rate
			next.FXFetchedAt = now
			next.FXSource = models.PriceSourceUpstream
			fetched = true
		}
	}

	if spotDue {
		prices, err := s.fetchSpot(ctx)
		if err != nil {
			s.recordFailure(ctx, &s.spotFailedAt, kindSpot, now, err, next.PriceSource)
		} else {
			s.spotFailedAt.Store(0)
			missing := 0
			for _, sym := range s.symbols {
				if p, ok := prices[sym]; ok {
					next.Prices[sym] = p
				} else {
					missing++
				}
			}
			if missing > 0 {
				s.logger.Warn().Int("missing", missing).Msg("Partial spot price response, retained values used for missing symbols")
			}
			next.PricesFetchedAt = now
			next.PriceSource = models.PriceSourceUpstream
			fetched = true
		}
	}

	s.snapshot.Store(next)

	if fetched && s.shared != nil {
		if err := s.shared.Put(ctx, next, s.priceTTL); err != nil {
			s.logger.Warn().Err(err).Msg("Shared price cache write failed")
		}
	}
	return next
}

// recordFailure starts the retry backoff for kind. A fetch abandoned because
// the caller's context ended says nothing about upstream, so it is only
// logged and the next caller tries again.
func (s *Service) recordFailure(ctx context.Context, failedAt *atomic.Int64, kind string, now time.Time, err error, source models.PriceSource) {
	if ctx.Err() != nil {
		s.logger.Debug().Err(err).Str("kind", kind).Msg("Price refresh abandoned by caller")
		return
	}
	failedAt.Store(now.UnixNano())
	metrics.RecordPriceFallback(kind)
	s.logger.Warn().Err(err).Str("kind", kind).Str("source", string(source)).Msg("Price refresh failed, serving retained values")
}

// base returns a private copy of cur, or the fallback snapshot when nothing
// has been cached. Retained parts are marked as served from cache.
func (s *Service) base(cur *models.PriceSnapshot) *models.PriceSnapshot {
	if cur == nil {
		return s.fallbackSnapshot()
	}
	next := cur.Clone()
	if next.PriceSource != models.PriceSourceFallback {
		next.PriceSource = models.PriceSourceCache
	}
	if next.FXSource != models.PriceSourceFallback {
		next.FXSource = models.PriceSourceCache
	}
	s.fillMissing(next, nil)
	return next
}

func (s *Service) fallbackSnapshot() *models.PriceSnapshot {
	prices := make(map[string]decimal.Decimal, len(s.fallbackPrices))
	for sym, p := range s.fallbackPrices {
		prices[sym] = p
	}
	return &models.PriceSnapshot{
		Prices:      prices,
		FXRate:      s.fallbackFX,
		PriceSource: models.PriceSourceFallback,
		FXSource:    models.PriceSourceFallback,
	}
}

// fillMissing makes sure every configured symbol has a price, taking it from
// prev first and the fallback table second.
func (s *Service) fillMissing(snap, prev *models.PriceSnapshot) {
	if snap.Prices == nil {
		snap.Prices = make(map[string]decimal.Decimal, len(s.symbols))
	}
	for _, sym := range s.symbols {
		if _, ok := snap.Prices[sym]; ok {
			continue
		}
		if p, ok := prev.Price(sym); ok {
			snap.Prices[sym] = p
		} else if p, ok := s.fallbackPrices[sym]; ok {
			snap.Prices[sym] = p
		}
	}
	if !snap.FXRate.IsPositive() {
		snap.FXRate = s.fallbackFX
		snap.FXSource = models.PriceSourceFallback
	}
}

func (s *Service) fetchFX(ctx context.Context) (decimal.Decimal, error) {
	if s.fx == nil {
		return decimal.Zero, ErrPriceUnavailable
	}
	rate, err := s.fx.GetRate(ctx, fxBaseCurrency, s.currency)
	if ctx.Err() == nil {
		metrics.RecordPriceRefresh(kindFX, err == nil)
	}
	if err != nil {
		return decimal.Zero, errors.Join(ErrPriceUnavailable, err)
	}
	return rate, nil
}

// fetchSpot returns symbol -> price for whatever upstream answered.
func (s *Service) fetchSpot(ctx context.Context) (map[string]decimal.Decimal, error) {
	if s.spot == nil || len(s.symbols) == 0 {
		return nil, ErrPriceUnavailable
	}
	ids := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		if id := s.coinIDs[sym]; id != "" {
			ids = append(ids, id)
		}
	}

	byID, err := s.spot.GetSpotPrices(ctx, ids, s.currency)
	if ctx.Err() == nil {
		metrics.RecordPriceRefresh(kindSpot, err == nil && len(byID) > 0)
	}
	if err != nil {
		return nil, errors.Join(ErrPriceUnavailable, err)
	}
	if len(byID) == 0 {
		return nil, ErrPriceUnavailable
	}

	out := make(map[string]decimal.Decimal, len(byID))
	for _, sym := range s.symbols {
		if p, ok := byID[s.coinIDs[sym]]; ok && p.IsPositive() {
			out[sym] = p
		}
	}
	if len(out) == 0 {
		return nil, ErrPriceUnavailable
	}
	return out, nil
}
