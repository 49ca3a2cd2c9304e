package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSource records where the values of a PriceSnapshot came from.
type PriceSource string

const (
	PriceSourceUpstream PriceSource = "upstream" // fetched on this refresh
	PriceSourceShared   PriceSource = "shared"   // adopted from the shared snapshot cache
	PriceSourceCache    PriceSource = "cache"    // previous value retained after an upstream failure
	PriceSourceFallback PriceSource = "fallback" // hard-coded constants, nothing cached yet
)

// PriceSnapshot is the transient result of the price feed: spot prices in the
// ledger currency plus one FX rate (ledger currency units per USD).
type PriceSnapshot struct {
	Prices          map[string]decimal.Decimal `json:"prices"`
	FXRate          decimal.Decimal            `json:"fx_rate"`
	PricesFetchedAt time.Time                  `json:"prices_fetched_at"`
	FXFetchedAt     time.Time                  `json:"fx_fetched_at"`
	PriceSource     PriceSource                `json:"price_source"`
	FXSource        PriceSource                `json:"fx_source"`
}

// FetchedAt returns the older of the two fetch times.
func (s *PriceSnapshot) FetchedAt() time.Time {
	if s.FXFetchedAt.Before(s.PricesFetchedAt) {
		return s.FXFetchedAt
	}
	return s.PricesFetchedAt
}

// Price returns the spot price for symbol and whether the feed has it.
func (s *PriceSnapshot) Price(symbol string) (decimal.Decimal, bool) {
	if s == nil || s.Prices == nil {
		return decimal.Zero, false
	}
	p, ok := s.Prices[symbol]
	return p, ok
}

// Clone returns a deep copy so callers may not mutate shared cache state.
func (s *PriceSnapshot) Clone() *PriceSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Prices = make(map[string]decimal.Decimal, len(s.Prices))
	for k, v := range s.Prices {
		c.Prices[k] = v
	}
	return &c
}
