package portfolio

import (
	"github.com/shopspring/decimal"

	"github.com/bobmcallan/coinledger/internal/common"
	"github.com/bobmcallan/coinledger/internal/models"
)

// Display precision. Computation is always done unrounded.
const (
	moneyPlaces    = 2
	percentPlaces  = 2
	quantityPlaces = 8
)

var hundred = decimal.NewFromInt(100)

// Value computes the portfolio view from a wallet, its holdings and one
// price snapshot. Holdings without a feed price are valued at their average
// cost. Pure; safe to call concurrently.
func Value(wallet models.Wallet, holdings []models.Holding, snap *models.PriceSnapshot, currency string) *models.PortfolioView {
	type line struct {
		h        models.Holding
		price    decimal.Decimal
		fromFeed bool
		value    decimal.Decimal
		profit   decimal.Decimal
	}

	lines := make([]line, 0, len(holdings))
	totalValue := decimal.Zero
	totalInvested := decimal.Zero

	for _, h := range holdings {
		if !h.TotalAmount.IsPositive() {
			continue
		}
		price, ok := snap.Price(h.Symbol)
		if !ok {
			price = h.AvgPrice
		}
		value := h.TotalAmount.Mul(price)
		lines = append(lines, line{
			h:        h,
			price:    price,
			fromFeed: ok,
			value:    value,
			profit:   value.Sub(h.TotalInvested),
		})
		totalValue = totalValue.Add(value)
		totalInvested = totalInvested.Add(h.TotalInvested)
	}

	views := make([]models.HoldingView, 0, len(lines))
	for _, l := range lines {
		views = append(views, models.HoldingView{
			Symbol:        l.h.Symbol,
			CoinName:      l.h.CoinName,
			Amount:        l.h.TotalAmount.Round(quantityPlaces),
			AvgPrice:      l.h.AvgPrice.Round(moneyPlaces),
			TotalInvested: l.h.TotalInvested.Round(moneyPlaces),
			CurrentPrice:  l.price.Round(moneyPlaces),
			PriceFromFeed: l.fromFeed,
			CurrentValue:  l.value.Round(moneyPlaces),
			Profit:        l.profit.Round(moneyPlaces),
			ProfitPercent: percentOf(l.profit, l.h.TotalInvested),
			AllocationPct: percentOf(l.value, totalValue),
			DisplayValue:  common.FormatMoney(l.value, currency),
			DisplayProfit: common.FormatMoney(l.profit, currency),
		})
	}

	totalProfit := totalValue.Sub(totalInvested)
	netWorth := wallet.Balance.Add(totalValue)

	avgPosition := decimal.Zero
	if len(lines) > 0 {
		avgPosition = totalValue.Div(decimal.NewFromInt(int64(len(lines))))
	}

	view := &models.PortfolioView{
		UserID:              wallet.UserID,
		Currency:            currency,
		Balance:             wallet.Balance.Round(moneyPlaces),
		Holdings:            views,
		TotalValue:          totalValue.Round(moneyPlaces),
		TotalInvested:       totalInvested.Round(moneyPlaces),
		TotalProfit:         totalProfit.Round(moneyPlaces),
		TotalProfitPercent:  percentOf(totalProfit, totalInvested),
		NetWorth:            netWorth.Round(moneyPlaces),
		DiversityCount:      len(lines),
		AveragePositionSize: avgPosition.Round(moneyPlaces),
		DisplayBalance:      common.FormatMoney(wallet.Balance, currency),
		DisplayTotalValue:   common.FormatMoney(totalValue, currency),
		DisplayNetWorth:     common.FormatMoney(netWorth, currency),
	}

	if snap != nil {
		view.FXRate = snap.FXRate
		view.PricesAsOf = snap.PricesFetchedAt
		view.PriceSource = snap.PriceSource
		if snap.FXRate.IsPositive() {
			view.TotalValueUSD = totalValue.Div(snap.FXRate).Round(moneyPlaces)
		}
	}
	return view
}

// percentOf returns part/whole*100 rounded for display, or 0 when whole is 0.
func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Mul(hundred).Div(whole).Round(percentPlaces)
}
