package trade

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/bobmcallan/coinledger/internal/models"
)

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// validateTrade checks every caller-supplied field before any lock is taken
// and returns the normalised symbol and coin name. priceField names the price
// in error messages.
func validateTrade(userID, symbol, coinName string, amount, price decimal.Decimal, priceField string) (string, string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", "", models.NewInvalidInput("user id is required")
	}

	symbol = normaliseSymbol(symbol)
	if symbol == "" {
		return "", "", models.NewInvalidInput("symbol is required")
	}
	if len(symbol) > maxSymbolLen {
		return "", "", models.NewInvalidInput("symbol %q is longer than %d characters", symbol, maxSymbolLen)
	}
	for _, r := range symbol {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", "", models.NewInvalidInput("symbol %q must be letters and digits only", symbol)
		}
	}

	if !amount.IsPositive() {
		return "", "", models.NewInvalidInput("amount must be greater than zero")
	}
	if !price.IsPositive() {
		return "", "", models.NewInvalidInput("%s must be greater than zero", priceField)
	}

	coinName = strings.TrimSpace(coinName)
	if len(coinName) > maxCoinNameLen {
		return "", "", models.NewInvalidInput("coin name is longer than %d characters", maxCoinNameLen)
	}
	if coinName == "" {
		coinName = symbol
	}
	return symbol, coinName, nil
}
