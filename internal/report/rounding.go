package report

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	metalDecimals   int32 = 2
	indexDecimals   int32 = 1
	jpyDecimals     int32 = 3
	defaultDecimals int32 = 5
)

var metalPrefixes = []string{"XAU", "XAG"}

// Cash index symbols quoted to one decimal. Anything not listed here falls
// through to the JPY check and then the five-decimal default.
var indexPrefixes = []string{
	"US30", "US100", "US500", "NAS100", "SPX500", "USTEC",
	"GER40", "GER30", "DE40", "UK100", "JP225", "FRA40", "AUS200",
}

// PriceDecimals returns the number of decimals prices of symbol are quoted in.
func PriceDecimals(symbol string) int32 {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, p := range metalPrefixes {
		if strings.HasPrefix(s, p) {
			return metalDecimals
		}
	}
	for _, p := range indexPrefixes {
		if strings.HasPrefix(s, p) {
			return indexDecimals
		}
	}
	if strings.Contains(s, "JPY") {
		return jpyDecimals
	}
	return defaultDecimals
}

// RoundPrice rounds price half away from zero to the symbol's precision.
func RoundPrice(symbol string, price decimal.Decimal) decimal.Decimal {
	return price.Round(PriceDecimals(symbol))
}

func roundOptional(symbol string, price *decimal.Decimal) *decimal.Decimal {
	if price == nil {
		return nil
	}
	r := RoundPrice(symbol, *price)
	return &r
}
