package report

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRoundPrice(t *testing.T) {
	price := decimal.RequireFromString("1.123456")

	tests := []struct {
		symbol string
		want   string
	}{
		{"USDJPY", "1.123"},
		{"gbpjpy", "1.123"},
		{"XAUUSD", "1.12"},
		{"XAGUSD", "1.12"},
		{"US30", "1.1"},
		{"NAS100.cash", "1.1"},
		{"GER40", "1.1"},
		{"EURUSD", "1.12346"},
		{"BTCUSD", "1.12346"},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			assert.Equal(t, tt.want, RoundPrice(tt.symbol, price).String())
		})
	}
}

func TestPriceDecimalsPrefersMetalOverJPY(t *testing.T) {
	assert.Equal(t, int32(2), PriceDecimals("XAUJPY"))
	assert.Equal(t, int32(5), PriceDecimals(""))
}
