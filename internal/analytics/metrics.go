package analytics

import (
	"time"

	"trade-sync/internal/types"
)

// Compute derives the per-trade metrics shown next to a closed trade.
// RiskReward needs both stop loss and take profit; RealizedR needs a stop
// loss and a close price. Either is nil when its inputs are missing or the
// stop sits exactly at the open price.
func Compute(tradeID int64, t types.NormalizedTrade, now time.Time) types.TradeMetrics {
	m := types.TradeMetrics{
		TradeID:    tradeID,
		NetProfit:  t.NetProfit(),
		Outcome:    Classify(t),
		ComputedAt: now.UTC(),
	}

	if t.CloseTime != nil && t.CloseTime.After(t.OpenTime) {
		m.HoldingSeconds = int64(t.CloseTime.Sub(t.OpenTime) / time.Second)
	}

	if t.StopLoss == nil {
		return m
	}
	risk := t.OpenPrice.Sub(*t.StopLoss).Abs()
	if risk.IsZero() {
		return m
	}

	if t.TakeProfit != nil {
		rr, _ := t.TakeProfit.Sub(t.OpenPrice).Abs().Div(risk).Float64()
		m.RiskReward = &rr
	}

	if t.ClosePrice != nil {
		move := t.ClosePrice.Sub(t.OpenPrice)
		if t.Side == types.SideSell {
			move = move.Neg()
		}
		r, _ := move.Div(risk).Float64()
		m.RealizedR = &r
	}
	return m
}

// Classify labels a trade by the sign of its net profit.
func Classify(t types.NormalizedTrade) types.Outcome {
	net := t.NetProfit()
	switch {
	case net.IsPositive():
		return types.OutcomeWin
	case net.IsNegative():
		return types.OutcomeLoss
	default:
		return types.OutcomeBreakeven
	}
}
