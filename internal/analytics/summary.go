package analytics

import (
	"io"
	"sort"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"

	"trade-sync/internal/types"
)

// TotalSymbol labels the aggregate row appended by Summarize.
const TotalSymbol = "TOTAL"

// SymbolSummary aggregates one user's trades on a symbol. Win, loss and net
// profit figures only count closed trades.
type SymbolSummary struct {
	Symbol    string          `json:"symbol"`
	Trades    int             `json:"trades"`
	Open      int             `json:"open"`
	Wins      int             `json:"wins"`
	Losses    int             `json:"losses"`
	Breakeven int             `json:"breakeven"`
	Volume    decimal.Decimal `json:"volume"`
	NetProfit decimal.Decimal `json:"net_profit"`
}

// WinRate is wins over closed trades, or 0 without closed trades.
func (s SymbolSummary) WinRate() float64 {
	closed := s.Wins + s.Losses + s.Breakeven
	if closed == 0 {
		return 0
	}
	return float64(s.Wins) / float64(closed)
}

// Summarize groups trades by symbol in alphabetical order and appends a
// TOTAL row. It returns nil for no trades.
func Summarize(trades []types.StoredTrade) []SymbolSummary {
	if len(trades) == 0 {
		return nil
	}
	aggs := map[string]*SymbolSummary{}
	total := SymbolSummary{Symbol: TotalSymbol}
	for _, t := range trades {
		row := aggs[t.Symbol]
		if row == nil {
			row = &SymbolSummary{Symbol: t.Symbol}
			aggs[t.Symbol] = row
		}
		add(row, t.NormalizedTrade)
		add(&total, t.NormalizedTrade)
	}

	keys := make([]string, 0, len(aggs))
	for k := range aggs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]SymbolSummary, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, *aggs[k])
	}
	return append(out, total)
}

func add(row *SymbolSummary, t types.NormalizedTrade) {
	row.Trades++
	row.Volume = row.Volume.Add(t.Volume)
	if !t.IsClosed() {
		row.Open++
		return
	}
	row.NetProfit = row.NetProfit.Add(t.NetProfit())
	switch Classify(t) {
	case types.OutcomeWin:
		row.Wins++
	case types.OutcomeLoss:
		row.Losses++
	default:
		row.Breakeven++
	}
}

type csvRow struct {
	Symbol    string `csv:"symbol"`
	Trades    int    `csv:"trades"`
	Open      int    `csv:"open"`
	Wins      int    `csv:"wins"`
	Losses    int    `csv:"losses"`
	Breakeven int    `csv:"breakeven"`
	WinRate   string `csv:"win_rate"`
	Volume    string `csv:"volume"`
	NetProfit string `csv:"net_profit"`
}

// WriteCSV writes rows with a header line.
func WriteCSV(w io.Writer, rows []SymbolSummary) error {
	out := make([]*csvRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, &csvRow{
			Symbol:    r.Symbol,
			Trades:    r.Trades,
			Open:      r.Open,
			Wins:      r.Wins,
			Losses:    r.Losses,
			Breakeven: r.Breakeven,
			WinRate:   decimal.NewFromFloat(r.WinRate()).StringFixed(4),
			Volume:    r.Volume.String(),
			NetProfit: r.NetProfit.StringFixed(2),
		})
	}
	return gocsv.Marshal(&out, w)
}
