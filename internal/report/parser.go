package report

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trade-sync/internal/logger"
	"trade-sync/internal/types"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatCSV  Format = "csv"
)

// ParseFormat maps a user supplied format name onto a Format. An empty name
// means html, the broker's native export.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "html", "htm":
		return FormatHTML, nil
	case "csv":
		return FormatCSV, nil
	default:
		return "", &ParseError{Format: Format(s), Reason: ErrUnsupportedFormat}
	}
}

// ParseStats counts rows seen in the positions table.
type ParseStats struct {
	Rows    int `json:"rows"`
	Parsed  int `json:"parsed"`
	Skipped int `json:"skipped"`
}

// Parser turns exported account-history reports into normalized trades.
type Parser struct {
	rowAttr    string
	rowValue   string
	minColumns int
}

type Option func(*Parser)

// WithRowMarker changes the attribute that identifies data rows in HTML
// reports. The default is align="right".
func WithRowMarker(attr, value string) Option {
	return func(p *Parser) {
		p.rowAttr = attr
		p.rowValue = value
	}
}

// WithMinColumns sets the number of visible cells a data row needs.
func WithMinColumns(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.minColumns = n
		}
	}
}

func NewParser(opts ...Option) *Parser {
	p := &Parser{
		rowAttr:    "align",
		rowValue:   "right",
		minColumns: columnCount,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var defaultParser = NewParser()

// Parse is ParseWithStats on the default parser without the counters.
func Parse(data []byte, format Format) ([]types.NormalizedTrade, error) {
	trades, _, err := defaultParser.ParseWithStats(context.Background(), data, format)
	return trades, err
}

// ParseWithStats parses one report. It fails only when no positions table can
// be located; rows that cannot be interpreted are logged and skipped.
func (p *Parser) ParseWithStats(ctx context.Context, data []byte, format Format) ([]types.NormalizedTrade, ParseStats, error) {
	var (
		rows []sourceRow
		err  error
	)
	switch format {
	case FormatHTML:
		rows, err = p.extractHTML(data)
	case FormatCSV:
		rows, err = extractCSV(data)
	default:
		err = ErrUnsupportedFormat
	}
	if err != nil {
		return nil, ParseStats{}, &ParseError{Format: format, Reason: err}
	}

	stats := ParseStats{Rows: len(rows)}
	trades := make([]types.NormalizedTrade, 0, len(rows))
	for i, row := range rows {
		if row.err != nil {
			stats.Skipped++
			logger.Warn(ctx, "Skipping report row", "format", format, "row", i+1, "reason", row.err.Error())
			continue
		}
		trade, err := mapRow(row.raw)
		if err != nil {
			stats.Skipped++
			logger.Warn(ctx, "Skipping report row", "format", format, "row", i+1, "ticket", row.raw.Ticket, "reason", err.Error())
			continue
		}
		trades = append(trades, trade)
	}
	stats.Parsed = len(trades)

	logger.Debug(ctx, "Report parsed", "format", format, "rows", stats.Rows, "parsed", stats.Parsed, "skipped", stats.Skipped)
	return trades, stats, nil
}

// Column order of a positions table row.
const (
	colOpenTime = iota
	colTicket
	colSymbol
	colSide
	colVolume
	colOpenPrice
	colStopLoss
	colTakeProfit
	colCloseTime
	colClosePrice
	colCommission
	colSwap
	colProfit
	columnCount
)

// rawRow is one positions table row before validation. Every field is kept as
// text so a bad cell only affects its own field.
type rawRow struct {
	OpenTime   string `csv:"open_time"`
	Ticket     string `csv:"ticket"`
	Symbol     string `csv:"symbol"`
	Side       string `csv:"side"`
	Volume     string `csv:"volume"`
	OpenPrice  string `csv:"open_price"`
	StopLoss   string `csv:"stop_loss"`
	TakeProfit string `csv:"take_profit"`
	CloseTime  string `csv:"close_time"`
	ClosePrice string `csv:"close_price"`
	Commission string `csv:"commission"`
	Swap       string `csv:"swap"`
	Profit     string `csv:"profit"`
}

// sourceRow is a data row as found in the document. err is set when the row
// was rejected before field mapping, e.g. for having too few cells.
type sourceRow struct {
	raw rawRow
	err error
}

func rowFromCells(cells []string) rawRow {
	return rawRow{
		OpenTime:   cells[colOpenTime],
		Ticket:     cells[colTicket],
		Symbol:     cells[colSymbol],
		Side:       cells[colSide],
		Volume:     cells[colVolume],
		OpenPrice:  cells[colOpenPrice],
		StopLoss:   cells[colStopLoss],
		TakeProfit: cells[colTakeProfit],
		CloseTime:  cells[colCloseTime],
		ClosePrice: cells[colClosePrice],
		Commission: cells[colCommission],
		Swap:       cells[colSwap],
		Profit:     cells[colProfit],
	}
}

// mapRow validates every field of r independently. Required fields make the
// row fail; bad optional fields are dropped.
func mapRow(r rawRow) (types.NormalizedTrade, error) {
	var t types.NormalizedTrade

	ticket, err := strconv.ParseInt(numericText(r.Ticket), 10, 64)
	if err != nil || ticket <= 0 {
		return t, &rowError{field: "ticket", reason: fmt.Sprintf("invalid value %q", r.Ticket)}
	}
	t.Ticket = ticket

	t.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if t.Symbol == "" {
		return t, &rowError{field: "symbol", reason: "empty"}
	}

	side, ok := parseSide(r.Side)
	if !ok {
		return t, &rowError{field: "side", reason: fmt.Sprintf("unrecognized %q", r.Side)}
	}
	t.Side = side

	volume := parseDecimal(r.Volume)
	if volume == nil || !volume.IsPositive() {
		return t, &rowError{field: "volume", reason: fmt.Sprintf("invalid value %q", r.Volume)}
	}
	t.Volume = *volume

	openPrice := parseDecimal(r.OpenPrice)
	if openPrice == nil {
		return t, &rowError{field: "open_price", reason: fmt.Sprintf("invalid value %q", r.OpenPrice)}
	}
	t.OpenPrice = RoundPrice(t.Symbol, *openPrice)

	openTime, ok := parseTime(r.OpenTime)
	if !ok {
		return t, &rowError{field: "open_time", reason: fmt.Sprintf("invalid value %q", r.OpenTime)}
	}
	t.OpenTime = openTime

	t.StopLoss = roundOptional(t.Symbol, nonZero(parseDecimal(r.StopLoss)))
	t.TakeProfit = roundOptional(t.Symbol, nonZero(parseDecimal(r.TakeProfit)))

	if closeTime, ok := parseTime(r.CloseTime); ok {
		t.CloseTime = &closeTime
		t.ClosePrice = roundOptional(t.Symbol, parseDecimal(r.ClosePrice))
	}
	t.Status = types.DeriveStatus(t.CloseTime)

	t.Commission = orZero(parseDecimal(r.Commission))
	t.Swap = orZero(parseDecimal(r.Swap))
	t.Profit = orZero(parseDecimal(r.Profit))

	return t, nil
}

func parseSide(s string) (types.Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return types.SideBuy, true
	case "sell":
		return types.SideSell, true
	}
	return "", false
}

// numericText keeps digits, dots and minus signs only.
func numericText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// parseDecimal returns nil when s holds no parseable number.
func parseDecimal(s string) *decimal.Decimal {
	clean := numericText(s)
	if clean == "" {
		return nil
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return nil
	}
	return &d
}

func nonZero(d *decimal.Decimal) *decimal.Decimal {
	if d == nil || d.IsZero() {
		return nil
	}
	return d
}

func orZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

var timeLayouts = []string{
	"2006.01.02 15:04:05",
	"2006.01.02 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RFC3339,
}

// parseTime reads broker timestamps as UTC.
func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
