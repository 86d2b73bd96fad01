package report

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
)

// headerAliases maps normalized CSV header names, including the Spanish and
// Portuguese ones seen in localized exports, onto rawRow csv tags.
var headerAliases = map[string]string{
	"time":        "open_time",
	"open_time":   "open_time",
	"hora":        "open_time",
	"fecha":       "open_time",
	"data":        "open_time",
	"position":    "ticket",
	"posicion":    "ticket",
	"posición":    "ticket",
	"posição":     "ticket",
	"ticket":      "ticket",
	"order":       "ticket",
	"symbol":      "symbol",
	"símbolo":     "symbol",
	"simbolo":     "symbol",
	"instrument":  "symbol",
	"type":        "side",
	"tipo":        "side",
	"side":        "side",
	"direction":   "side",
	"volume":      "volume",
	"volumen":     "volume",
	"lots":        "volume",
	"price":       "open_price",
	"precio":      "open_price",
	"preço":       "open_price",
	"open_price":  "open_price",
	"s_l":         "stop_loss",
	"sl":          "stop_loss",
	"stop_loss":   "stop_loss",
	"t_p":         "take_profit",
	"tp":          "take_profit",
	"take_profit": "take_profit",
	"close_time":  "close_time",
	"close_price": "close_price",
	"commission":  "commission",
	"comisión":    "commission",
	"comision":    "commission",
	"comissão":    "commission",
	"swap":        "swap",
	"profit":      "profit",
	"beneficio":   "profit",
	"lucro":       "profit",
}

// Broker exports repeat the time and price headers for the closing leg.
var closingLeg = map[string]string{
	"open_time":  "close_time",
	"open_price": "close_price",
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	h = strings.NewReplacer(" ", "_", "/", "_", "-", "_").Replace(h)
	for strings.Contains(h, "__") {
		h = strings.ReplaceAll(h, "__", "_")
	}
	return h
}

// headerReader hands gocsv a record stream whose first row has been
// rewritten to rawRow's csv tags.
type headerReader struct {
	r         *csv.Reader
	headerSet bool
	columns   map[string]bool
}

func newHeaderReader(data []byte) *headerReader {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	return &headerReader{r: r, columns: make(map[string]bool)}
}

func (h *headerReader) Read() ([]string, error) {
	rec, err := h.r.Read()
	if err != nil {
		return nil, err
	}
	if !h.headerSet {
		h.headerSet = true
		return h.mapHeader(rec), nil
	}
	return rec, nil
}

func (h *headerReader) ReadAll() ([][]string, error) {
	var out [][]string
	for {
		rec, err := h.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}

func (h *headerReader) mapHeader(rec []string) []string {
	mapped := make([]string, len(rec))
	for i, name := range rec {
		n := normalizeHeader(name)
		tag, ok := headerAliases[n]
		if !ok {
			mapped[i] = n
			continue
		}
		if h.columns[tag] {
			if second, ok := closingLeg[tag]; ok && !h.columns[second] {
				tag = second
			} else {
				mapped[i] = n
				continue
			}
		}
		h.columns[tag] = true
		mapped[i] = tag
	}
	return mapped
}

// extractCSV reads a positions export with a header row. The export counts as
// a positions table when it has at least ticket and symbol columns.
func extractCSV(data []byte) ([]sourceRow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrNoPositionsTable
	}

	reader := newHeaderReader(data)
	var raws []rawRow
	if err := gocsv.UnmarshalCSV(reader, &raws); err != nil {
		if !reader.columns["ticket"] || !reader.columns["symbol"] {
			return nil, ErrNoPositionsTable
		}
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if !reader.columns["ticket"] || !reader.columns["symbol"] {
		return nil, ErrNoPositionsTable
	}

	rows := make([]sourceRow, len(raws))
	for i, r := range raws {
		rows[i] = sourceRow{raw: r}
	}
	return rows, nil
}
