package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/agnivade/levenshtein"
)

// Section titles used by localized broker exports for the positions table.
var positionMarkers = []string{"position", "posicion", "posición", "posiz", "posiç"}

const (
	markerWord        = "positions"
	markerMaxDistance = 2
	markerMinWordLen  = 6
)

// isPositionsHeader reports whether text names the positions section. Besides
// the known localized stems it accepts words within a small edit distance of
// "positions" to cope with misspelled or transliterated titles.
func isPositionsHeader(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return false
	}
	for _, m := range positionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	for _, word := range strings.Fields(lower) {
		if len(word) < markerMinWordLen {
			continue
		}
		if levenshtein.ComputeDistance(word, markerWord) <= markerMaxDistance {
			return true
		}
	}
	return false
}

// extractHTML finds the first table carrying a positions section header and
// returns the data rows between that header and the next section header.
func (p *Parser) extractHTML(data []byte) ([]sourceRow, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("read html: %w", err)
	}

	var (
		rows  []sourceRow
		found bool
	)
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		inSection := false
		table.Find("tr").EachWithBreak(func(_ int, tr *goquery.Selection) bool {
			if p.isDataRow(tr) {
				if inSection {
					rows = append(rows, p.dataRow(tr))
				}
				return true
			}
			cells := visibleCells(tr)
			if !inSection {
				if anyPositionsHeader(cells) {
					inSection = true
					found = true
				}
				return true
			}
			// A one-cell title row starts the next section.
			return !isSectionTitle(cells)
		})
		return !found
	})

	if !found {
		return nil, ErrNoPositionsTable
	}
	return rows, nil
}

func (p *Parser) isDataRow(tr *goquery.Selection) bool {
	v, ok := tr.Attr(p.rowAttr)
	return ok && strings.EqualFold(strings.TrimSpace(v), p.rowValue)
}

func (p *Parser) dataRow(tr *goquery.Selection) sourceRow {
	cells := visibleCells(tr)
	if len(cells) < p.minColumns {
		return sourceRow{err: &rowError{
			field:  "row",
			reason: fmt.Sprintf("%d cells, need %d", len(cells), p.minColumns),
		}}
	}
	return sourceRow{raw: rowFromCells(cells)}
}

// visibleCells returns the trimmed text of the row's cells, leaving out
// cells the export hides with class="hidden".
func visibleCells(tr *goquery.Selection) []string {
	var cells []string
	tr.Children().Filter("td, th").Each(func(_ int, cell *goquery.Selection) {
		if cell.HasClass("hidden") {
			return
		}
		cells = append(cells, strings.TrimSpace(cell.Text()))
	})
	return cells
}

func anyPositionsHeader(cells []string) bool {
	for _, c := range cells {
		if isPositionsHeader(c) {
			return true
		}
	}
	return false
}

func isSectionTitle(cells []string) bool {
	nonEmpty := 0
	for _, c := range cells {
		if c != "" {
			nonEmpty++
		}
	}
	return nonEmpty == 1
}
