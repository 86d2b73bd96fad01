package report

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPositionsTable means the input contains no recognizable positions table.
	ErrNoPositionsTable = errors.New("no positions table found")
	// ErrUnsupportedFormat is returned for formats other than html and csv.
	ErrUnsupportedFormat = errors.New("unsupported report format")
)

// ParseError is the only error Parse returns. Row-level problems never
// surface as errors; they are counted in ParseStats.Skipped.
type ParseError struct {
	Format Format
	Reason error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s report: %v", e.Format, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Reason
}

// rowError explains why one row was skipped.
type rowError struct {
	field  string
	reason string
}

func (e *rowError) Error() string {
	return fmt.Sprintf("%s: %s", e.field, e.reason)
}
