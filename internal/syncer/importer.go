// Package syncer exposes the two entry points of the service: importing a
// broker report for a user and syncing a live terminal account.
package syncer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"trade-sync/internal/auditlog"
	"trade-sync/internal/logger"
	"trade-sync/internal/reconcile"
	"trade-sync/internal/report"
)

type ImportResult struct {
	ImportID      string `json:"import_id"`
	Parsed        int    `json:"parsed"`
	Inserted      int    `json:"inserted"`
	Updated       int    `json:"updated"`
	Skipped       int    `json:"skipped"`
	FailedBatches int    `json:"failed_batches"`
	Message       string `json:"message"`
}

type Importer struct {
	parser     *report.Parser
	reconciler *reconcile.Reconciler
	audit      *auditlog.Log
}

// NewImporter builds an Importer. audit may be nil.
func NewImporter(parser *report.Parser, reconciler *reconcile.Reconciler, audit *auditlog.Log) *Importer {
	if parser == nil {
		parser = report.NewParser()
	}
	return &Importer{parser: parser, reconciler: reconciler, audit: audit}
}

// Import parses raw and reconciles the trades for userID. Only a report
// without a positions table fails; rows the parser dropped and trades that
// could not be written are counted as skipped.
func (im *Importer) Import(ctx context.Context, userID string, raw []byte, format report.Format) (ImportResult, error) {
	res := ImportResult{ImportID: uuid.NewString()}
	timer := logger.StartOperation(ctx, "syncer.Import", "import_id", res.ImportID, "user_id", userID, "format", format, "bytes", len(raw))
	ctx = timer.Context()

	trades, stats, err := im.parser.ParseWithStats(ctx, raw, format)
	if err != nil {
		timer.EndWithError(err)
		im.audit.Record(ctx, auditlog.Entry{Kind: auditlog.KindImport, ID: res.ImportID, UserID: userID, Error: err.Error()})
		return res, err
	}

	rec := im.reconciler.Reconcile(ctx, userID, trades)
	res.Parsed = stats.Parsed
	res.Inserted = rec.Inserted
	res.Updated = rec.Updated
	res.Skipped = stats.Skipped + rec.Skipped
	res.FailedBatches = len(rec.Errors)
	res.Message = Summary(res.Inserted+res.Updated, res.Skipped)

	entry := auditlog.Entry{
		Kind:     auditlog.KindImport,
		ID:       res.ImportID,
		UserID:   userID,
		Inserted: res.Inserted,
		Updated:  res.Updated,
		Skipped:  res.Skipped,
	}
	if err := reconcile.Err(rec); err != nil {
		entry.Error = err.Error()
	}
	im.audit.Record(ctx, entry)

	timer.End("inserted", res.Inserted, "updated", res.Updated, "skipped", res.Skipped)
	return res, nil
}

// Summary is the line shown to users after an import.
func Summary(imported, skipped int) string {
	return fmt.Sprintf("%d trades imported, %d skipped", imported, skipped)
}
