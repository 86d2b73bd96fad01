package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trade-sync/internal/interfaces"
	"trade-sync/internal/logger"
	"trade-sync/internal/types"
)

const DefaultBatchSize = 100

// BatchError reports one failed upsert batch. Trades of other batches are
// unaffected.
type BatchError struct {
	Index int
	Size  int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d (%d trades): %v", e.Index, e.Size, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Reconciler upserts normalized trades keyed by (userID, ticket) and emits a
// TradeClosed event for every closed trade it writes.
type Reconciler struct {
	store     interfaces.TradeStore
	publisher interfaces.EventPublisher
	batchSize int
	now       func() time.Time
}

type Option func(*Reconciler)

func WithBatchSize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// New returns a reconciler. publisher may be nil, in which case closed trades
// trigger nothing.
func New(store interfaces.TradeStore, publisher interfaces.EventPublisher, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:     store,
		publisher: publisher,
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile writes trades in batches. A failed batch counts its trades as
// skipped and appends a BatchError; the remaining batches are still written.
// Repeated tickets within trades collapse to their last occurrence, and the
// earlier copies count as skipped.
func (r *Reconciler) Reconcile(ctx context.Context, userID string, trades []types.NormalizedTrade) types.ReconcileResult {
	timer := logger.StartOperation(ctx, "reconcile.Reconcile", "user_id", userID, "trades", len(trades))
	ctx = timer.Context()

	var result types.ReconcileResult
	unique := dedupe(trades)
	result.Skipped = len(trades) - len(unique)

	for start, index := 0, 0; start < len(unique); start, index = start+r.batchSize, index+1 {
		end := start + r.batchSize
		if end > len(unique) {
			end = len(unique)
		}
		batch := unique[start:end]

		outcomes, err := r.store.UpsertTrades(ctx, userID, batch)
		if err != nil {
			result.Skipped += len(batch)
			result.Errors = append(result.Errors, &BatchError{Index: index, Size: len(batch), Err: err})
			logger.ErrorWithErr(ctx, "Trade batch upsert failed", err, "user_id", userID, "batch", index, "size", len(batch))
			continue
		}

		byTicket := make(map[int64]types.NormalizedTrade, len(batch))
		for _, t := range batch {
			byTicket[t.Ticket] = t
		}
		for _, o := range outcomes {
			if o.Inserted {
				result.Inserted++
			} else {
				result.Updated++
			}
			if t, ok := byTicket[o.Ticket]; ok && t.IsClosed() {
				r.publishClosed(ctx, userID, o.TradeID, t)
			}
		}
	}

	if err := Err(result); err != nil {
		timer.EndWithError(err, "inserted", result.Inserted, "updated", result.Updated, "skipped", result.Skipped)
	} else {
		timer.End("inserted", result.Inserted, "updated", result.Updated, "skipped", result.Skipped)
	}
	logger.Info(ctx, "Trades reconciled",
		"user_id", userID,
		"inserted", result.Inserted,
		"updated", result.Updated,
		"skipped", result.Skipped,
		"failed_batches", len(result.Errors),
	)
	return result
}

// publishClosed never fails the reconcile; publisher errors are logged.
func (r *Reconciler) publishClosed(ctx context.Context, userID string, tradeID int64, t types.NormalizedTrade) {
	if r.publisher == nil {
		return
	}
	event := types.TradeClosedEvent{
		UserID:     userID,
		TradeID:    tradeID,
		Ticket:     t.Ticket,
		Symbol:     t.Symbol,
		OccurredAt: r.now().UTC(),
	}
	if err := r.publisher.PublishTradeClosed(ctx, event); err != nil {
		logger.ErrorWithErr(ctx, "Failed to publish trade closed event", err, "user_id", userID, "ticket", t.Ticket, "trade_id", tradeID)
	}
}

// Err joins the batch errors of a result, or returns nil when every batch
// was written.
func Err(result types.ReconcileResult) error {
	return errors.Join(result.Errors...)
}

// dedupe keeps the last occurrence of every ticket, in first-seen order.
func dedupe(trades []types.NormalizedTrade) []types.NormalizedTrade {
	pos := make(map[int64]int, len(trades))
	out := make([]types.NormalizedTrade, 0, len(trades))
	for _, t := range trades {
		if i, ok := pos[t.Ticket]; ok {
			out[i] = t
			continue
		}
		pos[t.Ticket] = len(out)
		out = append(out, t)
	}
	return out
}
