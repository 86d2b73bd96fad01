package interfaces

import (
	"context"

	"trade-sync/internal/types"
)

// TradeStore is the persistent record sink/source for normalized trades.
type TradeStore interface {
	// UpsertTrades writes one batch atomically, keyed by (userID, ticket).
	UpsertTrades(ctx context.Context, userID string, trades []types.NormalizedTrade) ([]types.UpsertOutcome, error)
	MetricsComputer
	ListTrades(ctx context.Context, userID string) ([]types.StoredTrade, error)
	Close() error
}

type MetricsComputer interface {
	ComputeMetrics(ctx context.Context, tradeID int64) error
}

// JournalStore is a TradeStore that also keeps user tags and notes.
type JournalStore interface {
	TradeStore
	AddTag(ctx context.Context, userID string, tradeID int64, tag string) error
	AddNote(ctx context.Context, userID string, tradeID int64, body string) error
}
