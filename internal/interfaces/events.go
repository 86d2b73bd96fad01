package interfaces

import (
	"context"

	"trade-sync/internal/types"
)

type EventPublisher interface {
	PublishTradeClosed(ctx context.Context, evt types.TradeClosedEvent) error
	Close() error
}
