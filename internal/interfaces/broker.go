package interfaces

import (
	"context"

	"trade-sync/internal/types"
)

// Connection is one live session against a remote trading terminal.
type Connection interface {
	AccountID() string
	// IsConnected reports the locally known link state without a round trip.
	IsConnected() bool
	Status(ctx context.Context) (types.TerminalStatus, error)
	TradeHistory(ctx context.Context) ([]types.NormalizedTrade, error)
	Close() error
}

// Dialer performs the remote handshake for an account.
type Dialer func(ctx context.Context, accountID string) (Connection, error)
