// Package terminalobs adds spans and logs around terminal dialing and the
// remote calls made on a connection.
package terminalobs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"trade-sync/internal/interfaces"
	"trade-sync/internal/logger"
	"trade-sync/internal/trace"
	"trade-sync/internal/types"
)

type observableConn struct {
	conn interfaces.Connection
}

var _ interfaces.Connection = (*observableConn)(nil)

// WrapDialer returns a Dialer whose connections are wrapped with Wrap.
func WrapDialer(dial interfaces.Dialer) interfaces.Dialer {
	return func(ctx context.Context, accountID string) (interfaces.Connection, error) {
		ctx, span := trace.StartSpan(ctx, "terminal.Dial", trace.AccountID(accountID))
		defer span.End()

		logger.Debug(ctx, "Dialing terminal", "account_id", accountID)
		start := time.Now()

		conn, err := dial(ctx, accountID)
		if err != nil {
			trace.Fail(span, err)
			logger.ErrorWithErr(ctx, "Terminal dial failed", err, "account_id", accountID)
			return nil, err
		}
		logger.Info(ctx, "Terminal connected", "account_id", accountID, "duration_ms", time.Since(start).Milliseconds())
		return Wrap(conn), nil
	}
}

func Wrap(conn interfaces.Connection) interfaces.Connection {
	if conn == nil {
		return nil
	}
	return &observableConn{conn: conn}
}

func (oc *observableConn) AccountID() string { return oc.conn.AccountID() }

func (oc *observableConn) IsConnected() bool { return oc.conn.IsConnected() }

func (oc *observableConn) Status(ctx context.Context) (types.TerminalStatus, error) {
	ctx, span := trace.StartSpan(ctx, "terminal.Status", trace.AccountID(oc.conn.AccountID()))
	defer span.End()

	st, err := oc.conn.Status(ctx)
	if err != nil {
		trace.Fail(span, err)
		logger.ErrorWithErr(ctx, "Terminal status failed", err, "account_id", oc.conn.AccountID())
		return st, err
	}
	logger.Debug(ctx, "Terminal status",
		"account_id", oc.conn.AccountID(),
		"connected", st.Connected,
		"synchronized", st.Synchronized,
	)
	return st, nil
}

func (oc *observableConn) TradeHistory(ctx context.Context) ([]types.NormalizedTrade, error) {
	ctx, span := trace.StartSpan(ctx, "terminal.TradeHistory", trace.AccountID(oc.conn.AccountID()))
	defer span.End()

	logger.Debug(ctx, "Fetching trade history", "account_id", oc.conn.AccountID())

	trades, err := oc.conn.TradeHistory(ctx)
	if err != nil {
		trace.Fail(span, err)
		logger.ErrorWithErr(ctx, "Failed to fetch trade history", err, "account_id", oc.conn.AccountID())
		return nil, err
	}

	span.SetAttributes(attribute.Int("trade_sync.trades", len(trades)))
	logger.Info(ctx, "Trade history fetched", "account_id", oc.conn.AccountID(), "count", len(trades))
	return trades, nil
}

func (oc *observableConn) Close() error {
	err := oc.conn.Close()
	if err != nil {
		logger.Warn(context.Background(), "Terminal close failed", "account_id", oc.conn.AccountID(), "error", err.Error())
		return err
	}
	logger.Debug(context.Background(), "Terminal connection closed", "account_id", oc.conn.AccountID())
	return nil
}
