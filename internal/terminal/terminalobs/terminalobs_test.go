package terminalobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-sync/internal/terminal/sim"
	"trade-sync/internal/types"
)

func TestWrappedDialerPassesThrough(t *testing.T) {
	term := sim.New()
	term.SetTrades("acc-1", []types.NormalizedTrade{{Ticket: 1}, {Ticket: 2}})
	dial := WrapDialer(term.Dial)

	conn, err := dial(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", conn.AccountID())
	assert.True(t, conn.IsConnected())

	st, err := conn.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Synchronized)

	trades, err := conn.TradeHistory(context.Background())
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Close(), sim.ErrClosed)
	assert.Equal(t, 1, term.Closes())
}

func TestWrappedDialerReturnsErrors(t *testing.T) {
	term := sim.New()
	boom := errors.New("handshake refused")
	term.FailDials(boom)

	conn, err := WrapDialer(term.Dial)(context.Background(), "acc-1")
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, conn)

	term.FailDials(nil)
	term.FailStatus("acc-1", boom)
	conn, err = WrapDialer(term.Dial)(context.Background(), "acc-1")
	require.NoError(t, err)
	_, err = conn.Status(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil))
}
