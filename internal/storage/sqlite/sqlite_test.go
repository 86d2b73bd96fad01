package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-sync/internal/storage"
	"trade-sync/internal/types"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func sampleTrade(ticket int64, closed bool) types.NormalizedTrade {
	open := time.Date(2024, 1, 2, 9, 15, 0, 0, time.UTC)
	t := types.NormalizedTrade{
		Ticket:     ticket,
		Symbol:     "EURUSD",
		Side:       types.SideBuy,
		Volume:     decimal.RequireFromString("0.5"),
		OpenPrice:  decimal.RequireFromString("1.09456"),
		StopLoss:   dec("1.09356"),
		TakeProfit: dec("1.09756"),
		Commission: decimal.RequireFromString("-3.5"),
		Swap:       decimal.Zero,
		Profit:     decimal.RequireFromString("150"),
		OpenTime:   open,
	}
	if closed {
		ct := open.Add(2 * time.Hour)
		t.CloseTime = &ct
		t.ClosePrice = dec("1.09756")
	}
	t.Status = types.DeriveStatus(t.CloseTime)
	return t
}

func TestUpsertInsertsThenUpdates(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	out, err := s.UpsertTrades(ctx, "u1", []types.NormalizedTrade{sampleTrade(100234, false), sampleTrade(100235, false)})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[0].Inserted)
	assert.True(t, out[1].Inserted)

	closed := sampleTrade(100234, true)
	out2, err := s.UpsertTrades(ctx, "u1", []types.NormalizedTrade{closed})
	require.NoError(t, err)
	require.Len(t, out2, 1)
	assert.False(t, out2[0].Inserted)
	assert.Equal(t, out[0].TradeID, out2[0].TradeID)

	trades, err := s.ListTrades(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, trades, 2)

	got := trades[0]
	assert.Equal(t, int64(100234), got.Ticket)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, types.StatusClosed, got.Status)
	require.NotNil(t, got.CloseTime)
	assert.True(t, got.CloseTime.Equal(*closed.CloseTime))
	assert.True(t, got.OpenPrice.Equal(closed.OpenPrice))
	require.NotNil(t, got.ClosePrice)
	assert.Equal(t, "1.09756", got.ClosePrice.String())
	assert.True(t, got.Commission.Equal(decimal.RequireFromString("-3.5")))

	assert.Equal(t, types.StatusOpen, trades[1].Status)
	assert.Nil(t, trades[1].ClosePrice)
}

func TestListTradesIsPerUser(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.UpsertTrades(ctx, "u1", []types.NormalizedTrade{sampleTrade(1, false)})
	require.NoError(t, err)
	_, err = s.UpsertTrades(ctx, "u2", []types.NormalizedTrade{sampleTrade(1, false)})
	require.NoError(t, err)

	trades, err := s.ListTrades(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	none, err := s.ListTrades(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestComputeMetricsAndAnnotations(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	s.now = func() time.Time { return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) }

	out, err := s.UpsertTrades(ctx, "u1", []types.NormalizedTrade{sampleTrade(1, true), sampleTrade(2, false)})
	require.NoError(t, err)

	require.NoError(t, s.ComputeMetrics(ctx, out[0].TradeID))
	require.NoError(t, s.ComputeMetrics(ctx, out[0].TradeID), "recompute overwrites")
	require.NoError(t, s.ComputeMetrics(ctx, out[1].TradeID), "open trades are ignored")
	assert.ErrorIs(t, s.ComputeMetrics(ctx, 999), storage.ErrTradeNotFound)

	require.NoError(t, s.AddTag(ctx, "u1", out[0].TradeID, "breakout"))
	require.NoError(t, s.AddTag(ctx, "u1", out[0].TradeID, "breakout"))
	require.NoError(t, s.AddNote(ctx, "u1", out[0].TradeID, "entered early"))
	assert.ErrorIs(t, s.AddTag(ctx, "u2", out[0].TradeID, "x"), storage.ErrTradeNotFound)

	trades, err := s.ListTrades(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, trades, 2)

	m := trades[0].Metrics
	require.NotNil(t, m)
	assert.Equal(t, types.OutcomeWin, m.Outcome)
	assert.True(t, m.NetProfit.Equal(decimal.RequireFromString("146.5")))
	assert.Equal(t, int64(7200), m.HoldingSeconds)
	require.NotNil(t, m.RiskReward)
	assert.InDelta(t, 3.0, *m.RiskReward, 1e-9)
	assert.Equal(t, []string{"breakout"}, trades[0].Tags)
	assert.Equal(t, []string{"entered early"}, trades[0].Notes)

	assert.Nil(t, trades[1].Metrics)
}

func TestOpenFileDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trades.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = s.UpsertTrades(ctx, "u1", []types.NormalizedTrade{sampleTrade(1, false)})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	trades, err := s.ListTrades(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}
