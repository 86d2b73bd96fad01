package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-sync/internal/interfaces"
	"trade-sync/internal/session"
	"trade-sync/internal/terminal/sim"
	"trade-sync/internal/types"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type panickingConn struct{ interfaces.Connection }

func (panickingConn) Status(context.Context) (types.TerminalStatus, error) {
	panic("connection object is gone")
}

func dial(t *testing.T, term *sim.Terminal, id string) interfaces.Connection {
	t.Helper()
	c, err := term.Dial(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestCheckStatusCombinations(t *testing.T) {
	ctx := context.Background()
	term := sim.New()
	m := NewMonitor(nil)

	tests := []struct {
		name         string
		connected    bool
		synchronized bool
		healthy      bool
		detail       string
		state        string
	}{
		{"healthy", true, true, true, "", types.ConnectionConnected},
		{"not connected", false, true, false, types.DetailNotConnected, types.ConnectionDisconnected},
		{"not synchronized", true, false, false, types.DetailNotSynchronized, types.ConnectionError},
		{"neither", false, false, false, types.DetailNotConnected, types.ConnectionDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			term.SetStatus("acc", tt.connected, tt.synchronized)
			assert.Equal(t, tt.healthy, m.Check(ctx, "acc", dial(t, term, "acc")))

			rec, ok := m.Get("acc")
			require.True(t, ok)
			assert.Equal(t, tt.healthy, rec.Healthy)
			assert.Equal(t, tt.detail, rec.Detail)
			assert.Equal(t, tt.state, rec.ConnectionState())
		})
	}
}

func TestCheckRecordsFailuresInsteadOfPropagating(t *testing.T) {
	ctx := context.Background()
	term := sim.New()
	m := NewMonitor(nil)

	term.FailStatus("acc", errors.New("rpc timeout"))
	assert.False(t, m.Check(ctx, "acc", dial(t, term, "acc")))
	rec, _ := m.Get("acc")
	assert.Equal(t, "rpc timeout", rec.Detail)
	assert.Equal(t, types.ConnectionError, rec.ConnectionState())

	assert.NotPanics(t, func() {
		assert.False(t, m.Check(ctx, "gone", panickingConn{}))
	})
	rec, _ = m.Get("gone")
	assert.Contains(t, rec.Detail, "connection object is gone")

	assert.False(t, m.Check(ctx, "nil", nil))
	rec, _ = m.Get("nil")
	assert.Equal(t, detailNoConnection, rec.Detail)

	assert.Len(t, m.All(), 3)
}

func TestCheckOverwritesRecord(t *testing.T) {
	ctx := context.Background()
	term := sim.New()
	m := NewMonitor(nil)
	conn := dial(t, term, "acc")

	term.SetStatus("acc", false, false)
	m.Check(ctx, "acc", conn)
	term.SetStatus("acc", true, true)
	m.Check(ctx, "acc", conn)

	rec, _ := m.Get("acc")
	assert.True(t, rec.Healthy)
	assert.Empty(t, rec.Detail)
	assert.Len(t, m.All(), 1)
}

func TestSweepChecksStaleAndDropsEvicted(t *testing.T) {
	ctx := context.Background()
	term := sim.New()
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	pool := session.NewPool(session.WithClock(clk.Now), session.WithIdleTimeout(5*time.Minute))
	m := NewMonitor(pool, WithInterval(30*time.Second), WithClock(clk.Now))

	_, err := pool.Acquire(ctx, "a", term.Dial)
	require.NoError(t, err)
	_, err = pool.Acquire(ctx, "b", term.Dial)
	require.NoError(t, err)

	assert.Equal(t, 2, m.Sweep(ctx))
	assert.Equal(t, 0, m.Sweep(ctx), "records are fresh")

	clk.Advance(31 * time.Second)
	term.SetStatus("b", true, false)
	assert.Equal(t, 2, m.Sweep(ctx))
	rec, _ := m.Get("b")
	assert.Equal(t, types.DetailNotSynchronized, rec.Detail)

	pool.Release(ctx, "a")
	m.Sweep(ctx)
	rec, ok := m.Get("a")
	require.True(t, ok)
	assert.False(t, rec.Healthy)
	assert.Equal(t, types.DetailNotPooled, rec.Detail)
	assert.Equal(t, types.ConnectionDisconnected, rec.ConnectionState())
}

func TestSweepWithoutSessions(t *testing.T) {
	assert.Equal(t, 0, NewMonitor(nil).Sweep(context.Background()))
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	term := sim.New()
	pool := session.NewPool()
	m := NewMonitor(pool, WithInterval(time.Second))

	_, err := pool.Acquire(ctx, "a", term.Dial)
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	assert.Eventually(t, func() bool {
		rec, ok := m.Get("a")
		return ok && rec.Healthy
	}, 5*time.Second, 50*time.Millisecond)
}
