package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-sync/internal/interfaces"
	"trade-sync/internal/terminal/sim"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestAcquireReusesConnection(t *testing.T) {
	term := sim.New()
	p := NewPool()
	ctx := context.Background()

	c1, err := p.Acquire(ctx, "acc-1", term.Dial)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx, "acc-1", term.Dial)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, term.Dials())
	assert.Equal(t, 1, p.Len())
}

func TestAcquireSingleFlight(t *testing.T) {
	term := sim.New()
	term.SetDialDelay(50 * time.Millisecond)
	p := NewPool()

	const callers = 8
	conns := make([]interfaces.Connection, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.Acquire(context.Background(), "acc-1", term.Dial)
			assert.NoError(t, err)
			conns[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, term.Dials())
	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}
}

func TestAcquireDialFailure(t *testing.T) {
	term := sim.New()
	term.FailDials(errors.New("handshake refused"))
	p := NewPool()

	_, err := p.Acquire(context.Background(), "acc-1", term.Dial)
	require.Error(t, err)

	var cerr *ConnectionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "acc-1", cerr.AccountID)
	assert.EqualError(t, cerr.Err, "handshake refused")
	assert.Equal(t, 0, p.Len())

	term.FailDials(nil)
	_, err = p.Acquire(context.Background(), "acc-1", term.Dial)
	require.NoError(t, err)
	assert.Equal(t, 2, term.Dials())
}

func TestAcquireNilConnection(t *testing.T) {
	p := NewPool()
	_, err := p.Acquire(context.Background(), "acc-1", func(context.Context, string) (interfaces.Connection, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, errNilConnection)
}

func TestAcquireRecoversPanickingDialer(t *testing.T) {
	p := NewPool()

	var err error
	require.NotPanics(t, func() {
		_, err = p.Acquire(context.Background(), "acc-1", func(context.Context, string) (interfaces.Connection, error) {
			panic("terminal bridge crashed")
		})
	})
	var cerr *ConnectionError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, cerr.Error(), "dial panicked: terminal bridge crashed")
	assert.Equal(t, 0, p.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	term := sim.New()
	conn, err := p.Acquire(ctx, "acc-1", term.Dial)
	require.NoError(t, err)
	assert.True(t, conn.IsConnected())
	assert.Equal(t, 1, term.Dials())
}

func TestAcquireRedialsDisconnected(t *testing.T) {
	term := sim.New()
	p := NewPool()
	ctx := context.Background()

	c1, err := p.Acquire(ctx, "acc-1", term.Dial)
	require.NoError(t, err)

	term.SetStatus("acc-1", false, false)
	// The stale connection is closed and replaced by a fresh dial.
	_, err = p.Acquire(ctx, "acc-1", term.Dial)
	require.NoError(t, err)
	assert.Equal(t, 2, term.Dials())
	assert.Equal(t, 1, term.Closes())
	assert.False(t, c1.IsConnected())

	term.SetStatus("acc-1", true, true)
	c3, err := p.Acquire(ctx, "acc-1", term.Dial)
	require.NoError(t, err)
	c4, err := p.Acquire(ctx, "acc-1", term.Dial)
	require.NoError(t, err)
	assert.Same(t, c3, c4)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	term := sim.New()
	clock := newClock()
	p := NewPool(WithIdleTimeout(5*time.Minute), WithClock(clock.Now))
	ctx := context.Background()

	_, err := p.Acquire(ctx, "idle", term.Dial)
	require.NoError(t, err)
	_, err = p.Acquire(ctx, "busy", term.Dial)
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	_, err = p.Acquire(ctx, "busy", term.Dial)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, p.Sweep(ctx))

	_, ok := p.Lookup("idle")
	assert.False(t, ok)
	_, ok = p.Lookup("busy")
	assert.True(t, ok)
	assert.Equal(t, 1, term.Closes())
}

func TestReleaseClosesRegardlessOfIdleTime(t *testing.T) {
	term := sim.New()
	p := NewPool()
	ctx := context.Background()

	c, err := p.Acquire(ctx, "acc-1", term.Dial)
	require.NoError(t, err)

	p.Release(ctx, "acc-1")
	assert.Equal(t, 0, p.Len())
	assert.False(t, c.IsConnected())
	assert.Equal(t, 1, term.Closes())

	p.Release(ctx, "acc-1")
	assert.Equal(t, 1, term.Closes())
}

func TestSnapshotAndClose(t *testing.T) {
	term := sim.New()
	clock := newClock()
	p := NewPool(WithClock(clock.Now))
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		_, err := p.Acquire(ctx, id, term.Dial)
		require.NoError(t, err)
	}

	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].AccountID)
	assert.True(t, snap[0].Connected)
	assert.Equal(t, clock.Now(), snap[0].LastUsedAt)

	p.Close(ctx)
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 2, term.Closes())
}

func TestStartRunsSweeps(t *testing.T) {
	term := sim.New()
	p := NewPool(WithIdleTimeout(time.Second), WithSweepInterval(time.Second))
	ctx := context.Background()

	_, err := p.Acquire(ctx, "acc-1", term.Dial)
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))
	defer p.Close(ctx)

	assert.Eventually(t, func() bool { return p.Len() == 0 }, 5*time.Second, 50*time.Millisecond)
}
