package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDispatchOrderByPriorityThenFIFO(t *testing.T) {
	q := New(WithConcurrency(1))
	defer q.Close()
	ctx := waitCtx(t)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) Operation {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}

	var futures []*Future
	for _, tc := range []struct {
		name     string
		priority int
	}{{"first-low", 1}, {"high", 5}, {"second-low", 1}} {
		f, err := q.Enqueue(ctx, record(tc.name), tc.priority)
		require.NoError(t, err)
		futures = append(futures, f)
	}

	q.Start()
	for _, f := range futures {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"high", "first-low", "second-low"}, order)
}

func TestRetryThenSucceed(t *testing.T) {
	q := New(WithRetryDelay(time.Millisecond))
	q.Start()
	defer q.Close()
	ctx := waitCtx(t)

	var calls atomic.Int32
	f, err := q.Enqueue(ctx, func(context.Context) (any, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("throttled")
		}
		return "synced", nil
	}, 0)
	require.NoError(t, err)

	v, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "synced", v)
	assert.Equal(t, 2, f.Retries())
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, q.Stats().Completed)
}

func TestRetryExhausted(t *testing.T) {
	q := New(WithMaxRetries(3), WithRetryDelay(time.Millisecond))
	q.Start()
	defer q.Close()
	ctx := waitCtx(t)

	var calls atomic.Int32
	f, err := q.Enqueue(ctx, func(context.Context) (any, error) {
		n := calls.Add(1)
		return nil, fmt.Errorf("attempt %d failed", n)
	}, 0)
	require.NoError(t, err)

	_, err = f.Wait(ctx)
	require.Error(t, err)

	var exhausted *RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, f.ID(), exhausted.TaskID)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.EqualError(t, exhausted.Err, "attempt 4 failed")
	assert.Equal(t, 3, f.Retries())
	assert.Equal(t, int32(4), calls.Load())

	stats := q.Stats()
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Delayed)
}

func TestZeroRetries(t *testing.T) {
	q := New(WithMaxRetries(0))
	q.Start()
	defer q.Close()

	f, err := q.Enqueue(context.Background(), func(context.Context) (any, error) {
		return nil, errors.New("nope")
	}, 0)
	require.NoError(t, err)

	_, err = f.Wait(waitCtx(t))
	var exhausted *RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 1, exhausted.Attempts)
}

func TestRetryGoesToTailOfBand(t *testing.T) {
	q := New(WithConcurrency(1), WithRetryDelay(0))
	defer q.Close()
	ctx := waitCtx(t)

	var (
		mu    sync.Mutex
		order []string
	)
	var failedOnce atomic.Bool
	flaky := func(context.Context) (any, error) {
		mu.Lock()
		order = append(order, "flaky")
		mu.Unlock()
		if !failedOnce.Swap(true) {
			return nil, errors.New("first try fails")
		}
		return nil, nil
	}
	steady := func(context.Context) (any, error) {
		mu.Lock()
		order = append(order, "steady")
		mu.Unlock()
		return nil, nil
	}

	f1, err := q.Enqueue(ctx, flaky, 1)
	require.NoError(t, err)
	f2, err := q.Enqueue(ctx, steady, 1)
	require.NoError(t, err)

	q.Start()
	_, err = f1.Wait(ctx)
	require.NoError(t, err)
	_, err = f2.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"flaky", "steady", "flaky"}, order)
}

func TestConcurrencyCap(t *testing.T) {
	const limit = 2
	q := New(WithConcurrency(limit))
	q.Start()
	defer q.Close()
	ctx := waitCtx(t)

	var running, peak atomic.Int32
	op := func(context.Context) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}

	var futures []*Future
	for i := 0; i < 8; i++ {
		f, err := q.Enqueue(ctx, op, 0)
		require.NoError(t, err)
		futures = append(futures, f)
	}
	for _, f := range futures {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Equal(t, 8, q.Stats().Completed)
}

func TestPanicIsTaskFailure(t *testing.T) {
	q := New(WithMaxRetries(0))
	q.Start()
	defer q.Close()

	f, err := q.Enqueue(context.Background(), func(context.Context) (any, error) {
		panic("boom")
	}, 0)
	require.NoError(t, err)

	_, err = f.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCloseResolvesPendingTasks(t *testing.T) {
	q := New()
	f, err := q.Enqueue(context.Background(), func(context.Context) (any, error) { return 1, nil }, 0)
	require.NoError(t, err)

	q.Close()
	_, err = f.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrQueueClosed)

	_, err = q.Enqueue(context.Background(), func(context.Context) (any, error) { return 1, nil }, 0)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestCloseCancelsRetryBackoff(t *testing.T) {
	q := New(WithRetryDelay(time.Hour))
	q.Start()

	f, err := q.Enqueue(context.Background(), func(context.Context) (any, error) {
		return nil, errors.New("down")
	}, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return q.Stats().Delayed == 1 }, 5*time.Second, 5*time.Millisecond)
	q.Close()

	_, err = f.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestRateLimitPacesDispatch(t *testing.T) {
	q := New(WithRateLimit(20), WithConcurrency(10))
	q.Start()
	defer q.Close()
	ctx := waitCtx(t)

	start := time.Now()
	var futures []*Future
	for i := 0; i < 25; i++ {
		f, err := q.Enqueue(ctx, func(context.Context) (any, error) { return nil, nil }, 0)
		require.NoError(t, err)
		futures = append(futures, f)
	}
	for _, f := range futures {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}
	// A burst of 20, then 5 more at 50ms apart.
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}
