package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-sync/internal/reconcile"
	"trade-sync/internal/storage/sqlite"
	"trade-sync/internal/types"
)

type metricsRecorder struct {
	mu      sync.Mutex
	ids     []int64
	err     error
	release chan struct{}
}

func (m *metricsRecorder) ComputeMetrics(_ context.Context, tradeID int64) error {
	if m.release != nil {
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, tradeID)
	return m.err
}

func (m *metricsRecorder) seen() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.ids...)
}

func event(id int64) types.TradeClosedEvent {
	return types.TradeClosedEvent{UserID: "u", TradeID: id, Ticket: id + 1000, Symbol: "EURUSD", OccurredAt: time.Unix(0, 0).UTC()}
}

func TestDispatcherComputesMetrics(t *testing.T) {
	rec := &metricsRecorder{}
	d := NewDispatcher(rec, 2)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, d.PublishTradeClosed(context.Background(), event(i)))
	}
	require.NoError(t, d.Close())

	assert.ElementsMatch(t, []int64{1, 2, 3}, rec.seen())
	assert.ErrorIs(t, d.PublishTradeClosed(context.Background(), event(4)), ErrClosed)
}

type slowMetrics struct {
	metricsRecorder
	delay time.Duration
}

func (m *slowMetrics) ComputeMetrics(ctx context.Context, tradeID int64) error {
	time.Sleep(m.delay)
	return m.metricsRecorder.ComputeMetrics(ctx, tradeID)
}

func TestDispatcherKeepsEveryEventUnderBurst(t *testing.T) {
	rec := &slowMetrics{delay: time.Millisecond}
	d := NewDispatcher(rec, 2)

	for i := int64(1); i <= 1000; i++ {
		require.NoError(t, d.PublishTradeClosed(context.Background(), event(i)))
	}
	assert.Greater(t, d.Pending(), 0)
	require.NoError(t, d.Close())

	seen := rec.seen()
	require.Len(t, seen, 1000)
	want := make([]int64, 1000)
	for i := range want {
		want[i] = int64(i + 1)
	}
	assert.ElementsMatch(t, want, seen)
	assert.Zero(t, d.Pending())
}

func TestReconcileBurstComputesMetricsForEveryClosedTrade(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	d := NewDispatcher(store, 1)
	r := reconcile.New(store, d)

	const n = 600
	trades := make([]types.NormalizedTrade, 0, n)
	open := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	for i := int64(1); i <= n; i++ {
		closeAt := open.Add(time.Hour)
		closePrice := decimal.RequireFromString("1.2")
		trades = append(trades, types.NormalizedTrade{
			Ticket:     i,
			Symbol:     "EURUSD",
			Side:       types.SideBuy,
			Volume:     decimal.RequireFromString("0.1"),
			OpenPrice:  decimal.RequireFromString("1.1"),
			ClosePrice: &closePrice,
			OpenTime:   open,
			CloseTime:  &closeAt,
			Status:     types.StatusClosed,
		})
	}

	result := r.Reconcile(ctx, "u1", trades)
	require.NoError(t, reconcile.Err(result))
	assert.Equal(t, n, result.Inserted)
	require.NoError(t, d.Close())

	stored, err := store.ListTrades(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, stored, n)
	for _, st := range stored {
		assert.NotNil(t, st.Metrics, "ticket %d has no metrics", st.Ticket)
	}
}

type blockingMetrics struct {
	started chan struct{}
	once    sync.Once
}

func (m *blockingMetrics) ComputeMetrics(ctx context.Context, _ int64) error {
	m.once.Do(func() { close(m.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcherCloseGivesUpAfterDrainTimeout(t *testing.T) {
	m := &blockingMetrics{started: make(chan struct{})}
	d := NewDispatcher(m, 1, WithDrainTimeout(50*time.Millisecond))

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, d.PublishTradeClosed(context.Background(), event(i)))
	}
	<-m.started

	begin := time.Now()
	require.NoError(t, d.Close())
	assert.Less(t, time.Since(begin), 2*time.Second)
	assert.Zero(t, d.Pending())
	assert.NoError(t, d.Close())
}

func TestDispatcherLogsComputeErrors(t *testing.T) {
	rec := &metricsRecorder{err: errors.New("store offline")}
	d := NewDispatcher(rec, 1)
	require.NoError(t, d.PublishTradeClosed(context.Background(), event(1)))
	require.NoError(t, d.Close())
	assert.Equal(t, []int64{1}, rec.seen())
}

type slowBatchPublisher struct {
	mu      sync.Mutex
	batches [][]int64
	delay   time.Duration
	err     error
	closed  bool
}

func (p *slowBatchPublisher) PublishBatch(_ context.Context, events []types.TradeClosedEvent) error {
	time.Sleep(p.delay)
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.TradeID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, ids)
	return p.err
}

func (p *slowBatchPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestDetachDoesNotBlockOnSlowBroker(t *testing.T) {
	pub := &slowBatchPublisher{delay: 100 * time.Millisecond, err: errors.New("leader not available")}
	d := Detach(pub)

	begin := time.Now()
	for i := int64(1); i <= 250; i++ {
		require.NoError(t, d.PublishTradeClosed(context.Background(), event(i)))
	}
	assert.Less(t, time.Since(begin), 50*time.Millisecond)
	require.NoError(t, d.Close())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.True(t, pub.closed)
	var order []int64
	for _, b := range pub.batches {
		assert.LessOrEqual(t, len(b), kafkaBatch)
		order = append(order, b...)
	}
	require.Len(t, order, 250)
	for i, id := range order {
		assert.Equal(t, int64(i+1), id)
	}
}

type fakeWriter struct {
	msgs  []kafka.Message
	calls int
	err   error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.calls++
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisherEncodesEvent(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{w: w}

	require.NoError(t, p.PublishTradeClosed(context.Background(), event(7)))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "u", string(msg.Key))
	assert.Equal(t, "7", string(msg.Headers[0].Value))

	var got types.TradeClosedEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, event(7), got)

	batch := []types.TradeClosedEvent{event(8), event(9), event(10)}
	require.NoError(t, p.PublishBatch(context.Background(), batch))
	require.Len(t, w.msgs, 4)
	assert.Equal(t, 2, w.calls)
	assert.Equal(t, "10", string(w.msgs[3].Headers[0].Value))

	w.err = errors.New("leader not available")
	assert.ErrorContains(t, p.PublishTradeClosed(context.Background(), event(8)), "leader not available")
}

type fakeReader struct {
	msgs []kafka.Message
}

func (r *fakeReader) ReadMessage(context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) Close() error { return nil }

func TestKafkaConsumerHandlesMessages(t *testing.T) {
	good, err := json.Marshal(event(5))
	require.NoError(t, err)

	rec := &metricsRecorder{}
	c := &KafkaConsumer{
		r:       &fakeReader{msgs: []kafka.Message{{Value: []byte("{not json")}, {Value: good}}},
		metrics: rec,
	}

	err = c.Run(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []int64{5}, rec.seen())
}

type stubPublisher struct {
	calls int
	err   error
}

func (s *stubPublisher) PublishTradeClosed(context.Context, types.TradeClosedEvent) error {
	s.calls++
	return s.err
}

func (s *stubPublisher) Close() error { return s.err }

func TestFanoutPublishesToAll(t *testing.T) {
	a := &stubPublisher{}
	b := &stubPublisher{err: errors.New("b failed")}
	f := Fanout{a, b}

	err := f.PublishTradeClosed(context.Background(), event(1))
	assert.EqualError(t, err, "b failed")
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Error(t, f.Close())
}
