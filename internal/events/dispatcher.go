package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"trade-sync/internal/interfaces"
	"trade-sync/internal/logger"
	"trade-sync/internal/types"
)

var ErrClosed = errors.New("event dispatcher closed")

const (
	DefaultDrainTimeout = 30 * time.Second
	// kafkaBatch caps how many pending events go into one Kafka write.
	kafkaBatch = 100
)

// BatchPublisher writes several events in one call.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, events []types.TradeClosedEvent) error
	Close() error
}

// Dispatcher hands TradeClosed events to background workers. Publishing
// never blocks and never drops: events wait in an unbounded pending list until
// a worker takes them.
type Dispatcher struct {
	name     string
	handle   func(ctx context.Context, batch []types.TradeClosedEvent)
	onClose  func() error
	maxBatch int
	drain    time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	pending []types.TradeClosedEvent
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ interfaces.EventPublisher = (*Dispatcher)(nil)

type Option func(*Dispatcher)

// WithDrainTimeout bounds how long Close waits for pending events. Events
// still pending afterwards are dropped with a warning.
func WithDrainTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.drain = d
		}
	}
}

// NewDispatcher recomputes metrics for every event on workers goroutines.
func NewDispatcher(metrics interfaces.MetricsComputer, workers int, opts ...Option) *Dispatcher {
	return start("metrics", workers, 1, func(ctx context.Context, batch []types.TradeClosedEvent) {
		for _, e := range batch {
			Handle(ctx, metrics, e)
		}
	}, nil, opts...)
}

// Detach publishes through pub on one background goroutine, in publish order
// and in batches, so a slow or unreachable broker never holds up the caller.
// Close also closes pub.
func Detach(pub BatchPublisher, opts ...Option) *Dispatcher {
	return start("publish", 1, kafkaBatch, func(ctx context.Context, batch []types.TradeClosedEvent) {
		if err := pub.PublishBatch(ctx, batch); err != nil {
			logger.ErrorWithErr(ctx, "Failed to publish trade closed events", err, "events", len(batch))
		}
	}, pub.Close, opts...)
}

func start(name string, workers, maxBatch int, handle func(context.Context, []types.TradeClosedEvent), onClose func() error, opts ...Option) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		name:     name,
		handle:   handle,
		onClose:  onClose,
		maxBatch: maxBatch,
		drain:    DefaultDrainTimeout,
		ctx:      ctx,
		cancel:   cancel,
	}
	d.cond = sync.NewCond(&d.mu)
	for _, opt := range opts {
		opt(d)
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) PublishTradeClosed(_ context.Context, e types.TradeClosedEvent) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.pending = append(d.pending, e)
	d.mu.Unlock()
	d.cond.Signal()
	return nil
}

// Pending is the number of events not yet taken by a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.pending) == 0 {
			d.mu.Unlock()
			return
		}
		n := min(len(d.pending), d.maxBatch)
		batch := append([]types.TradeClosedEvent(nil), d.pending[:n]...)
		d.pending = d.pending[n:]
		if len(d.pending) == 0 {
			d.pending = nil
		}
		d.mu.Unlock()

		d.handle(d.ctx, batch)
	}
}

// Handle recomputes metrics for one event, logging failures.
func Handle(ctx context.Context, metrics interfaces.MetricsComputer, e types.TradeClosedEvent) {
	if err := metrics.ComputeMetrics(ctx, e.TradeID); err != nil {
		logger.ErrorWithErr(ctx, "Metric recomputation failed", err,
			"user_id", e.UserID, "trade_id", e.TradeID, "ticket", e.Ticket)
		return
	}
	logger.Debug(ctx, "Metrics recomputed", "trade_id", e.TradeID, "symbol", e.Symbol)
}

// Close stops accepting events and waits for pending ones, up to the drain
// timeout. Handlers still running after that see their context cancelled.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.drain)
	select {
	case <-done:
		timer.Stop()
	case <-timer.C:
		d.mu.Lock()
		dropped := len(d.pending)
		d.pending = nil
		d.mu.Unlock()
		d.cancel()
		logger.Warn(context.Background(), "Event drain timed out",
			"dispatcher", d.name, "dropped", dropped, "timeout", d.drain.String())
		<-done
	}
	d.cancel()

	if d.onClose != nil {
		return d.onClose()
	}
	return nil
}
