package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trade-sync/internal/logger"
)

const (
	DefaultConcurrency = 5
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = time.Second
)

// ErrQueueClosed is returned by Enqueue after Close, and resolves tasks that
// were still pending when the queue closed.
var ErrQueueClosed = errors.New("queue closed")

// RetryExhaustedError resolves a task whose every attempt failed. Err is the
// error of the last attempt.
type RetryExhaustedError struct {
	TaskID   string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempts: %v", e.TaskID, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// Operation is one unit of queued work. The context is cancelled when the
// queue closes.
type Operation func(ctx context.Context) (any, error)

// Future is the caller's handle on an enqueued operation.
type Future struct {
	id      string
	done    chan struct{}
	value   any
	err     error
	retries int
}

func (f *Future) ID() string { return f.id }

// Done is closed once the task completed or failed for good.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task resolves or ctx is done. Giving up on a future
// does not cancel its task.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Retries is the number of retries the task used. Valid once Done is closed.
func (f *Future) Retries() int {
	<-f.done
	return f.retries
}

func (f *Future) resolve(value any, err error, retries int) {
	f.value, f.err, f.retries = value, err, retries
	close(f.done)
}

type task struct {
	id         string
	op         Operation
	priority   int
	enqueuedAt time.Time
	retryCount int
	seq        uint64
	future     *Future
	index      int
}

// taskHeap orders by priority descending, then by sequence ascending.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending   int `json:"pending"`
	Delayed   int `json:"delayed"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue dispatches operations by priority with a cap on concurrently running
// tasks. A failed operation is retried after retryDelay*retryCount at the tail
// of its priority band until it has been retried maxRetries times.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending taskHeap
	seq     uint64
	running int
	delayed int

	completed int
	failed    int

	concurrency int
	maxRetries  int
	retryDelay  time.Duration
	limiter     *RateLimiter

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool
	wg      sync.WaitGroup
}

type Option func(*Queue)

func WithConcurrency(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.concurrency = n
		}
	}
}

// WithMaxRetries sets how many times a failing task is retried. Zero disables
// retries. A task runs at most n+1 times, and RetryExhaustedError.Attempts
// reports that count.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.retryDelay = d
		}
	}
}

// WithRateLimit paces dispatch to perSecond tasks a second. Zero or less
// leaves dispatch unpaced.
func WithRateLimit(perSecond float64) Option {
	return func(q *Queue) {
		if perSecond > 0 {
			q.limiter = NewRateLimiterPerSecond(perSecond)
		}
	}
}

// New returns a stopped queue; tasks enqueued before Start wait in order.
func New(opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		concurrency: DefaultConcurrency,
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		ctx:         ctx,
		cancel:      cancel,
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start begins dispatching. Calling it again has no effect.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	q.wg.Add(1)
	go q.dispatch()
}

// Enqueue adds op with the given priority; higher runs first.
func (q *Queue) Enqueue(ctx context.Context, op Operation, priority int) (*Future, error) {
	t := &task{
		id:         uuid.NewString(),
		op:         op,
		priority:   priority,
		enqueuedAt: time.Now(),
	}
	t.future = &Future{id: t.id, done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.pushLocked(t)
	pending := q.pending.Len()
	q.mu.Unlock()
	q.cond.Signal()

	logger.Debug(ctx, "Task enqueued", "task_id", t.id, "priority", priority, "pending", pending)
	return t.future, nil
}

func (q *Queue) pushLocked(t *task) {
	q.seq++
	t.seq = q.seq
	heap.Push(&q.pending, t)
}

func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for !q.closed && (q.pending.Len() == 0 || q.running >= q.concurrency) {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		t := heap.Pop(&q.pending).(*task)
		q.running++
		q.mu.Unlock()

		if q.limiter != nil {
			if err := q.limiter.Wait(q.ctx); err != nil {
				q.mu.Lock()
				q.running--
				q.mu.Unlock()
				t.future.resolve(nil, ErrQueueClosed, t.retryCount)
				return
			}
		}

		q.wg.Add(1)
		go q.run(t)
	}
}

func (q *Queue) run(t *task) {
	defer q.wg.Done()

	value, err := q.execute(t)

	q.mu.Lock()
	q.running--
	if err == nil {
		q.completed++
		q.mu.Unlock()
		q.cond.Signal()
		t.future.resolve(value, nil, t.retryCount)
		return
	}

	if t.retryCount < q.maxRetries && !q.closed {
		t.retryCount++
		q.delayed++
		q.wg.Add(1)
		q.mu.Unlock()
		q.cond.Signal()

		delay := q.retryDelay * time.Duration(t.retryCount)
		logger.Warn(q.ctx, "Task failed, retrying",
			"task_id", t.id,
			"retry", t.retryCount,
			"max_retries", q.maxRetries,
			"delay", delay.String(),
			"error", err.Error(),
		)
		go q.retryAfter(t, delay)
		return
	}

	q.failed++
	q.mu.Unlock()
	q.cond.Signal()

	exhausted := &RetryExhaustedError{TaskID: t.id, Attempts: t.retryCount + 1, Err: err}
	logger.ErrorWithErr(q.ctx, "Task failed", exhausted, "task_id", t.id, "priority", t.priority)
	t.future.resolve(nil, exhausted, t.retryCount)
}

func (q *Queue) execute(t *task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.id, r)
		}
	}()
	return t.op(q.ctx)
}

// retryAfter puts t back at the tail of its priority band once delay passes.
func (q *Queue) retryAfter(t *task, delay time.Duration) {
	defer q.wg.Done()

	timer := time.NewTimer(delay)
	select {
	case <-timer.C:
	case <-q.ctx.Done():
		timer.Stop()
	}

	q.mu.Lock()
	q.delayed--
	if q.closed {
		q.mu.Unlock()
		t.future.resolve(nil, ErrQueueClosed, t.retryCount)
		return
	}
	q.pushLocked(t)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:   q.pending.Len(),
		Delayed:   q.delayed,
		Running:   q.running,
		Completed: q.completed,
		Failed:    q.failed,
	}
}

// Close stops dispatch, resolves pending tasks with ErrQueueClosed, cancels
// running operations and waits for them to return.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := make([]*task, 0, q.pending.Len())
	for q.pending.Len() > 0 {
		dropped = append(dropped, heap.Pop(&q.pending).(*task))
	}
	q.mu.Unlock()

	q.cancel()
	q.cond.Broadcast()
	for _, t := range dropped {
		t.future.resolve(nil, ErrQueueClosed, t.retryCount)
	}
	q.wg.Wait()
}
