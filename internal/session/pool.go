package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"trade-sync/internal/interfaces"
	"trade-sync/internal/logger"
	"trade-sync/internal/types"
)

const (
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

// ConnectionError is returned by Acquire when the dialer fails. Nothing is
// cached for the account, so the caller may simply retry.
type ConnectionError struct {
	AccountID string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect account %s: %v", e.AccountID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

var errNilConnection = errors.New("dialer returned no connection")

type entry struct {
	conn       interfaces.Connection
	lastUsedAt time.Time
}

// dialCall is an in-progress dial shared by concurrent Acquire calls for the
// same account.
type dialCall struct {
	done chan struct{}
	conn interfaces.Connection
	err  error
}

// Pool caches one live terminal connection per account. Connections are
// created on first use, reused while they report connected, and closed once
// idle for longer than the idle timeout.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*entry
	inflight map[string]*dialCall

	idleTimeout   time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	cron *cron.Cron
}

type Option func(*Pool)

func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.idleTimeout = d
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.sweepInterval = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func NewPool(opts ...Option) *Pool {
	p := &Pool{
		sessions:      make(map[string]*entry),
		inflight:      make(map[string]*dialCall),
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns the pooled connection for accountID, dialing a new one when
// there is none or the cached one no longer reports connected. Concurrent
// calls for the same account share a single dial.
func (p *Pool) Acquire(ctx context.Context, accountID string, dial interfaces.Dialer) (interfaces.Connection, error) {
	p.mu.Lock()
	var stale interfaces.Connection
	if e, ok := p.sessions[accountID]; ok {
		if e.conn.IsConnected() {
			e.lastUsedAt = p.now()
			p.mu.Unlock()
			return e.conn, nil
		}
		stale = e.conn
		delete(p.sessions, accountID)
	}

	if call, ok := p.inflight[accountID]; ok {
		p.mu.Unlock()
		select {
		case <-call.done:
			return call.conn, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	call := &dialCall{done: make(chan struct{})}
	p.inflight[accountID] = call
	p.mu.Unlock()

	if stale != nil {
		logger.Info(ctx, "Dropping disconnected session", "account_id", accountID)
		p.closeConn(ctx, accountID, stale)
	}

	conn, err := p.dial(ctx, accountID, dial, call)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to open session", err, "account_id", accountID)
		return nil, err
	}
	logger.Info(ctx, "Session opened", "account_id", accountID)
	return conn, nil
}

// dial runs the dialer and settles call. A panicking dialer settles call with a
// ConnectionError so waiters and later Acquire calls are not left hanging.
func (p *Pool) dial(ctx context.Context, accountID string, dial interfaces.Dialer, call *dialCall) (conn interfaces.Connection, err error) {
	defer func() {
		if r := recover(); r != nil {
			conn, err = nil, fmt.Errorf("dial panicked: %v", r)
		}
		if err == nil && conn == nil {
			err = errNilConnection
		}
		if err != nil {
			conn, err = nil, &ConnectionError{AccountID: accountID, Err: err}
		}

		p.mu.Lock()
		delete(p.inflight, accountID)
		if err == nil {
			p.sessions[accountID] = &entry{conn: conn, lastUsedAt: p.now()}
		}
		p.mu.Unlock()

		call.conn, call.err = conn, err
		close(call.done)
	}()
	return dial(ctx, accountID)
}

// Release closes and removes the account's session regardless of idle time.
func (p *Pool) Release(ctx context.Context, accountID string) {
	p.mu.Lock()
	e, ok := p.sessions[accountID]
	delete(p.sessions, accountID)
	p.mu.Unlock()

	if !ok {
		return
	}
	p.closeConn(ctx, accountID, e.conn)
	logger.Info(ctx, "Session released", "account_id", accountID)
}

// Sweep closes every session idle for longer than the idle timeout and
// returns how many were evicted.
func (p *Pool) Sweep(ctx context.Context) int {
	cutoff := p.now().Add(-p.idleTimeout)

	p.mu.Lock()
	evicted := make(map[string]interfaces.Connection)
	for id, e := range p.sessions {
		if e.lastUsedAt.Before(cutoff) {
			evicted[id] = e.conn
			delete(p.sessions, id)
		}
	}
	p.mu.Unlock()

	for id, conn := range evicted {
		p.closeConn(ctx, id, conn)
		logger.Info(ctx, "Evicted idle session", "account_id", id, "idle_timeout", p.idleTimeout.String())
	}
	return len(evicted)
}

// Lookup returns the pooled connection without refreshing its last use.
func (p *Pool) Lookup(accountID string) (interfaces.Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sessions[accountID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Snapshot lists the pooled sessions ordered by account.
func (p *Pool) Snapshot() []types.SessionInfo {
	p.mu.Lock()
	out := make([]types.SessionInfo, 0, len(p.sessions))
	for id, e := range p.sessions {
		out = append(out, types.SessionInfo{
			AccountID:  id,
			Connected:  e.conn.IsConnected(),
			LastUsedAt: e.lastUsedAt,
		})
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Start schedules Sweep every sweep interval.
func (p *Pool) Start(ctx context.Context) error {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", p.sweepInterval)
	if _, err := c.AddFunc(spec, func() { p.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule session sweep: %w", err)
	}
	p.mu.Lock()
	p.cron = c
	p.mu.Unlock()

	c.Start()
	logger.Info(ctx, "Session pool sweeper started", "interval", p.sweepInterval.String(), "idle_timeout", p.idleTimeout.String())
	return nil
}

// Close stops the sweeper and closes every pooled session.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	sessions := p.sessions
	p.sessions = make(map[string]*entry)
	p.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	for id, e := range sessions {
		p.closeConn(ctx, id, e.conn)
	}
	logger.Info(ctx, "Session pool closed", "sessions", len(sessions))
}

func (p *Pool) closeConn(ctx context.Context, accountID string, conn interfaces.Connection) {
	if err := conn.Close(); err != nil {
		logger.Warn(ctx, "Error closing session", "account_id", accountID, "error", err.Error())
	}
}
