// Package sim is an in-process trading terminal used in DRY_RUN mode and in
// tests. Every account starts connected and synchronized with no trades.
package sim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"trade-sync/internal/interfaces"
	"trade-sync/internal/types"
)

var ErrClosed = errors.New("sim: connection closed")

type account struct {
	trades       []types.NormalizedTrade
	connected    bool
	synchronized bool
	statusErr    error
}

type Terminal struct {
	mu        sync.Mutex
	accounts  map[string]*account
	dialErr   error
	dialDelay time.Duration
	dials     atomic.Int64
	closes    atomic.Int64
}

func New() *Terminal {
	return &Terminal{accounts: make(map[string]*account)}
}

func (t *Terminal) accountLocked(id string) *account {
	a, ok := t.accounts[id]
	if !ok {
		a = &account{connected: true, synchronized: true}
		t.accounts[id] = a
	}
	return a
}

// SetTrades replaces the trade history the terminal reports for accountID.
func (t *Terminal) SetTrades(accountID string, trades []types.NormalizedTrade) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accountLocked(accountID).trades = append([]types.NormalizedTrade(nil), trades...)
}

func (t *Terminal) SetStatus(accountID string, connected, synchronized bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.accountLocked(accountID)
	a.connected = connected
	a.synchronized = synchronized
}

// FailStatus makes Status calls for accountID return err until cleared with nil.
func (t *Terminal) FailStatus(accountID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accountLocked(accountID).statusErr = err
}

// FailDials makes every Dial return err until cleared with nil.
func (t *Terminal) FailDials(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

// SetDialDelay simulates handshake latency.
func (t *Terminal) SetDialDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialDelay = d
}

// Dials returns how many handshakes were attempted.
func (t *Terminal) Dials() int { return int(t.dials.Load()) }

// Closes returns how many connections were closed.
func (t *Terminal) Closes() int { return int(t.closes.Load()) }

func (t *Terminal) Dial(ctx context.Context, accountID string) (interfaces.Connection, error) {
	t.dials.Add(1)

	t.mu.Lock()
	delay, dialErr := t.dialDelay, t.dialErr
	t.accountLocked(accountID)
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}
	return &Conn{terminal: t, accountID: accountID}, nil
}

type Conn struct {
	terminal  *Terminal
	accountID string
	closed    atomic.Bool
}

var _ interfaces.Connection = (*Conn)(nil)

func (c *Conn) AccountID() string { return c.accountID }

func (c *Conn) IsConnected() bool {
	if c.closed.Load() {
		return false
	}
	c.terminal.mu.Lock()
	defer c.terminal.mu.Unlock()
	return c.terminal.accountLocked(c.accountID).connected
}

func (c *Conn) Status(ctx context.Context) (types.TerminalStatus, error) {
	if c.closed.Load() {
		return types.TerminalStatus{}, ErrClosed
	}
	c.terminal.mu.Lock()
	defer c.terminal.mu.Unlock()
	a := c.terminal.accountLocked(c.accountID)
	if a.statusErr != nil {
		return types.TerminalStatus{}, a.statusErr
	}
	return types.TerminalStatus{Connected: a.connected, Synchronized: a.synchronized}, nil
}

func (c *Conn) TradeHistory(ctx context.Context) ([]types.NormalizedTrade, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.terminal.mu.Lock()
	defer c.terminal.mu.Unlock()
	a := c.terminal.accountLocked(c.accountID)
	return append([]types.NormalizedTrade(nil), a.trades...), nil
}

func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	c.terminal.closes.Add(1)
	return nil
}
