// Package kite connects accounts to Zerodha Kite. One access token per account
// is expected; the handshake is a profile fetch.
package kite

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"trade-sync/internal/interfaces"
	"trade-sync/internal/logger"
	"trade-sync/internal/report"
	"trade-sync/internal/types"
)

var (
	ErrNoAccessToken = errors.New("kite: no access token for account")
	ErrClosed        = errors.New("kite: connection closed")
)

// api is the subset of *kiteconnect.Client a connection needs.
type api interface {
	GetUserProfile() (kiteconnect.UserProfile, error)
	GetPositions() (kiteconnect.Positions, error)
	GetTrades() (kiteconnect.Trades, error)
}

// link is the subset of *kiteticker.Ticker used to follow the socket state.
type link interface {
	OnConnect(func())
	OnClose(func(code int, reason string))
	OnError(func(err error))
	OnNoReconnect(func(attempt int))
	Serve()
	Stop()
}

type Params struct {
	APIKey       string
	AccessTokens map[string]string
	// Stream keeps a ticker socket open per session so IsConnected follows
	// the live link instead of the last REST call.
	Stream bool
}

type Dialer struct {
	p         Params
	newClient func(apiKey, token string) api
	newLink   func(apiKey, token string) link
}

func NewDialer(p Params) *Dialer {
	return &Dialer{
		p: p,
		newClient: func(apiKey, token string) api {
			kc := kiteconnect.New(apiKey)
			kc.SetAccessToken(token)
			return kc
		},
		newLink: func(apiKey, token string) link {
			return kiteticker.New(apiKey, token)
		},
	}
}

// Dial satisfies interfaces.Dialer.
func (d *Dialer) Dial(ctx context.Context, accountID string) (interfaces.Connection, error) {
	token, ok := d.p.AccessTokens[accountID]
	if !ok || token == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoAccessToken, accountID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger.Debug(ctx, "Kite handshake", "account_id", accountID, "access_token", token)
	client := d.newClient(d.p.APIKey, token)
	profile, err := client.GetUserProfile()
	if err != nil {
		return nil, fmt.Errorf("kite handshake: %w", err)
	}
	logger.Info(ctx, "Kite session established", "account_id", accountID, "user_id", profile.UserID)

	c := &Conn{accountID: accountID, client: client}
	c.connected.Store(true)
	if d.p.Stream {
		c.follow(d.newLink(d.p.APIKey, token))
	}
	return c, nil
}

type Conn struct {
	accountID string
	client    api
	connected atomic.Bool
	closed    atomic.Bool

	mu   sync.Mutex
	link link
}

var _ interfaces.Connection = (*Conn)(nil)

func (c *Conn) follow(l link) {
	ctx := context.Background()
	l.OnConnect(func() {
		c.connected.Store(true)
		logger.Debug(ctx, "Kite ticker connected", "account_id", c.accountID)
	})
	l.OnClose(func(code int, reason string) {
		c.connected.Store(false)
		logger.Warn(ctx, "Kite ticker closed", "account_id", c.accountID, "code", code, "reason", reason)
	})
	l.OnError(func(err error) {
		logger.ErrorWithErr(ctx, "Kite ticker error", err, "account_id", c.accountID)
	})
	l.OnNoReconnect(func(attempt int) {
		c.connected.Store(false)
		logger.Warn(ctx, "Kite ticker gave up reconnecting", "account_id", c.accountID, "attempt", attempt)
	})

	c.mu.Lock()
	c.link = l
	c.mu.Unlock()
	go l.Serve()
}

func (c *Conn) AccountID() string { return c.accountID }

func (c *Conn) IsConnected() bool { return !c.closed.Load() && c.connected.Load() }

// Status reports connected when the profile call succeeds and synchronized
// when positions can be fetched as well.
func (c *Conn) Status(ctx context.Context) (types.TerminalStatus, error) {
	if c.closed.Load() {
		return types.TerminalStatus{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return types.TerminalStatus{}, err
	}
	if _, err := c.client.GetUserProfile(); err != nil {
		c.connected.Store(false)
		return types.TerminalStatus{}, fmt.Errorf("kite profile: %w", err)
	}
	c.connected.Store(true)

	_, err := c.client.GetPositions()
	if err != nil {
		logger.Warn(ctx, "Kite positions unavailable", "account_id", c.accountID, "error", err.Error())
	}
	return types.TerminalStatus{Connected: true, Synchronized: err == nil}, nil
}

// TradeHistory maps the day's executions to open trades keyed by trade id.
func (c *Conn) TradeHistory(ctx context.Context) ([]types.NormalizedTrade, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	trades, err := c.client.GetTrades()
	if err != nil {
		return nil, fmt.Errorf("kite trades: %w", err)
	}

	out := make([]types.NormalizedTrade, 0, len(trades))
	for _, tr := range trades {
		t, err := normalize(tr)
		if err != nil {
			logger.Warn(ctx, "Skipping Kite trade", "account_id", c.accountID, "trade_id", tr.TradeID, "error", err.Error())
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	c.connected.Store(false)
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l != nil {
		l.Stop()
	}
	return nil
}

func normalize(tr kiteconnect.Trade) (types.NormalizedTrade, error) {
	ticket, err := strconv.ParseInt(strings.TrimSpace(tr.TradeID), 10, 64)
	if err != nil || ticket <= 0 {
		return types.NormalizedTrade{}, fmt.Errorf("trade id %q is not a positive integer", tr.TradeID)
	}

	var side types.Side
	switch strings.ToUpper(tr.TransactionType) {
	case kiteconnect.TransactionTypeBuy:
		side = types.SideBuy
	case kiteconnect.TransactionTypeSell:
		side = types.SideSell
	default:
		return types.NormalizedTrade{}, fmt.Errorf("unknown transaction type %q", tr.TransactionType)
	}

	qty := decimal.NewFromFloat(float64(tr.Quantity))
	if !qty.IsPositive() {
		return types.NormalizedTrade{}, errors.New("quantity must be positive")
	}
	openTime := tr.FillTimestamp.Time
	if openTime.IsZero() {
		openTime = tr.ExchangeTimestamp.Time
	}
	if openTime.IsZero() {
		return types.NormalizedTrade{}, errors.New("missing fill time")
	}

	symbol := strings.ToUpper(tr.TradingSymbol)
	return types.NormalizedTrade{
		Ticket:     ticket,
		Symbol:     symbol,
		Side:       side,
		Volume:     qty,
		OpenPrice:  report.RoundPrice(symbol, decimal.NewFromFloat(tr.AveragePrice)),
		Commission: decimal.Zero,
		Swap:       decimal.Zero,
		Profit:     decimal.Zero,
		OpenTime:   openTime.UTC(),
		Status:     types.StatusOpen,
	}, nil
}
