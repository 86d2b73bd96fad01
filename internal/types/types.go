package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// NormalizedTrade is the canonical trade record produced by report parsing and
// live terminal sync. Ticket is the idempotency key within one user account.
type NormalizedTrade struct {
	Ticket     int64            `json:"ticket"`
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Volume     decimal.Decimal  `json:"volume"`
	OpenPrice  decimal.Decimal  `json:"open_price"`
	ClosePrice *decimal.Decimal `json:"close_price,omitempty"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
	Commission decimal.Decimal  `json:"commission"`
	Swap       decimal.Decimal  `json:"swap"`
	Profit     decimal.Decimal  `json:"profit"`
	OpenTime   time.Time        `json:"open_time"`
	CloseTime  *time.Time       `json:"close_time,omitempty"`
	Status     Status           `json:"status"`
}

// DeriveStatus returns closed iff a close time is present.
func DeriveStatus(closeTime *time.Time) Status {
	if closeTime != nil {
		return StatusClosed
	}
	return StatusOpen
}

func (t NormalizedTrade) IsClosed() bool { return t.Status == StatusClosed }

// NetProfit is profit plus commission and swap.
func (t NormalizedTrade) NetProfit() decimal.Decimal {
	return t.Profit.Add(t.Commission).Add(t.Swap)
}

// UpsertOutcome reports what the store did with one trade of a batch.
type UpsertOutcome struct {
	Ticket   int64
	TradeID  int64
	Inserted bool
}

type ReconcileResult struct {
	Inserted int     `json:"inserted"`
	Updated  int     `json:"updated"`
	Skipped  int     `json:"skipped"`
	Errors   []error `json:"-"`
}

type Outcome string

const (
	OutcomeWin       Outcome = "win"
	OutcomeLoss      Outcome = "loss"
	OutcomeBreakeven Outcome = "breakeven"
)

// TradeMetrics are derived from a closed trade.
type TradeMetrics struct {
	TradeID        int64           `json:"trade_id"`
	RiskReward     *float64        `json:"risk_reward,omitempty"`
	RealizedR      *float64        `json:"realized_r,omitempty"`
	Outcome        Outcome         `json:"outcome"`
	NetProfit      decimal.Decimal `json:"net_profit"`
	HoldingSeconds int64           `json:"holding_seconds"`
	ComputedAt     time.Time       `json:"computed_at"`
}

// StoredTrade is a persisted trade joined with its metrics, tags and notes.
type StoredTrade struct {
	ID     int64  `json:"id"`
	UserID string `json:"user_id"`
	NormalizedTrade
	Metrics *TradeMetrics `json:"metrics,omitempty"`
	Tags    []string      `json:"tags,omitempty"`
	Notes   []string      `json:"notes,omitempty"`
}

// TradeClosedEvent asks the analytics side to recompute metrics for a trade.
type TradeClosedEvent struct {
	UserID     string    `json:"user_id"`
	TradeID    int64     `json:"trade_id"`
	Ticket     int64     `json:"ticket"`
	Symbol     string    `json:"symbol"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TerminalStatus is what a remote trading terminal reports about itself.
type TerminalStatus struct {
	Connected    bool
	Synchronized bool
}

// SessionInfo is a read-only view of one pooled session.
type SessionInfo struct {
	AccountID  string    `json:"account_id"`
	Connected  bool      `json:"connected"`
	LastUsedAt time.Time `json:"last_used_at"`
}

type HealthRecord struct {
	AccountID     string    `json:"account_id"`
	Healthy       bool      `json:"healthy"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	Detail        string    `json:"detail,omitempty"`
}

const (
	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"
	ConnectionError        = "error"
)

// ConnectionState collapses a record into the three states shown to users.
func (h HealthRecord) ConnectionState() string {
	switch {
	case h.Healthy:
		return ConnectionConnected
	case h.Detail == DetailNotPooled || h.Detail == DetailNotConnected:
		return ConnectionDisconnected
	default:
		return ConnectionError
	}
}

const (
	DetailNotPooled       = "session not pooled"
	DetailNotConnected    = "terminal not connected"
	DetailNotSynchronized = "terminal not synchronized"
)
