package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"trade-sync/internal/interfaces"
	"trade-sync/internal/logger"
	"trade-sync/internal/types"
)

const DefaultInterval = 30 * time.Second

const detailNoConnection = "no connection"

// Sessions is the read-only view of the session pool the monitor sweeps.
type Sessions interface {
	Snapshot() []types.SessionInfo
	Lookup(accountID string) (interfaces.Connection, bool)
}

// Monitor keeps the latest health record per account. Records are
// overwritten on every check; no history is kept.
type Monitor struct {
	mu      sync.RWMutex
	records map[string]types.HealthRecord

	sessions Sessions
	interval time.Duration
	now      func() time.Time

	cron *cron.Cron
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor returns a monitor sweeping sessions. sessions may be nil when
// only explicit Check calls are used.
func NewMonitor(sessions Sessions, opts ...Option) *Monitor {
	m := &Monitor{
		records:  make(map[string]types.HealthRecord),
		sessions: sessions,
		interval: DefaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check inspects conn and records the outcome. It never panics or returns an
// error: failed checks become an unhealthy record with the failure as detail.
func (m *Monitor) Check(ctx context.Context, accountID string, conn interfaces.Connection) bool {
	rec := m.inspect(ctx, accountID, conn)
	m.put(rec)

	if !rec.Healthy {
		logger.Warn(ctx, "Account unhealthy", "account_id", accountID, "detail", rec.Detail)
	} else {
		logger.Debug(ctx, "Account healthy", "account_id", accountID)
	}
	return rec.Healthy
}

func (m *Monitor) inspect(ctx context.Context, accountID string, conn interfaces.Connection) (rec types.HealthRecord) {
	rec = types.HealthRecord{AccountID: accountID, LastCheckedAt: m.now()}

	defer func() {
		if r := recover(); r != nil {
			rec.Healthy = false
			rec.Detail = fmt.Sprintf("health check panicked: %v", r)
		}
	}()

	if conn == nil {
		rec.Detail = detailNoConnection
		return rec
	}

	status, err := conn.Status(ctx)
	switch {
	case err != nil:
		rec.Detail = err.Error()
	case !status.Connected:
		rec.Detail = types.DetailNotConnected
	case !status.Synchronized:
		rec.Detail = types.DetailNotSynchronized
	default:
		rec.Healthy = true
	}
	return rec
}

func (m *Monitor) put(rec types.HealthRecord) {
	m.mu.Lock()
	m.records[rec.AccountID] = rec
	m.mu.Unlock()
}

// Get returns the latest record for accountID.
func (m *Monitor) Get(accountID string) (types.HealthRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[accountID]
	return rec, ok
}

// All returns every record ordered by account.
func (m *Monitor) All() []types.HealthRecord {
	m.mu.RLock()
	out := make([]types.HealthRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Sweep re-checks pooled accounts whose record is missing or older than the
// interval, and marks accounts that left the pool as unhealthy. It returns the
// number of checks made.
func (m *Monitor) Sweep(ctx context.Context) int {
	if m.sessions == nil {
		return 0
	}
	now := m.now()

	pooled := make(map[string]bool)
	checks := 0
	for _, s := range m.sessions.Snapshot() {
		pooled[s.AccountID] = true

		if rec, ok := m.Get(s.AccountID); ok && now.Sub(rec.LastCheckedAt) < m.interval {
			continue
		}
		conn, ok := m.sessions.Lookup(s.AccountID)
		if !ok {
			pooled[s.AccountID] = false
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, m.interval)
		m.Check(checkCtx, s.AccountID, conn)
		cancel()
		checks++
	}

	m.mu.Lock()
	for id, rec := range m.records {
		if pooled[id] || rec.Detail == types.DetailNotPooled {
			continue
		}
		m.records[id] = types.HealthRecord{
			AccountID:     id,
			LastCheckedAt: now,
			Detail:        types.DetailNotPooled,
		}
		logger.Info(ctx, "Account no longer pooled", "account_id", id)
	}
	m.mu.Unlock()

	return checks
}

// Start schedules Sweep every interval.
func (m *Monitor) Start(ctx context.Context) error {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", m.interval)
	if _, err := c.AddFunc(spec, func() { m.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule health sweep: %w", err)
	}
	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()

	c.Start()
	logger.Info(ctx, "Health monitor started", "interval", m.interval.String())
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Interval is the sweep period.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}
