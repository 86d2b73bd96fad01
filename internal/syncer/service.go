package syncer

import (
	"context"
	"errors"
	"fmt"

	oteltrace "go.opentelemetry.io/otel/trace"

	"trade-sync/internal/auditlog"
	"trade-sync/internal/health"
	"trade-sync/internal/interfaces"
	"trade-sync/internal/logger"
	"trade-sync/internal/queue"
	"trade-sync/internal/reconcile"
	"trade-sync/internal/session"
	"trade-sync/internal/trace"
	"trade-sync/internal/types"
)

type SyncResult struct {
	TaskID     string                `json:"task_id"`
	Retries    int                   `json:"retries"`
	Connection string                `json:"connection"`
	Health     types.HealthRecord    `json:"health"`
	Result     types.ReconcileResult `json:"result"`
}

type Service struct {
	pool       *session.Pool
	dial       interfaces.Dialer
	monitor    *health.Monitor
	queue      *queue.Queue
	reconciler *reconcile.Reconciler
	audit      *auditlog.Log
}

// NewService wires the sync entry point. audit may be nil.
func NewService(pool *session.Pool, dial interfaces.Dialer, monitor *health.Monitor, q *queue.Queue, reconciler *reconcile.Reconciler, audit *auditlog.Log) *Service {
	return &Service{
		pool:       pool,
		dial:       dial,
		monitor:    monitor,
		queue:      q,
		reconciler: reconciler,
		audit:      audit,
	}
}

// Sync queues a trade-history sync of accountID into userID's journal, waits
// for it and then checks the account's health. The health record is filled
// even when the sync itself failed.
func (s *Service) Sync(ctx context.Context, userID, accountID string, priority int) (SyncResult, error) {
	timer := logger.StartOperation(ctx, "syncer.Sync", "user_id", userID, "account_id", accountID, "priority", priority)
	ctx = timer.Context()

	var out SyncResult
	fut, err := s.queue.Enqueue(ctx, s.syncOperation(userID, accountID), priority)
	if err != nil {
		timer.EndWithError(err)
		return out, err
	}
	out.TaskID = fut.ID()
	oteltrace.SpanFromContext(ctx).SetAttributes(
		trace.UserID(userID),
		trace.AccountID(accountID),
		trace.TaskID(out.TaskID),
	)

	value, syncErr := fut.Wait(ctx)
	if syncErr == nil {
		out.Retries = fut.Retries()
		if r, ok := value.(types.ReconcileResult); ok {
			out.Result = r
		}
	} else {
		var exhausted *queue.RetryExhaustedError
		if errors.As(syncErr, &exhausted) {
			out.Retries = exhausted.Attempts - 1
		}
	}

	conn, _ := s.pool.Lookup(accountID)
	s.monitor.Check(ctx, accountID, conn)
	out.Health, _ = s.monitor.Get(accountID)
	out.Connection = out.Health.ConnectionState()

	entry := auditlog.Entry{
		Kind:      auditlog.KindSync,
		ID:        out.TaskID,
		UserID:    userID,
		AccountID: accountID,
		Inserted:  out.Result.Inserted,
		Updated:   out.Result.Updated,
		Skipped:   out.Result.Skipped,
	}
	if syncErr != nil {
		entry.Error = syncErr.Error()
	}
	s.audit.Record(ctx, entry)

	if syncErr != nil {
		timer.EndWithError(syncErr, "connection", out.Connection)
		return out, syncErr
	}
	timer.End("inserted", out.Result.Inserted, "updated", out.Result.Updated, "connection", out.Connection)
	return out, nil
}

// syncOperation fails when any batch failed so the queue retries it.
func (s *Service) syncOperation(userID, accountID string) queue.Operation {
	return func(ctx context.Context) (any, error) {
		conn, err := s.pool.Acquire(ctx, accountID, s.dial)
		if err != nil {
			return nil, err
		}
		trades, err := conn.TradeHistory(ctx)
		if err != nil {
			return nil, fmt.Errorf("trade history for %s: %w", accountID, err)
		}
		res := s.reconciler.Reconcile(ctx, userID, trades)
		if err := reconcile.Err(res); err != nil {
			return res, err
		}
		return res, nil
	}
}

// Release drops the pooled session of accountID.
func (s *Service) Release(ctx context.Context, accountID string) {
	s.pool.Release(ctx, accountID)
}

func (s *Service) Health(accountID string) (types.HealthRecord, bool) {
	return s.monitor.Get(accountID)
}

func (s *Service) QueueStats() queue.Stats {
	return s.queue.Stats()
}

func (s *Service) AllHealth() []types.HealthRecord {
	return s.monitor.All()
}

func (s *Service) Sessions() []types.SessionInfo {
	return s.pool.Snapshot()
}
