package syncer

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-sync/internal/auditlog"
	"trade-sync/internal/events"
	"trade-sync/internal/health"
	"trade-sync/internal/queue"
	"trade-sync/internal/reconcile"
	"trade-sync/internal/report"
	"trade-sync/internal/session"
	"trade-sync/internal/storage/sqlite"
	"trade-sync/internal/terminal/sim"
	"trade-sync/internal/types"
)

type fixture struct {
	store      *sqlite.Store
	dispatcher *events.Dispatcher
	reconciler *reconcile.Reconciler
	audit      *auditlog.Log
	auditDir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	d := events.NewDispatcher(store, 1)
	t.Cleanup(func() { d.Close() })

	dir := t.TempDir()
	return &fixture{
		store:      store,
		dispatcher: d,
		reconciler: reconcile.New(store, d),
		audit:      auditlog.New(dir),
		auditDir:   dir,
	}
}

func (f *fixture) auditKinds(t *testing.T) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(f.auditDir, "*.txt"))
	require.NoError(t, err)
	var kinds []string
	for _, p := range files {
		fh, err := os.Open(p)
		require.NoError(t, err)
		sc := bufio.NewScanner(fh)
		for sc.Scan() {
			switch {
			case strings.Contains(sc.Text(), `"kind":"import"`):
				kinds = append(kinds, auditlog.KindImport)
			case strings.Contains(sc.Text(), `"kind":"sync"`):
				kinds = append(kinds, auditlog.KindSync)
			}
		}
		fh.Close()
	}
	return kinds
}

func readFixture(t *testing.T) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", "positions.html"))
	require.NoError(t, err)
	return b
}

func TestImportIsIdempotent(t *testing.T) {
	f := newFixture(t)
	im := NewImporter(nil, f.reconciler, f.audit)
	raw := readFixture(t)

	first, err := im.Import(context.Background(), "u1", raw, report.FormatHTML)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ImportID)
	assert.Equal(t, 2, first.Inserted)
	assert.Equal(t, 0, first.Updated)
	assert.Equal(t, 0, first.Skipped)
	assert.Equal(t, "2 trades imported, 0 skipped", first.Message)

	second, err := im.Import(context.Background(), "u1", raw, report.FormatHTML)
	require.NoError(t, err)
	assert.NotEqual(t, first.ImportID, second.ImportID)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 2, second.Updated)
	assert.Equal(t, 0, second.Skipped)

	require.NoError(t, f.dispatcher.Close())
	trades, err := f.store.ListTrades(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, trades, 2)
	require.NotNil(t, trades[0].Metrics, "closed trade gets metrics")
	assert.True(t, trades[0].Metrics.NetProfit.Equal(decimal.RequireFromString("146.5")))
	assert.Nil(t, trades[1].Metrics)

	assert.Equal(t, []string{auditlog.KindImport, auditlog.KindImport}, f.auditKinds(t))
}

func TestImportCountsParserSkips(t *testing.T) {
	f := newFixture(t)
	im := NewImporter(nil, f.reconciler, nil)
	raw := strings.Replace(string(readFixture(t)), "<td>100235</td>", "<td>n/a</td>", 1)

	res, err := im.Import(context.Background(), "u1", []byte(raw), report.FormatHTML)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Parsed)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, "1 trades imported, 1 skipped", res.Message)
}

func TestImportWithoutPositionsTable(t *testing.T) {
	f := newFixture(t)
	im := NewImporter(nil, f.reconciler, f.audit)

	_, err := im.Import(context.Background(), "u1", []byte("<html><body><p>empty</p></body></html>"), report.FormatHTML)
	var perr *report.ParseError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, report.ErrNoPositionsTable)
	assert.Equal(t, []string{auditlog.KindImport}, f.auditKinds(t))

	trades, err := f.store.ListTrades(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, trades)
}

type syncFixture struct {
	*fixture
	term    *sim.Terminal
	pool    *session.Pool
	monitor *health.Monitor
	queue   *queue.Queue
	svc     *Service
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	f := newFixture(t)
	term := sim.New()
	pool := session.NewPool()
	monitor := health.NewMonitor(pool)
	q := queue.New(queue.WithMaxRetries(1), queue.WithRetryDelay(time.Millisecond))
	q.Start()
	t.Cleanup(func() {
		q.Close()
		pool.Close(context.Background())
	})
	return &syncFixture{
		fixture: f,
		term:    term,
		pool:    pool,
		monitor: monitor,
		queue:   q,
		svc:     NewService(pool, term.Dial, monitor, q, f.reconciler, f.audit),
	}
}

func openTrade(ticket int64) types.NormalizedTrade {
	return types.NormalizedTrade{
		Ticket:    ticket,
		Symbol:    "USDJPY",
		Side:      types.SideBuy,
		Volume:    decimal.RequireFromString("0.1"),
		OpenPrice: decimal.RequireFromString("151.234"),
		OpenTime:  time.Date(2024, 4, 1, 6, 0, 0, 0, time.UTC),
		Status:    types.StatusOpen,
	}
}

func TestSyncReconcilesTerminalHistory(t *testing.T) {
	f := newSyncFixture(t)
	f.term.SetTrades("acc-1", []types.NormalizedTrade{openTrade(1), openTrade(2)})

	out, err := f.svc.Sync(context.Background(), "u1", "acc-1", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, out.TaskID)
	assert.Equal(t, 0, out.Retries)
	assert.Equal(t, types.ReconcileResult{Inserted: 2}, out.Result)
	assert.True(t, out.Health.Healthy)
	assert.Equal(t, types.ConnectionConnected, out.Connection)
	assert.Equal(t, 1, f.pool.Len())

	out, err = f.svc.Sync(context.Background(), "u1", "acc-1", 5)
	require.NoError(t, err)
	assert.Equal(t, types.ReconcileResult{Updated: 2}, out.Result)
	assert.Equal(t, 1, f.term.Dials(), "session is reused")

	rec, ok := f.svc.Health("acc-1")
	require.True(t, ok)
	assert.True(t, rec.Healthy)
	assert.Equal(t, 2, f.svc.QueueStats().Completed)
	assert.Equal(t, []string{auditlog.KindSync, auditlog.KindSync}, f.auditKinds(t))
}

func TestSyncReportsUnsynchronizedTerminal(t *testing.T) {
	f := newSyncFixture(t)
	f.term.SetStatus("acc-1", true, false)

	out, err := f.svc.Sync(context.Background(), "u1", "acc-1", 0)
	require.NoError(t, err)
	assert.False(t, out.Health.Healthy)
	assert.Equal(t, types.DetailNotSynchronized, out.Health.Detail)
	assert.Equal(t, types.ConnectionError, out.Connection)
}

func TestSyncDialFailureExhaustsRetries(t *testing.T) {
	f := newSyncFixture(t)
	boom := errors.New("handshake refused")
	f.term.FailDials(boom)

	out, err := f.svc.Sync(context.Background(), "u1", "acc-1", 0)
	var exhausted *queue.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
	var connErr *session.ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 1, out.Retries)
	assert.Equal(t, 2, f.term.Dials())
	assert.False(t, out.Health.Healthy)
	assert.Equal(t, types.ConnectionError, out.Connection)
	assert.Zero(t, f.pool.Len())
}

func TestReleaseDropsSession(t *testing.T) {
	f := newSyncFixture(t)

	_, err := f.svc.Sync(context.Background(), "u1", "acc-1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, f.pool.Len())

	f.svc.Release(context.Background(), "acc-1")
	assert.Zero(t, f.pool.Len())
	assert.Equal(t, 1, f.term.Closes())
}
