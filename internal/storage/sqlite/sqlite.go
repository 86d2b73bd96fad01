package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"trade-sync/internal/analytics"
	"trade-sync/internal/interfaces"
	"trade-sync/internal/logger"
	"trade-sync/internal/storage"
	"trade-sync/internal/types"
)

// Store persists trades in SQLite. Decimals are stored as TEXT to keep exact
// values; timestamps as unix seconds.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

var _ interfaces.JournalStore = (*Store)(nil)

// Open opens (or creates) the database at path and runs migrations. Use
// ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	if !strings.Contains(path, ":memory:") {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info(ctx, "SQLite trade store opened", "path", path)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id     TEXT    NOT NULL,
			ticket      INTEGER NOT NULL,
			symbol      TEXT    NOT NULL,
			side        TEXT    NOT NULL,
			volume      TEXT    NOT NULL,
			open_price  TEXT    NOT NULL,
			close_price TEXT,
			stop_loss   TEXT,
			take_profit TEXT,
			commission  TEXT    NOT NULL,
			swap        TEXT    NOT NULL,
			profit      TEXT    NOT NULL,
			open_time   INTEGER NOT NULL,
			close_time  INTEGER,
			status      TEXT    NOT NULL,
			updated_at  INTEGER NOT NULL,
			UNIQUE (user_id, ticket)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user ON trades(user_id, open_time)`,

		`CREATE TABLE IF NOT EXISTS trade_metrics (
			trade_id        INTEGER PRIMARY KEY REFERENCES trades(id) ON DELETE CASCADE,
			risk_reward     REAL,
			realized_r      REAL,
			outcome         TEXT    NOT NULL,
			net_profit      TEXT    NOT NULL,
			holding_seconds INTEGER NOT NULL,
			computed_at     INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS trade_tags (
			trade_id INTEGER NOT NULL REFERENCES trades(id) ON DELETE CASCADE,
			tag      TEXT    NOT NULL,
			PRIMARY KEY (trade_id, tag)
		)`,

		`CREATE TABLE IF NOT EXISTS trade_notes (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id   INTEGER NOT NULL REFERENCES trades(id) ON DELETE CASCADE,
			body       TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_trade ON trade_notes(trade_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// UpsertTrades writes one batch in a single transaction. Either every trade of
// the batch is written or none is.
func (s *Store) UpsertTrades(ctx context.Context, userID string, trades []types.NormalizedTrade) ([]types.UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := s.now().Unix()
	out := make([]types.UpsertOutcome, 0, len(trades))
	for _, t := range trades {
		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM trades WHERE user_id = ? AND ticket = ?`, userID, t.Ticket,
		).Scan(&id)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx, `
				INSERT INTO trades (user_id, ticket, symbol, side, volume, open_price, close_price,
					stop_loss, take_profit, commission, swap, profit, open_time, close_time, status, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				userID, t.Ticket, t.Symbol, string(t.Side), t.Volume, t.OpenPrice, nullDecimal(t.ClosePrice),
				nullDecimal(t.StopLoss), nullDecimal(t.TakeProfit), t.Commission, t.Swap, t.Profit,
				t.OpenTime.Unix(), nullUnix(t.CloseTime), string(t.Status), now,
			)
			if err != nil {
				return nil, fmt.Errorf("insert ticket %d: %w", t.Ticket, err)
			}
			if id, err = res.LastInsertId(); err != nil {
				return nil, fmt.Errorf("insert ticket %d: %w", t.Ticket, err)
			}
			out = append(out, types.UpsertOutcome{Ticket: t.Ticket, TradeID: id, Inserted: true})

		case err == nil:
			_, err := tx.ExecContext(ctx, `
				UPDATE trades SET symbol = ?, side = ?, volume = ?, open_price = ?, close_price = ?,
					stop_loss = ?, take_profit = ?, commission = ?, swap = ?, profit = ?,
					open_time = ?, close_time = ?, status = ?, updated_at = ?
				WHERE id = ?`,
				t.Symbol, string(t.Side), t.Volume, t.OpenPrice, nullDecimal(t.ClosePrice),
				nullDecimal(t.StopLoss), nullDecimal(t.TakeProfit), t.Commission, t.Swap, t.Profit,
				t.OpenTime.Unix(), nullUnix(t.CloseTime), string(t.Status), now, id,
			)
			if err != nil {
				return nil, fmt.Errorf("update ticket %d: %w", t.Ticket, err)
			}
			out = append(out, types.UpsertOutcome{Ticket: t.Ticket, TradeID: id})

		default:
			return nil, fmt.Errorf("lookup ticket %d: %w", t.Ticket, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// ComputeMetrics recomputes and stores metrics for a closed trade. Open trades
// are left without metrics.
func (s *Store) ComputeMetrics(ctx context.Context, tradeID int64) error {
	row := s.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades t WHERE t.id = ?`, tradeID)
	st, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("trade %d: %w", tradeID, storage.ErrTradeNotFound)
	}
	if err != nil {
		return fmt.Errorf("load trade %d: %w", tradeID, err)
	}
	if !st.IsClosed() {
		return nil
	}

	m := analytics.Compute(tradeID, st.NormalizedTrade, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trade_metrics (trade_id, risk_reward, realized_r, outcome, net_profit, holding_seconds, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_id) DO UPDATE SET
			risk_reward = excluded.risk_reward,
			realized_r = excluded.realized_r,
			outcome = excluded.outcome,
			net_profit = excluded.net_profit,
			holding_seconds = excluded.holding_seconds,
			computed_at = excluded.computed_at`,
		tradeID, nullFloat(m.RiskReward), nullFloat(m.RealizedR), string(m.Outcome), m.NetProfit,
		m.HoldingSeconds, m.ComputedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store metrics for trade %d: %w", tradeID, err)
	}
	return nil
}

// ListTrades returns the user's trades with metrics, tags and notes, oldest
// first.
func (s *Store) ListTrades(ctx context.Context, userID string) ([]types.StoredTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`,
			m.risk_reward, m.realized_r, m.outcome, m.net_profit, m.holding_seconds, m.computed_at
		FROM trades t
		LEFT JOIN trade_metrics m ON m.trade_id = t.id
		WHERE t.user_id = ?
		ORDER BY t.open_time, t.ticket`, userID)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var (
		out   []types.StoredTrade
		index = make(map[int64]int)
	)
	for rows.Next() {
		var (
			rr, realized sql.NullFloat64
			outcome      sql.NullString
			net          decimal.NullDecimal
			holding      sql.NullInt64
			computedAt   sql.NullInt64
		)
		st, err := scanTrade(rows, &rr, &realized, &outcome, &net, &holding, &computedAt)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if outcome.Valid {
			st.Metrics = &types.TradeMetrics{
				TradeID:        st.ID,
				RiskReward:     floatPtr(rr),
				RealizedR:      floatPtr(realized),
				Outcome:        types.Outcome(outcome.String),
				NetProfit:      net.Decimal,
				HoldingSeconds: holding.Int64,
				ComputedAt:     time.Unix(computedAt.Int64, 0).UTC(),
			}
		}
		index[st.ID] = len(out)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Release the only connection before the follow-up queries.
	rows.Close()
	if len(out) == 0 {
		return out, nil
	}

	if err := s.attach(ctx, userID, `
		SELECT g.trade_id, g.tag FROM trade_tags g JOIN trades t ON t.id = g.trade_id
		WHERE t.user_id = ? ORDER BY g.tag`,
		func(i int, v string) { out[i].Tags = append(out[i].Tags, v) }, index); err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	if err := s.attach(ctx, userID, `
		SELECT n.trade_id, n.body FROM trade_notes n JOIN trades t ON t.id = n.trade_id
		WHERE t.user_id = ? ORDER BY n.id`,
		func(i int, v string) { out[i].Notes = append(out[i].Notes, v) }, index); err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	return out, nil
}

func (s *Store) attach(ctx context.Context, userID, query string, add func(int, string), index map[int64]int) error {
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id int64
			v  string
		)
		if err := rows.Scan(&id, &v); err != nil {
			return err
		}
		if i, ok := index[id]; ok {
			add(i, v)
		}
	}
	return rows.Err()
}

// AddTag labels a trade owned by userID. Adding an existing tag is a no-op.
func (s *Store) AddTag(ctx context.Context, userID string, tradeID int64, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ownedBy(ctx, userID, tradeID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trade_tags (trade_id, tag) VALUES (?, ?) ON CONFLICT DO NOTHING`, tradeID, tag)
	return err
}

// AddNote appends a free-text note to a trade owned by userID.
func (s *Store) AddNote(ctx context.Context, userID string, tradeID int64, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ownedBy(ctx, userID, tradeID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trade_notes (trade_id, body, created_at) VALUES (?, ?, ?)`, tradeID, body, s.now().Unix())
	return err
}

func (s *Store) ownedBy(ctx context.Context, userID string, tradeID int64) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM trades WHERE id = ? AND user_id = ?`, tradeID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("trade %d: %w", tradeID, storage.ErrTradeNotFound)
	}
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

const tradeColumns = `t.id, t.user_id, t.ticket, t.symbol, t.side, t.volume, t.open_price, t.close_price,
	t.stop_loss, t.take_profit, t.commission, t.swap, t.profit, t.open_time, t.close_time, t.status`

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(row scanner, extra ...any) (types.StoredTrade, error) {
	var (
		st                            types.StoredTrade
		side, status                  string
		closePrice, stopLoss, takePro decimal.NullDecimal
		openTime                      int64
		closeTime                     sql.NullInt64
	)
	dest := []any{
		&st.ID, &st.UserID, &st.Ticket, &st.Symbol, &side, &st.Volume, &st.OpenPrice, &closePrice,
		&stopLoss, &takePro, &st.Commission, &st.Swap, &st.Profit, &openTime, &closeTime, &status,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return st, err
	}
	st.Side = types.Side(side)
	st.Status = types.Status(status)
	st.ClosePrice = decimalPtr(closePrice)
	st.StopLoss = decimalPtr(stopLoss)
	st.TakeProfit = decimalPtr(takePro)
	st.OpenTime = time.Unix(openTime, 0).UTC()
	if closeTime.Valid {
		ct := time.Unix(closeTime.Int64, 0).UTC()
		st.CloseTime = &ct
	}
	return st, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
