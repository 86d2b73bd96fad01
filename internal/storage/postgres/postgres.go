package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"trade-sync/internal/analytics"
	"trade-sync/internal/interfaces"
	"trade-sync/internal/logger"
	"trade-sync/internal/storage"
	"trade-sync/internal/types"
)

// Store persists trades in Postgres. Decimals travel as text and are stored
// as NUMERIC.
type Store struct {
	DB  *pgxpool.Pool
	now func() time.Time
}

var _ interfaces.JournalStore = (*Store)(nil)

func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{DB: pool, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info(ctx, "Postgres trade store opened")
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id          BIGSERIAL PRIMARY KEY,
			user_id     TEXT        NOT NULL,
			ticket      BIGINT      NOT NULL,
			symbol      TEXT        NOT NULL,
			side        TEXT        NOT NULL,
			volume      NUMERIC     NOT NULL,
			open_price  NUMERIC     NOT NULL,
			close_price NUMERIC,
			stop_loss   NUMERIC,
			take_profit NUMERIC,
			commission  NUMERIC     NOT NULL,
			swap        NUMERIC     NOT NULL,
			profit      NUMERIC     NOT NULL,
			open_time   TIMESTAMPTZ NOT NULL,
			close_time  TIMESTAMPTZ,
			status      TEXT        NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, ticket)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user ON trades(user_id, open_time)`,
		`CREATE TABLE IF NOT EXISTS trade_metrics (
			trade_id        BIGINT PRIMARY KEY REFERENCES trades(id) ON DELETE CASCADE,
			risk_reward     DOUBLE PRECISION,
			realized_r      DOUBLE PRECISION,
			outcome         TEXT        NOT NULL,
			net_profit      NUMERIC     NOT NULL,
			holding_seconds BIGINT      NOT NULL,
			computed_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trade_tags (
			trade_id BIGINT NOT NULL REFERENCES trades(id) ON DELETE CASCADE,
			tag      TEXT   NOT NULL,
			PRIMARY KEY (trade_id, tag)
		)`,
		`CREATE TABLE IF NOT EXISTS trade_notes (
			id         BIGSERIAL PRIMARY KEY,
			trade_id   BIGINT      NOT NULL REFERENCES trades(id) ON DELETE CASCADE,
			body       TEXT        NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

const upsertTrade = `
	INSERT INTO trades (user_id, ticket, symbol, side, volume, open_price, close_price, stop_loss,
		take_profit, commission, swap, profit, open_time, close_time, status)
	VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric, $7::text::numeric, $8::text::numeric,
		$9::text::numeric, $10::text::numeric, $11::text::numeric, $12::text::numeric, $13, $14, $15)
	ON CONFLICT (user_id, ticket) DO UPDATE SET
		symbol = EXCLUDED.symbol,
		side = EXCLUDED.side,
		volume = EXCLUDED.volume,
		open_price = EXCLUDED.open_price,
		close_price = EXCLUDED.close_price,
		stop_loss = EXCLUDED.stop_loss,
		take_profit = EXCLUDED.take_profit,
		commission = EXCLUDED.commission,
		swap = EXCLUDED.swap,
		profit = EXCLUDED.profit,
		open_time = EXCLUDED.open_time,
		close_time = EXCLUDED.close_time,
		status = EXCLUDED.status,
		updated_at = now()
	RETURNING id, (xmax = 0) AS inserted`

// UpsertTrades sends the batch in one round trip inside a transaction.
func (s *Store) UpsertTrades(ctx context.Context, userID string, trades []types.NormalizedTrade) ([]types.UpsertOutcome, error) {
	out := make([]types.UpsertOutcome, 0, len(trades))
	err := pgx.BeginFunc(ctx, s.DB, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, t := range trades {
			batch.Queue(upsertTrade,
				userID, t.Ticket, t.Symbol, string(t.Side), t.Volume.String(), t.OpenPrice.String(),
				text(t.ClosePrice), text(t.StopLoss), text(t.TakeProfit),
				t.Commission.String(), t.Swap.String(), t.Profit.String(),
				t.OpenTime, t.CloseTime, string(t.Status),
			)
		}
		br := tx.SendBatch(ctx, batch)
		for _, t := range trades {
			var o types.UpsertOutcome
			if err := br.QueryRow().Scan(&o.TradeID, &o.Inserted); err != nil {
				br.Close()
				return fmt.Errorf("upsert ticket %d: %w", t.Ticket, err)
			}
			o.Ticket = t.Ticket
			out = append(out, o)
		}
		return br.Close()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const selectTrade = `
	SELECT t.id, t.user_id, t.ticket, t.symbol, t.side, t.volume::text, t.open_price::text,
		t.close_price::text, t.stop_loss::text, t.take_profit::text, t.commission::text,
		t.swap::text, t.profit::text, t.open_time, t.close_time, t.status`

func (s *Store) ComputeMetrics(ctx context.Context, tradeID int64) error {
	st, err := scanTrade(s.DB.QueryRow(ctx, selectTrade+` FROM trades t WHERE t.id = $1`, tradeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("trade %d: %w", tradeID, storage.ErrTradeNotFound)
	}
	if err != nil {
		return fmt.Errorf("load trade %d: %w", tradeID, err)
	}
	if !st.IsClosed() {
		return nil
	}

	m := analytics.Compute(tradeID, st.NormalizedTrade, s.now())
	_, err = s.DB.Exec(ctx, `
		INSERT INTO trade_metrics (trade_id, risk_reward, realized_r, outcome, net_profit, holding_seconds, computed_at)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7)
		ON CONFLICT (trade_id) DO UPDATE SET
			risk_reward = EXCLUDED.risk_reward,
			realized_r = EXCLUDED.realized_r,
			outcome = EXCLUDED.outcome,
			net_profit = EXCLUDED.net_profit,
			holding_seconds = EXCLUDED.holding_seconds,
			computed_at = EXCLUDED.computed_at`,
		tradeID, m.RiskReward, m.RealizedR, string(m.Outcome), m.NetProfit.String(), m.HoldingSeconds, m.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("store metrics for trade %d: %w", tradeID, err)
	}
	return nil
}

func (s *Store) ListTrades(ctx context.Context, userID string) ([]types.StoredTrade, error) {
	rows, err := s.DB.Query(ctx, selectTrade+`,
			m.risk_reward, m.realized_r, m.outcome, m.net_profit::text, m.holding_seconds, m.computed_at,
			COALESCE((SELECT array_agg(g.tag ORDER BY g.tag) FROM trade_tags g WHERE g.trade_id = t.id), '{}'),
			COALESCE((SELECT array_agg(n.body ORDER BY n.id) FROM trade_notes n WHERE n.trade_id = t.id), '{}')
		FROM trades t
		LEFT JOIN trade_metrics m ON m.trade_id = t.id
		WHERE t.user_id = $1
		ORDER BY t.open_time, t.ticket`, userID)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	out := make([]types.StoredTrade, 0)
	for rows.Next() {
		var (
			rr, realized *float64
			outcome      *string
			net          *string
			holding      *int64
			computedAt   *time.Time
			tags, notes  []string
		)
		st, err := scanTrade(rows, &rr, &realized, &outcome, &net, &holding, &computedAt, &tags, &notes)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if outcome != nil {
			m := &types.TradeMetrics{
				TradeID:    st.ID,
				RiskReward: rr,
				RealizedR:  realized,
				Outcome:    types.Outcome(*outcome),
			}
			if net != nil {
				m.NetProfit, _ = decimal.NewFromString(*net)
			}
			if holding != nil {
				m.HoldingSeconds = *holding
			}
			if computedAt != nil {
				m.ComputedAt = computedAt.UTC()
			}
			st.Metrics = m
		}
		if len(tags) > 0 {
			st.Tags = tags
		}
		if len(notes) > 0 {
			st.Notes = notes
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) AddTag(ctx context.Context, userID string, tradeID int64, tag string) error {
	res, err := s.DB.Exec(ctx, `
		INSERT INTO trade_tags (trade_id, tag)
		SELECT id, $3 FROM trades WHERE id = $1 AND user_id = $2
		ON CONFLICT DO NOTHING`, tradeID, userID, tag)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return s.ownedBy(ctx, userID, tradeID)
	}
	return nil
}

func (s *Store) AddNote(ctx context.Context, userID string, tradeID int64, body string) error {
	res, err := s.DB.Exec(ctx, `
		INSERT INTO trade_notes (trade_id, body)
		SELECT id, $3 FROM trades WHERE id = $1 AND user_id = $2`, tradeID, userID, body)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("trade %d: %w", tradeID, storage.ErrTradeNotFound)
	}
	return nil
}

func (s *Store) ownedBy(ctx context.Context, userID string, tradeID int64) error {
	var one int
	err := s.DB.QueryRow(ctx, `SELECT 1 FROM trades WHERE id = $1 AND user_id = $2`, tradeID, userID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("trade %d: %w", tradeID, storage.ErrTradeNotFound)
	}
	return err
}

func (s *Store) Close() error {
	s.DB.Close()
	return nil
}

func scanTrade(row pgx.Row, extra ...any) (types.StoredTrade, error) {
	var (
		st                                  types.StoredTrade
		side, status                        string
		volume, openPrice, commission, swap string
		profit                              string
		closePrice, stopLoss, takeProfit    *string
		closeTime                           *time.Time
	)
	dest := []any{
		&st.ID, &st.UserID, &st.Ticket, &st.Symbol, &side, &volume, &openPrice,
		&closePrice, &stopLoss, &takeProfit, &commission, &swap, &profit,
		&st.OpenTime, &closeTime, &status,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return st, err
	}

	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&st.Volume, volume}, {&st.OpenPrice, openPrice}, {&st.Commission, commission},
		{&st.Swap, swap}, {&st.Profit, profit},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return st, fmt.Errorf("decode numeric %q: %w", f.src, err)
		}
	}
	st.ClosePrice = parseOptional(closePrice)
	st.StopLoss = parseOptional(stopLoss)
	st.TakeProfit = parseOptional(takeProfit)
	st.Side = types.Side(side)
	st.Status = types.Status(status)
	st.OpenTime = st.OpenTime.UTC()
	if closeTime != nil {
		ct := closeTime.UTC()
		st.CloseTime = &ct
	}
	return st, nil
}

func text(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseOptional(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
