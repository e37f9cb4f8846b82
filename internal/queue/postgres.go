// Package queue - postgres.go is the Postgres implementation of Store.
//
// Every state transition is a single-row conditional UPDATE; claim
// correctness comes from WHERE status='ready' affecting at most one row.
// Transitions additionally emit a pg_notify on the queue_events channel so
// the status websocket can stream them without polling.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duguai/tradeflow/internal/signal"
)

// EventsChannel is the pg_notify channel job transitions are published on.
const EventsChannel = "queue_events"

const pgUniqueViolation = "23505"

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool to the given database URL.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("queue: database URL is required")
	}
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("queue: parse database URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("queue: connect: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (ps *PostgresStore) Close() {
	ps.pool.Close()
}

func (ps *PostgresStore) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

// ────────────────────────────────────────────────────────────────────
// Signals
// ────────────────────────────────────────────────────────────────────

func (ps *PostgresStore) InsertSignal(ctx context.Context, s *Signal) error {
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO signals_raw
			(strategy, ticker, timeframe, action, price, atr, risk_pct, trail_atr_mult,
			 bar_time, dedup_key, source, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.Strategy, s.Ticker, s.Timeframe, string(s.Action),
		s.Price, s.ATR, s.RiskPct, s.TrailATRMult,
		s.BarTime, s.DedupKey, s.Source, s.Raw,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("queue: insert signal: %w", err)
	}
	return nil
}

func (ps *PostgresStore) SignalExists(ctx context.Context, dedupKey string) (bool, error) {
	var one int
	err := ps.pool.QueryRow(ctx,
		`SELECT 1 FROM signals_raw WHERE dedup_key = $1`, dedupKey).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue: check dedup key: %w", err)
	}
	return true, nil
}

// ────────────────────────────────────────────────────────────────────
// Jobs
// ────────────────────────────────────────────────────────────────────

const jobColumns = `id, status, reason, strategy, ticker, timeframe, action,
	price, atr, risk_pct, trail_atr_mult, r_multiple_tp, max_slots, buffer_ratio,
	subaccount, bar_time, raw, retry_count, next_attempt_at, last_error,
	created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var action string
	err := row.Scan(
		&j.ID, &j.Status, &j.Reason, &j.Strategy, &j.Ticker, &j.Timeframe, &action,
		&j.Price, &j.ATR, &j.RiskPct, &j.TrailATRMult, &j.RMultipleTP, &j.MaxSlots, &j.BufferRatio,
		&j.Subaccount, &j.BarTime, &j.Raw, &j.RetryCount, &j.NextAttemptAt, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Action = signal.Action(action)
	return &j, nil
}

func (ps *PostgresStore) InsertJob(ctx context.Context, j *Job) (string, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Subaccount == "" {
		j.Subaccount = "default"
	}
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO order_queue
			(id, status, strategy, ticker, timeframe, action, price, atr, risk_pct,
			 trail_atr_mult, r_multiple_tp, max_slots, buffer_ratio, subaccount,
			 bar_time, raw, retry_count)
		VALUES ($1, 'ready', $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 0)`,
		j.ID, j.Strategy, j.Ticker, j.Timeframe, string(j.Action),
		j.Price, j.ATR, j.RiskPct, j.TrailATRMult, j.RMultipleTP,
		j.MaxSlots, j.BufferRatio, j.Subaccount, j.BarTime, j.Raw,
	)
	if err != nil {
		return "", fmt.Errorf("queue: insert job: %w", err)
	}
	ps.notify(ctx, j.ID, StatusReady, "")
	return j.ID, nil
}

func (ps *PostgresStore) ClaimJob(ctx context.Context, id string) (*Job, error) {
	row := ps.pool.QueryRow(ctx, `
		UPDATE order_queue
		SET status = 'processing', updated_at = now()
		WHERE id = $1 AND status = 'ready'
		RETURNING `+jobColumns,
		id,
	)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotClaimable
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim job %s: %w", id, err)
	}
	ps.notify(ctx, id, StatusProcessing, "")
	return j, nil
}

func (ps *PostgresStore) CompleteJob(ctx context.Context, id string, status JobStatus, reason string) error {
	if status != StatusDone && status != StatusFailed {
		return fmt.Errorf("queue: complete job %s: %q is not terminal", id, status)
	}
	_, err := ps.pool.Exec(ctx, `
		UPDATE order_queue
		SET status = $2, reason = $3, updated_at = now()
		WHERE id = $1`,
		id, string(status), reason,
	)
	if err != nil {
		return fmt.Errorf("queue: complete job %s: %w", id, err)
	}
	ps.notify(ctx, id, status, reason)
	return nil
}

func (ps *PostgresStore) DeferJob(ctx context.Context, id string, nextAttempt time.Time) error {
	_, err := ps.pool.Exec(ctx, `
		UPDATE order_queue
		SET status = 'ready', next_attempt_at = $2, updated_at = now()
		WHERE id = $1`,
		id, nextAttempt,
	)
	if err != nil {
		return fmt.Errorf("queue: defer job %s: %w", id, err)
	}
	ps.notify(ctx, id, StatusReady, "deferred")
	return nil
}

func (ps *PostgresStore) RetryJob(ctx context.Context, id string, retryCount int, lastError string, nextAttempt time.Time) error {
	_, err := ps.pool.Exec(ctx, `
		UPDATE order_queue
		SET status = 'ready', retry_count = $2, last_error = $3,
		    next_attempt_at = $4, updated_at = now()
		WHERE id = $1 AND retry_count < $2`,
		id, retryCount, lastError, nextAttempt,
	)
	if err != nil {
		return fmt.Errorf("queue: retry job %s: %w", id, err)
	}
	ps.notify(ctx, id, StatusReady, "retry")
	return nil
}

func (ps *PostgresStore) DeadLetterJob(ctx context.Context, j *Job) error {
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO order_queue_dlq
			(id, status, reason, strategy, ticker, timeframe, action, price, atr,
			 risk_pct, trail_atr_mult, r_multiple_tp, max_slots, buffer_ratio,
			 subaccount, bar_time, raw, retry_count, last_error, created_at)
		VALUES ($1, 'failed', $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19)`,
		j.ID, j.Reason, j.Strategy, j.Ticker, j.Timeframe, string(j.Action),
		j.Price, j.ATR, j.RiskPct, j.TrailATRMult, j.RMultipleTP,
		j.MaxSlots, j.BufferRatio, j.Subaccount, j.BarTime, j.Raw,
		j.RetryCount, j.LastError, j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("queue: dead-letter job %s: %w", j.ID, err)
	}
	ps.notify(ctx, j.ID, StatusFailed, "dead_letter")
	return nil
}

func (ps *PostgresStore) LoadJob(ctx context.Context, id string) (*Job, error) {
	row := ps.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM order_queue WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load job %s: %w", id, err)
	}
	return j, nil
}

func (ps *PostgresStore) ListReadyJobs(ctx context.Context, limit int) ([]Job, error) {
	rows, err := ps.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM order_queue
		WHERE status = 'ready'
		ORDER BY created_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: list ready jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: scan ready job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (ps *PostgresStore) CountJobs(ctx context.Context, status JobStatus) (int, error) {
	var n int
	err := ps.pool.QueryRow(ctx,
		`SELECT count(*) FROM order_queue WHERE status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: count jobs: %w", err)
	}
	return n, nil
}

// ────────────────────────────────────────────────────────────────────
// Account state, daily metrics, strategies
// ────────────────────────────────────────────────────────────────────

func (ps *PostgresStore) LoadAccountState(ctx context.Context) (*AccountState, error) {
	var st AccountState
	err := ps.pool.QueryRow(ctx, `
		SELECT trading_enabled, daily_dd_limit_pct, daily_dd_triggered,
		       daily_high_watermark, daily_loss_cap_usd,
		       coalesce(reset_time_utc, ''), coalesce(pause_reason, ''),
		       max_positions_total
		FROM account_state WHERE id = 1`).Scan(
		&st.TradingEnabled, &st.DailyDDLimitPct, &st.DailyDDTriggered,
		&st.DailyHighWatermark, &st.DailyLossCapUSD,
		&st.ResetTimeUTC, &st.PauseReason,
		&st.MaxPositionsTotal,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load account state: %w", err)
	}
	return &st, nil
}

func (ps *PostgresStore) UpdateAccountState(ctx context.Context, u AccountStateUpdate) error {
	_, err := ps.pool.Exec(ctx, `
		UPDATE account_state
		SET trading_enabled      = coalesce($1, trading_enabled),
		    daily_dd_triggered   = coalesce($2, daily_dd_triggered),
		    daily_high_watermark = coalesce($3, daily_high_watermark),
		    pause_reason         = coalesce($4, pause_reason)
		WHERE id = 1`,
		u.TradingEnabled, u.DailyDDTriggered, u.DailyHighWatermark, u.PauseReason,
	)
	if err != nil {
		return fmt.Errorf("queue: update account state: %w", err)
	}
	return nil
}

func (ps *PostgresStore) GetOrCreateDailyMetrics(ctx context.Context, day, alias string) (*DailyMetrics, error) {
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO daily_metrics (d, alias)
		VALUES ($1, $2)
		ON CONFLICT (d, alias) DO NOTHING`,
		day, alias,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: create daily metrics: %w", err)
	}

	var m DailyMetrics
	err = ps.pool.QueryRow(ctx, `
		SELECT to_char(d, 'YYYY-MM-DD'), alias, equity, high_watermark
		FROM daily_metrics WHERE d = $1 AND alias = $2`,
		day, alias).Scan(&m.Day, &m.Alias, &m.Equity, &m.HighWatermark)
	if err != nil {
		return nil, fmt.Errorf("queue: load daily metrics: %w", err)
	}
	return &m, nil
}

func (ps *PostgresStore) SetDailyEquity(ctx context.Context, day, alias string, equity float64) error {
	_, err := ps.pool.Exec(ctx, `
		UPDATE daily_metrics SET equity = $3
		WHERE d = $1 AND alias = $2`,
		day, alias, equity,
	)
	if err != nil {
		return fmt.Errorf("queue: set daily equity: %w", err)
	}
	return nil
}

func (ps *PostgresStore) LoadStrategy(ctx context.Context, name string) (*Strategy, error) {
	var st Strategy
	err := ps.pool.QueryRow(ctx, `
		SELECT name, status, default_risk_pct, trail_atr_mult, r_multiple_tp,
		       max_positions, allow_short, time_in_force
		FROM strategies WHERE name = $1`,
		name).Scan(
		&st.Name, &st.Status, &st.DefaultRiskPct, &st.TrailATRMult, &st.RMultipleTP,
		&st.MaxPositions, &st.AllowShort, &st.TimeInForce,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load strategy %s: %w", name, err)
	}
	return &st, nil
}

// notify publishes a job transition on the events channel. Failures are
// ignored: notifications only feed the status stream.
func (ps *PostgresStore) notify(ctx context.Context, id string, status JobStatus, detail string) {
	payload, err := json.Marshal(map[string]string{
		"id": id, "status": string(status), "detail": detail,
	})
	if err != nil {
		return
	}
	_, _ = ps.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, EventsChannel, string(payload))
}
