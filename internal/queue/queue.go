// Package queue defines the durable signal and job storage contract.
//
// Design rules:
//   - The raw signal row is the single source of record for signal receipt;
//     its dedup key is globally unique.
//   - A job leaves "ready" only through an atomic conditional update, so at
//     most one worker ever claims it.
//   - retry_count never decreases; past three retries the job is copied to
//     the dead-letter table and terminally failed.
//   - No multi-row transactions are required; every mutation is a
//     single-row conditional update.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/duguai/tradeflow/internal/signal"
)

// Sentinel errors the Store implementations translate backend errors into.
var (
	// ErrDuplicate is returned when a signal with the same dedup key was
	// already recorded.
	ErrDuplicate = errors.New("queue: duplicate signal")

	// ErrNotClaimable is returned when a claim raced with another worker
	// or the job already left ready.
	ErrNotClaimable = errors.New("queue: job not claimable")

	// ErrNotFound is returned for missing jobs, strategies, or an
	// unconfigured account state row.
	ErrNotFound = errors.New("queue: not found")
)

// JobStatus is the lifecycle state of a queued order job.
type JobStatus string

const (
	StatusReady      JobStatus = "ready"
	StatusProcessing JobStatus = "processing"
	StatusDone       JobStatus = "done"
	StatusFailed     JobStatus = "failed"
)

// MaxRetries bounds the transient-failure retry budget; the attempt that
// pushes retry_count past this lands the job in the DLQ.
const MaxRetries = 3

// RetryBackoff is the fixed delay before a transiently-failed job becomes
// claimable again.
const RetryBackoff = 30 * time.Second

// Signal is an immutable record of a received webhook alert.
type Signal struct {
	ID           int64
	Strategy     string
	Ticker       string
	Timeframe    string
	Action       signal.Action
	Price        *float64
	ATR          *float64
	RiskPct      *float64
	TrailATRMult *float64
	BarTime      time.Time
	DedupKey     string
	Source       string
	Raw          []byte
	CreatedAt    time.Time
}

// Job is one row of the order queue. Sizing hints are pointers: absent
// means "use the strategy default" downstream.
type Job struct {
	ID            string
	Status        JobStatus
	Reason        string
	Strategy      string
	Ticker        string
	Timeframe     string
	Action        signal.Action
	Price         *float64
	ATR           *float64
	RiskPct       *float64
	TrailATRMult  *float64
	RMultipleTP   *float64
	MaxSlots      *int
	BufferRatio   *float64
	Subaccount    string
	BarTime       time.Time
	Raw           []byte
	RetryCount    int
	NextAttemptAt *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AccountState is the singleton risk-policy row. All pointer fields are
// optional policy knobs; nil disables the corresponding check.
type AccountState struct {
	TradingEnabled     bool
	DailyDDLimitPct    *float64
	DailyDDTriggered   bool
	DailyHighWatermark *float64
	DailyLossCapUSD    *float64
	ResetTimeUTC       string
	PauseReason        string
	MaxPositionsTotal  *int
}

// AccountStateUpdate carries the fields a mutation wants to touch.
// Nil fields are left untouched.
type AccountStateUpdate struct {
	TradingEnabled     *bool
	DailyDDTriggered   *bool
	DailyHighWatermark *float64
	PauseReason        *string
}

// Pause reasons recorded when a breaker trips.
const (
	PauseReasonDailyDD      = "daily_dd"
	PauseReasonDailyLossCap = "daily_loss_cap"
)

// DailyMetrics is the lazily-created per-day per-alias equity record.
type DailyMetrics struct {
	Day           string // YYYY-MM-DD (UTC)
	Alias         string
	Equity        *float64 // equity observed at day open; nil until bound
	HighWatermark *float64
}

// Strategy is the per-strategy routing and sizing configuration.
type Strategy struct {
	Name           string
	Status         string
	DefaultRiskPct float64
	TrailATRMult   float64
	RMultipleTP    float64
	MaxPositions   int
	AllowShort     bool
	TimeInForce    string
}

const (
	StrategyActive = "active"
	StrategyPaused = "paused"
)

// DefaultStrategy is what an unknown strategy name resolves to: paused, so
// a typo in an alert can never trade.
func DefaultStrategy(name string) *Strategy {
	return &Strategy{
		Name:           name,
		Status:         StrategyPaused,
		DefaultRiskPct: 0.005,
		TrailATRMult:   2.5,
		RMultipleTP:    2.0,
		MaxPositions:   5,
		AllowShort:     false,
		TimeInForce:    "day",
	}
}

// Store is the persistence contract the pipeline runs against. The
// Postgres implementation backs deployments; the memory implementation
// backs tests and paper runs.
type Store interface {
	// InsertSignal writes the raw signal row; ErrDuplicate if the dedup
	// key is already present.
	InsertSignal(ctx context.Context, s *Signal) error

	// SignalExists is the cheap pre-check before InsertSignal.
	SignalExists(ctx context.Context, dedupKey string) (bool, error)

	// InsertJob enqueues a ready job and returns its id (generated when
	// the job carries none).
	InsertJob(ctx context.Context, j *Job) (string, error)

	// ClaimJob atomically flips ready → processing and returns the row.
	// ErrNotClaimable if the conditional update touched no row.
	ClaimJob(ctx context.Context, id string) (*Job, error)

	// CompleteJob moves a job to a terminal status.
	CompleteJob(ctx context.Context, id string, status JobStatus, reason string) error

	// DeferJob releases a prematurely-claimed job back to ready, keeping
	// its next_attempt_at.
	DeferJob(ctx context.Context, id string, nextAttempt time.Time) error

	// RetryJob re-readies a job with a bumped retry count and backoff.
	RetryJob(ctx context.Context, id string, retryCount int, lastError string, nextAttempt time.Time) error

	// DeadLetterJob copies the row into the DLQ table.
	DeadLetterJob(ctx context.Context, j *Job) error

	// LoadJob fetches a job by id; ErrNotFound when absent.
	LoadJob(ctx context.Context, id string) (*Job, error)

	// ListReadyJobs returns up to limit ready jobs, oldest first,
	// including rows whose next_attempt_at is still in the future.
	ListReadyJobs(ctx context.Context, limit int) ([]Job, error)

	// CountJobs returns the number of jobs in the given status.
	CountJobs(ctx context.Context, status JobStatus) (int, error)

	// LoadAccountState fetches the singleton policy row; ErrNotFound when
	// no policy is configured.
	LoadAccountState(ctx context.Context) (*AccountState, error)

	// UpdateAccountState applies the non-nil fields of u.
	UpdateAccountState(ctx context.Context, u AccountStateUpdate) error

	// GetOrCreateDailyMetrics returns the (day, alias) row, inserting an
	// empty one on first observation of the day.
	GetOrCreateDailyMetrics(ctx context.Context, day, alias string) (*DailyMetrics, error)

	// SetDailyEquity binds the day-open equity for (day, alias).
	SetDailyEquity(ctx context.Context, day, alias string, equity float64) error

	// LoadStrategy fetches a strategy row; ErrNotFound when absent.
	LoadStrategy(ctx context.Context, name string) (*Strategy, error)

	// Ping verifies backend connectivity (health endpoint).
	Ping(ctx context.Context) error
}
