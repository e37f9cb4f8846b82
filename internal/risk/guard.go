// Package risk implements the per-account daily risk guard.
//
// Design rules:
//   - The guard runs before any new entry and cannot be overridden by
//     signal payloads.
//   - A tripped breaker is sticky: nothing clears daily_dd_triggered at
//     day rollover; an operator re-enables trading by hand.
//   - The day rolls naturally: the first observation after the configured
//     reset wall time binds that day's opening equity.
//   - SELL processing still calls the guard so the high watermark keeps
//     updating, but exits are never blocked.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/duguai/tradeflow/internal/broker"
	"github.com/duguai/tradeflow/internal/clock"
	"github.com/duguai/tradeflow/internal/queue"
)

// Block reasons, recorded verbatim on failed jobs.
const (
	ReasonTradingDisabled   = "trading_disabled"
	ReasonDailyDrawdown     = "daily_drawdown_limit_reached"
	ReasonDailyLossCap      = "daily_loss_cap_reached"
	ReasonMaxPositionsTotal = "max_positions_total_reached"
)

// BlockedError is a policy refusal. Jobs blocked by the guard fail
// terminally; there is nothing to retry.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("risk blocked: %s", e.Reason)
}

// IsBlocked extracts the block reason when err came from the guard.
func IsBlocked(err error) (string, bool) {
	var be *BlockedError
	if errors.As(err, &be) {
		return be.Reason, true
	}
	return "", false
}

// equityCacheTTL bounds the staleness of broker equity observations.
const equityCacheTTL = 60 * time.Second

type cachedEquity struct {
	at     time.Time
	equity float64
}

// Guard evaluates and updates per-account daily risk state.
type Guard struct {
	store    queue.Store
	brokers  *broker.Cache
	clk      clock.Clock
	logger   *log.Logger
	disabled bool

	mu    sync.Mutex
	cache map[string]cachedEquity
}

// NewGuard creates a risk guard. disabled short-circuits every check
// (RISK_GUARD_DISABLED deployments).
func NewGuard(store queue.Store, brokers *broker.Cache, clk clock.Clock, logger *log.Logger, disabled bool) *Guard {
	return &Guard{
		store:    store,
		brokers:  brokers,
		clk:      clk,
		logger:   logger,
		disabled: disabled,
		cache:    make(map[string]cachedEquity),
	}
}

// Check runs the full protocol for an alias at the current instant.
// Returns nil when trading may proceed, *BlockedError on a policy refusal,
// and a plain error on transient infrastructure failures.
func (g *Guard) Check(ctx context.Context, alias string) error {
	if g.disabled {
		return nil
	}
	now := g.clk.Now()

	state, err := g.store.LoadAccountState(ctx)
	if errors.Is(err, queue.ErrNotFound) {
		return nil // no policy configured
	}
	if err != nil {
		return err
	}

	if !state.TradingEnabled {
		return &BlockedError{Reason: ReasonTradingDisabled}
	}

	dayKey := clock.DayKeyUTC(now)
	metrics, err := g.store.GetOrCreateDailyMetrics(ctx, dayKey, alias)
	if err != nil {
		return err
	}

	cl, err := g.brokers.For(alias)
	if err != nil {
		return err
	}

	// Bind the day-open equity once we are past the reset wall time.
	if metrics.Equity == nil && clock.AfterResetTime(now, state.ResetTimeUTC) {
		equity, err := g.equity(ctx, alias, cl)
		if err != nil {
			return err
		}
		if err := g.store.SetDailyEquity(ctx, dayKey, alias, equity); err != nil {
			return err
		}
		e := equity
		metrics.Equity = &e
		g.logger.Printf("[risk] %s day %s opened at equity %.2f", alias, dayKey, equity)
	}

	equity, err := g.equity(ctx, alias, cl)
	if err != nil {
		return err
	}

	hwm := 0.0
	if state.DailyHighWatermark != nil {
		hwm = *state.DailyHighWatermark
	}
	if equity > hwm {
		hwm = equity
		if err := g.store.UpdateAccountState(ctx, queue.AccountStateUpdate{DailyHighWatermark: &hwm}); err != nil {
			return err
		}
	}

	if state.DailyDDLimitPct != nil && hwm > 0 {
		dd := (hwm - equity) / hwm
		if dd >= *state.DailyDDLimitPct {
			g.trip(ctx, queue.PauseReasonDailyDD)
			g.logger.Printf("[risk] %s daily drawdown %.4f >= %.4f — trading halted", alias, dd, *state.DailyDDLimitPct)
			return &BlockedError{Reason: ReasonDailyDrawdown}
		}
	}

	if state.DailyLossCapUSD != nil && metrics.Equity != nil {
		if equity-*metrics.Equity <= -*state.DailyLossCapUSD {
			g.trip(ctx, queue.PauseReasonDailyLossCap)
			g.logger.Printf("[risk] %s daily loss %.2f breached cap %.2f — trading halted", alias, equity-*metrics.Equity, *state.DailyLossCapUSD)
			return &BlockedError{Reason: ReasonDailyLossCap}
		}
	}

	if state.MaxPositionsTotal != nil {
		positions, err := cl.GetAllPositions(ctx)
		if err != nil {
			return err
		}
		open := 0
		for _, p := range positions {
			if !p.Qty.IsZero() {
				open++
			}
		}
		if open >= *state.MaxPositionsTotal {
			return &BlockedError{Reason: ReasonMaxPositionsTotal}
		}
	}

	return nil
}

// trip disables trading and records the pause reason. The write is
// best-effort on top of returning the block: a failed write still blocks
// this job, and the next check will re-trip.
func (g *Guard) trip(ctx context.Context, reason string) {
	disabled := false
	triggered := true
	if err := g.store.UpdateAccountState(ctx, queue.AccountStateUpdate{
		TradingEnabled:   &disabled,
		DailyDDTriggered: &triggered,
		PauseReason:      &reason,
	}); err != nil {
		g.logger.Printf("[risk] failed to persist breaker trip (%s): %v", reason, err)
	}
}

// equity returns the TTL-cached broker equity for an alias.
func (g *Guard) equity(ctx context.Context, alias string, cl broker.Client) (float64, error) {
	now := g.clk.Now()

	g.mu.Lock()
	if c, ok := g.cache[alias]; ok && now.Sub(c.at) < equityCacheTTL {
		g.mu.Unlock()
		return c.equity, nil
	}
	g.mu.Unlock()

	acct, err := cl.GetAccount(ctx)
	if err != nil {
		return 0, fmt.Errorf("risk: fetch equity for %s: %w", alias, err)
	}

	g.mu.Lock()
	g.cache[alias] = cachedEquity{at: now, equity: acct.Equity}
	g.mu.Unlock()
	return acct.Equity, nil
}
