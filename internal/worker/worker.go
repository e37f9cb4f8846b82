// Package worker drains the order queue and executes jobs against the
// broker.
//
// Design rules:
//   - A job is processed only after an atomic claim; losing the claim race
//     is a normal outcome, not an error.
//   - Policy refusals, market gates, and broker rejections are terminal;
//     only genuinely transient failures retry, with a fixed 30s backoff
//     and a budget of three retries before the DLQ.
//   - A client-order-id collision means the order already went in on an
//     earlier attempt; it is success.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/duguai/tradeflow/internal/broker"
	"github.com/duguai/tradeflow/internal/clock"
	"github.com/duguai/tradeflow/internal/config"
	"github.com/duguai/tradeflow/internal/metrics"
	"github.com/duguai/tradeflow/internal/notify"
	"github.com/duguai/tradeflow/internal/order"
	"github.com/duguai/tradeflow/internal/queue"
	"github.com/duguai/tradeflow/internal/risk"
	"github.com/duguai/tradeflow/internal/signal"
	"github.com/duguai/tradeflow/internal/sizing"
)

// Outcome summarizes one ProcessOne call.
type Outcome string

const (
	OutcomeDone         Outcome = "done"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeAlreadyTaken Outcome = "already_taken"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeRetrying     Outcome = "retrying"
	OutcomeFailed       Outcome = "failed"
)

// Terminal failure reasons recorded on jobs.
const (
	ReasonModeMismatch = "mode_mismatch"
	ReasonMarketClosed = "market_closed"
	ReasonNotHolding   = "not_holding"
	ReasonNoPriceData  = "no_price_data"
)

// listBatch bounds how many ready jobs one poll sweep picks up.
const listBatch = 50

// Worker claims ready jobs and runs them through the execution pipeline.
type Worker struct {
	store   queue.Store
	brokers *broker.Cache
	guard   *risk.Guard
	sizer   *sizing.Sizer
	cfg     *config.Config
	clk     clock.Clock
	logger  *log.Logger
	alerts  *notify.Discord
}

// New creates a worker. alerts may be a disabled sender.
func New(store queue.Store, brokers *broker.Cache, guard *risk.Guard, cfg *config.Config, clk clock.Clock, logger *log.Logger, alerts *notify.Discord) *Worker {
	return &Worker{
		store:   store,
		brokers: brokers,
		guard:   guard,
		sizer:   sizing.New(),
		cfg:     cfg,
		clk:     clk,
		logger:  logger,
		alerts:  alerts,
	}
}

// Run polls the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Printf("[worker] polling every %s", w.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Println("[worker] shutting down")
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep processes one batch of due ready jobs.
func (w *Worker) Sweep(ctx context.Context) {
	jobs, err := w.store.ListReadyJobs(ctx, listBatch)
	if err != nil {
		w.logger.Printf("[worker] poll error: %v", err)
		return
	}
	metrics.QueueReady.Set(float64(len(jobs)))

	now := w.clk.Now()
	for _, j := range jobs {
		if j.NextAttemptAt != nil && j.NextAttemptAt.After(now) {
			continue
		}
		outcome, err := w.ProcessOne(ctx, j.ID)
		if err != nil {
			w.logger.Printf("[worker] job %s: %s: %v", j.ID, outcome, err)
		}
	}
}

// ProcessOne claims and executes a single job.
func (w *Worker) ProcessOne(ctx context.Context, id string) (Outcome, error) {
	job, err := w.store.ClaimJob(ctx, id)
	if errors.Is(err, queue.ErrNotClaimable) {
		return OutcomeAlreadyTaken, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	now := w.clk.Now()

	// A retry released early: put it back with its schedule intact.
	if job.NextAttemptAt != nil && job.NextAttemptAt.After(now) {
		if err := w.store.DeferJob(ctx, id, *job.NextAttemptAt); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeDeferred, nil
	}

	w.logger.Printf("[worker] processing %s %s %s %s sub=%s rc=%d",
		job.ID, job.Strategy, job.Action, job.Ticker, job.Subaccount, job.RetryCount)

	outcome, err := w.execute(ctx, job)
	switch outcome {
	case OutcomeDone, OutcomeSkipped:
		metrics.JobsProcessed.WithLabelValues("done").Inc()
	case OutcomeFailed:
		metrics.JobsProcessed.WithLabelValues("failed").Inc()
	case OutcomeRetrying:
		metrics.JobRetries.Inc()
	}
	return outcome, err
}

// execute runs the pipeline on a claimed job and settles its status.
func (w *Worker) execute(ctx context.Context, job *queue.Job) (Outcome, error) {
	cl, err := w.brokers.For(job.Subaccount)
	if err != nil {
		// Credentials are configuration; a missing alias never heals.
		return w.fail(ctx, job, "bad_subaccount", err)
	}

	// Paper/live mode must agree with the broker host. A mismatch means
	// the deployment is wired to the wrong account: stop immediately.
	if err := w.checkMode(cl); err != nil {
		return w.fail(ctx, job, ReasonModeMismatch, err)
	}

	class := signal.Classify(job.Ticker)
	tradeSymbol := signal.NormalizeTradeSymbol(job.Ticker)

	// Equities trade RTH only unless the after-hours mode is on.
	if class == signal.AssetEquity && w.cfg.AfterHoursMode == "" && !clock.IsEquityMarketOpen(w.clk.Now()) {
		return w.fail(ctx, job, ReasonMarketClosed, fmt.Errorf("market closed at %s", w.clk.Now().Format(time.RFC3339)))
	}

	// Risk guard: blocks entries; exits pass through but still update the
	// high watermark.
	if err := w.guard.Check(ctx, job.Subaccount); err != nil {
		if reason, blocked := risk.IsBlocked(err); blocked {
			if job.Action == signal.ActionBuy {
				return w.fail(ctx, job, reason, err)
			}
			w.logger.Printf("[worker] %s: risk block %q ignored for exit", job.ID, reason)
		} else {
			return w.settleTransient(ctx, job, err)
		}
	}

	strat := w.loadStrategy(ctx, job.Strategy)

	in := w.sizingInputs(job, strat, class, tradeSymbol)
	sized, err := w.sizer.Size(ctx, cl, in)
	if err != nil {
		switch {
		case errors.Is(err, sizing.ErrNotHolding):
			return w.fail(ctx, job, ReasonNotHolding, err)
		case errors.Is(err, sizing.ErrNoPriceData):
			return w.fail(ctx, job, ReasonNoPriceData, err)
		case broker.IsRejected(err):
			return w.fail(ctx, job, "broker_rejected", err)
		default:
			return w.settleTransient(ctx, job, err)
		}
	}

	if sized.Skip {
		if err := w.store.CompleteJob(ctx, job.ID, queue.StatusDone, sized.SkipReason); err != nil {
			return OutcomeFailed, err
		}
		w.logger.Printf("[worker] %s: skipped (%s)", job.ID, sized.SkipReason)
		return OutcomeSkipped, nil
	}

	// Stale bracket legs would fight the exit; clear them first.
	if job.Action == signal.ActionSell {
		w.cancelOpenSells(ctx, cl, tradeSymbol, job.ID)
	}

	req := order.Build(order.Params{
		JobID:       job.ID,
		Symbol:      tradeSymbol,
		Action:      job.Action,
		Class:       class,
		Qty:         sized.Qty,
		TakeProfit:  sized.TakeProfit,
		StopLoss:    sized.StopLoss,
		TimeInForce: strat.TimeInForce,
		AfterHours:  w.cfg.AfterHoursMode,
	})

	submitCtx, cancel := context.WithTimeout(ctx, broker.SubmitTimeout)
	placed, err := cl.SubmitOrder(submitCtx, req)
	cancel()

	switch {
	case err == nil:
		metrics.OrdersSubmitted.WithLabelValues("accepted").Inc()
		w.logger.Printf("[worker] %s: submitted %s %s qty=%s clid=%s broker_id=%s",
			job.ID, req.Side, req.Symbol, req.Qty.String(), req.ClientOrderID, placed.ID)
	case errors.Is(err, broker.ErrAlreadyExists):
		// An earlier attempt reached the broker; idempotent replay.
		metrics.OrdersSubmitted.WithLabelValues("already_exists").Inc()
		w.logger.Printf("[worker] %s: client order id already on file, treating as done", job.ID)
	case broker.IsRejected(err):
		metrics.OrdersSubmitted.WithLabelValues("rejected").Inc()
		return w.fail(ctx, job, "broker_rejected", err)
	default:
		metrics.OrdersSubmitted.WithLabelValues("error").Inc()
		return w.settleTransient(ctx, job, err)
	}

	if err := w.store.CompleteJob(ctx, job.ID, queue.StatusDone, ""); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeDone, nil
}

// checkMode asserts TRADING_MODE agrees with the broker host.
func (w *Worker) checkMode(cl broker.Client) error {
	isPaperHost := strings.Contains(cl.BaseURL(), config.PaperHost)
	switch w.cfg.TradingMode {
	case config.ModePaper:
		if !isPaperHost {
			return fmt.Errorf("mode mismatch: paper expected, base url %s", cl.BaseURL())
		}
	case config.ModeLive:
		if isPaperHost {
			return fmt.Errorf("mode mismatch: live expected, base url %s", cl.BaseURL())
		}
	}
	return nil
}

// loadStrategy fetches the strategy row, falling back to the paused-safe
// defaults for TIF and multiples. The active/paused gate already ran at
// ingress; here the row only supplies execution parameters.
func (w *Worker) loadStrategy(ctx context.Context, name string) *queue.Strategy {
	strat, err := w.store.LoadStrategy(ctx, name)
	if err != nil {
		return queue.DefaultStrategy(name)
	}
	return strat
}

// sizingInputs merges job fields, strategy defaults, and raw-payload
// overrides into one sizing request.
func (w *Worker) sizingInputs(job *queue.Job, strat *queue.Strategy, class signal.AssetClass, tradeSymbol string) sizing.Inputs {
	in := sizing.Inputs{
		Action:      job.Action,
		Class:       class,
		TradeSymbol: tradeSymbol,
		Entry:       job.Price,
		ATR:         job.ATR,
		TrailMult:   job.TrailATRMult,
		RMultiple:   job.RMultipleTP,
		RiskPct:     job.RiskPct,
		MaxSlots:    job.MaxSlots,
		BufferRatio: job.BufferRatio,
	}
	if class == signal.AssetCrypto {
		in.DataPair = signal.DataPairForCrypto(job.Ticker)
	}
	if in.TrailMult == nil && strat.TrailATRMult > 0 {
		v := strat.TrailATRMult
		in.TrailMult = &v
	}
	if in.RiskPct == nil && strat.DefaultRiskPct > 0 {
		v := strat.DefaultRiskPct
		in.RiskPct = &v
	}
	if in.RMultiple == nil && strat.RMultipleTP > 0 {
		v := strat.RMultipleTP
		in.RMultiple = &v
	}

	// Overrides ride along in the raw payload (v1 compatibility fields).
	var raw struct {
		Qty        any `json:"qty"`
		Percentage any `json:"percentage"`
		FlatExit   any `json:"flat_exit"`
	}
	if len(job.Raw) > 0 && json.Unmarshal(job.Raw, &raw) == nil {
		if q, ok := signal.Float(raw.Qty); ok && q > 0 {
			in.QtyOverride = &q
		}
		if p, ok := signal.Float(raw.Percentage); ok && p > 0 {
			in.PctOverride = &p
		}
		in.FlatExit = signal.Bool(raw.FlatExit)
	}
	return in
}

// cancelOpenSells clears resting sell-side orders (typically stale bracket
// TP/SL legs) before an exit. Failures are logged, never fatal.
func (w *Worker) cancelOpenSells(ctx context.Context, cl broker.Client, symbol, jobID string) {
	open, err := cl.ListOpenOrders(ctx, symbol, broker.SideSell)
	if err != nil {
		w.logger.Printf("[worker] %s: list open orders for %s: %v", jobID, symbol, err)
		return
	}
	for _, o := range open {
		if err := cl.CancelOrder(ctx, o.ID); err != nil {
			w.logger.Printf("[worker] %s: cancel %s: %v", jobID, o.ID, err)
			continue
		}
		w.logger.Printf("[worker] %s: canceled stale order %s on %s", jobID, o.ID, symbol)
	}
}

// fail marks a job terminally failed with a reason. No retry.
func (w *Worker) fail(ctx context.Context, job *queue.Job, reason string, cause error) (Outcome, error) {
	if err := w.store.CompleteJob(ctx, job.ID, queue.StatusFailed, reason); err != nil {
		return OutcomeFailed, err
	}
	w.logger.Printf("[worker] %s: failed (%s): %v", job.ID, reason, cause)
	return OutcomeFailed, nil
}

// settleTransient schedules a retry, or dead-letters the job once the
// retry budget is exhausted.
func (w *Worker) settleTransient(ctx context.Context, job *queue.Job, cause error) (Outcome, error) {
	rc := job.RetryCount + 1
	msg := cause.Error()

	if rc <= queue.MaxRetries {
		next := w.clk.Now().Add(queue.RetryBackoff)
		if err := w.store.RetryJob(ctx, job.ID, rc, msg, next); err != nil {
			return OutcomeFailed, err
		}
		w.logger.Printf("[worker] %s: transient failure (attempt %d/%d), retrying at %s: %v",
			job.ID, rc, queue.MaxRetries, next.Format(time.RFC3339), cause)
		return OutcomeRetrying, nil
	}

	dead := *job
	dead.RetryCount = rc
	dead.LastError = msg
	if err := w.store.DeadLetterJob(ctx, &dead); err != nil {
		return OutcomeFailed, err
	}
	if err := w.store.CompleteJob(ctx, job.ID, queue.StatusFailed, msg); err != nil {
		return OutcomeFailed, err
	}
	metrics.DeadLetters.Inc()
	w.logger.Printf("[worker] %s: retry budget exhausted, dead-lettered: %v", job.ID, cause)
	if w.alerts != nil && w.alerts.Enabled() {
		w.alerts.Send(ctx, fmt.Sprintf("job %s dead-lettered after %d attempts: %s %s %s — %s",
			job.ID, rc, job.Strategy, job.Action, job.Ticker, msg))
	}
	return OutcomeFailed, nil
}
