package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duguai/tradeflow/internal/broker"
	"github.com/duguai/tradeflow/internal/config"
	"github.com/duguai/tradeflow/internal/queue"
	"github.com/duguai/tradeflow/internal/risk"
	"github.com/duguai/tradeflow/internal/signal"
)

func fp(v float64) *float64 { return &v }

// stepClock is a settable clock for driving retry schedules.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// countingClient wraps the paper broker and fails submissions with a fixed
// error while counting the attempts.
type countingClient struct {
	*broker.PaperBroker
	mu       sync.Mutex
	attempts int
	err      error
}

func (c *countingClient) SubmitOrder(ctx context.Context, req *broker.OrderRequest) (*broker.Order, error) {
	c.mu.Lock()
	c.attempts++
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.PaperBroker.SubmitOrder(ctx, req)
}

func (c *countingClient) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

type fixture struct {
	store  *queue.MemoryStore
	pb     *broker.PaperBroker
	clk    *stepClock
	worker *Worker
	cfg    *config.Config
}

func marketOpenTime(t *testing.T) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, "2024-09-26T14:00:00Z") // Thursday RTH
	require.NoError(t, err)
	return ts
}

func newFixture(t *testing.T, cl broker.Client) *fixture {
	t.Helper()

	store := queue.NewMemoryStore()
	store.SetAccountState(&queue.AccountState{TradingEnabled: true})

	var pb *broker.PaperBroker
	if cl == nil {
		pb = broker.NewPaperBroker(10000, 10000)
		cl = pb
	} else if p, ok := cl.(*broker.PaperBroker); ok {
		pb = p
	}

	resolver := config.NewCredentialResolverFromEnv(map[string]string{
		"ALPACA_KEY_ID": "k", "ALPACA_SECRET_KEY": "s",
	})
	cache := broker.NewCache(resolver, func(*config.Credentials) broker.Client { return cl })

	clk := &stepClock{t: marketOpenTime(t)}
	cfg := &config.Config{
		TradingMode:  config.ModePaper,
		PollInterval: time.Second,
		WorkerSecret: "worker-secret",
	}

	logger := log.New(io.Discard, "", 0)
	guard := risk.NewGuard(store, cache, clk, logger, false)
	w := New(store, cache, guard, cfg, clk, logger, nil)

	return &fixture{store: store, pb: pb, clk: clk, worker: w, cfg: cfg}
}

func buyJob() *queue.Job {
	return &queue.Job{
		Strategy:     "momo",
		Ticker:       "AAPL",
		Timeframe:    "5",
		Action:       signal.ActionBuy,
		Price:        fp(180.0),
		ATR:          fp(1.5),
		TrailATRMult: fp(2.0),
		RiskPct:      fp(0.01),
		RMultipleTP:  fp(2.0),
		BarTime:      time.Now().UTC(),
	}
}

func TestProcessOne_HappyBuyBracket(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.store.InsertJob(ctx, buyJob())
	require.NoError(t, err)

	outcome, err := f.worker.ProcessOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	require.Len(t, f.pb.Submissions, 1)
	sub := f.pb.Submissions[0]
	assert.Equal(t, "AAPL", sub.Symbol)
	assert.Equal(t, broker.SideBuy, sub.Side)
	assert.Equal(t, broker.TypeMarket, sub.Type)
	assert.Equal(t, broker.ClassBracket, sub.Class)
	assert.Equal(t, "1", sub.Qty.String())
	assert.Equal(t, "186", sub.TakeProfitPx.String())
	assert.Equal(t, "177", sub.StopLossPx.String())
	assert.Equal(t, broker.TIFDay, sub.TimeInForce)
	assert.Equal(t, "q_", sub.ClientOrderID[:2])
	assert.LessOrEqual(t, len(sub.ClientOrderID), 30)

	j, err := f.store.LoadJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDone, j.Status)
}

func TestProcessOne_SecondClaimLoses(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id, _ := f.store.InsertJob(ctx, buyJob())

	outcome, err := f.worker.ProcessOne(ctx, id)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, outcome)

	outcome, err = f.worker.ProcessOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyTaken, outcome)
	assert.Len(t, f.pb.Submissions, 1, "second claim must not submit")
}

func TestProcessOne_DrawdownBlocksBeforeBrokerCall(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.SetAccountState(&queue.AccountState{
		TradingEnabled:     true,
		DailyDDLimitPct:    fp(0.03),
		DailyHighWatermark: fp(10000),
	})
	f.pb.SetEquity(9690)

	id, _ := f.store.InsertJob(ctx, buyJob())
	outcome, err := f.worker.ProcessOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	j, _ := f.store.LoadJob(ctx, id)
	assert.Equal(t, queue.StatusFailed, j.Status)
	assert.Equal(t, risk.ReasonDailyDrawdown, j.Reason)
	assert.Empty(t, f.pb.Submissions, "no broker call after a risk block")

	st, _ := f.store.LoadAccountState(ctx)
	assert.False(t, st.TradingEnabled)
	assert.True(t, st.DailyDDTriggered)
}

func TestProcessOne_MarketClosedEquityFailsCryptoProceeds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Saturday 02:00 UTC.
	sat, err := time.Parse(time.RFC3339, "2024-09-28T02:00:00Z")
	require.NoError(t, err)
	f.clk.mu.Lock()
	f.clk.t = sat
	f.clk.mu.Unlock()

	aapl, _ := f.store.InsertJob(ctx, buyJob())

	eth := buyJob()
	eth.Ticker = "ETH/USD"
	eth.Price = fp(3000.0)
	ethID, _ := f.store.InsertJob(ctx, eth)

	outcome, err := f.worker.ProcessOne(ctx, aapl)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	j, _ := f.store.LoadJob(ctx, aapl)
	assert.Equal(t, ReasonMarketClosed, j.Reason)

	outcome, err = f.worker.ProcessOne(ctx, ethID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	require.Len(t, f.pb.Submissions, 1)
	sub := f.pb.Submissions[0]
	assert.Equal(t, "ETHUSD", sub.Symbol, "trading path uses the collapsed symbol")
	assert.Equal(t, broker.TIFGTC, sub.TimeInForce, "crypto forces gtc")
}

func TestProcessOne_RetryThenDeadLetter(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	cc := &countingClient{PaperBroker: pb, err: errors.New("503 service unavailable")}
	f := newFixture(t, cc)
	ctx := context.Background()

	id, _ := f.store.InsertJob(ctx, buyJob())

	// Attempts 1..3 end in a scheduled retry.
	for attempt := 1; attempt <= 3; attempt++ {
		outcome, err := f.worker.ProcessOne(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRetrying, outcome, "attempt %d", attempt)

		j, _ := f.store.LoadJob(ctx, id)
		assert.Equal(t, queue.StatusReady, j.Status)
		assert.Equal(t, attempt, j.RetryCount)
		require.NotNil(t, j.NextAttemptAt)

		f.clk.Advance(queue.RetryBackoff + time.Second)
	}

	// Attempt 4 exhausts the budget: DLQ + terminal failure.
	outcome, err := f.worker.ProcessOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	assert.Equal(t, 4, cc.Attempts(), "broker must see exactly 4 submissions")

	dlq := f.store.DLQ()
	require.Len(t, dlq, 1)
	assert.Equal(t, id, dlq[0].ID)
	assert.Contains(t, dlq[0].LastError, "503")

	j, _ := f.store.LoadJob(ctx, id)
	assert.Equal(t, queue.StatusFailed, j.Status)
}

func TestProcessOne_DefersUntilBackoffElapses(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	cc := &countingClient{PaperBroker: pb, err: errors.New("timeout")}
	f := newFixture(t, cc)
	ctx := context.Background()

	id, _ := f.store.InsertJob(ctx, buyJob())

	outcome, _ := f.worker.ProcessOne(ctx, id)
	require.Equal(t, OutcomeRetrying, outcome)

	// Backoff has not elapsed: the claim is released, not executed.
	outcome, err := f.worker.ProcessOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)
	assert.Equal(t, 1, cc.Attempts())

	j, _ := f.store.LoadJob(ctx, id)
	assert.Equal(t, queue.StatusReady, j.Status)
}

func TestProcessOne_SellCancelsStaleBrackets(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.pb.SetPosition("SPY", decimal.NewFromInt(10), 500)
	f.pb.AddOpenOrder(broker.Order{ID: "tp-leg", Symbol: "SPY", Side: broker.SideSell})
	f.pb.AddOpenOrder(broker.Order{ID: "sl-leg", Symbol: "SPY", Side: broker.SideSell})
	f.pb.AddOpenOrder(broker.Order{ID: "other", Symbol: "QQQ", Side: broker.SideSell})

	sell := &queue.Job{
		Strategy: "momo", Ticker: "SPY", Action: signal.ActionSell,
		BarTime: time.Now().UTC(),
	}
	id, _ := f.store.InsertJob(ctx, sell)

	outcome, err := f.worker.ProcessOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	assert.ElementsMatch(t, []string{"tp-leg", "sl-leg"}, f.pb.Canceled)

	require.Len(t, f.pb.Submissions, 1)
	sub := f.pb.Submissions[0]
	assert.Equal(t, broker.SideSell, sub.Side)
	assert.Equal(t, broker.ClassSimple, sub.Class)
	assert.Equal(t, "10", sub.Qty.String())
}

func TestProcessOne_SellNotHoldingFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sell := &queue.Job{Ticker: "SPY", Action: signal.ActionSell, BarTime: time.Now().UTC()}
	id, _ := f.store.InsertJob(ctx, sell)

	outcome, err := f.worker.ProcessOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	j, _ := f.store.LoadJob(ctx, id)
	assert.Equal(t, ReasonNotHolding, j.Reason)
}

func TestProcessOne_SellExitAllowedWhenDisabled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.SetAccountState(&queue.AccountState{TradingEnabled: false})
	f.pb.SetPosition("SPY", decimal.NewFromInt(4), 500)

	sell := &queue.Job{Ticker: "SPY", Action: signal.ActionSell, BarTime: time.Now().UTC()}
	id, _ := f.store.InsertJob(ctx, sell)

	outcome, err := f.worker.ProcessOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome, "exits pass the breaker")
}

func TestProcessOne_AlreadyExistsIsSuccess(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	cc := &countingClient{PaperBroker: pb, err: broker.ErrAlreadyExists}
	f := newFixture(t, cc)
	ctx := context.Background()

	id, _ := f.store.InsertJob(ctx, buyJob())

	outcome, err := f.worker.ProcessOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	j, _ := f.store.LoadJob(ctx, id)
	assert.Equal(t, queue.StatusDone, j.Status)
}

func TestProcessOne_BrokerRejectionIsTerminal(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	cc := &countingClient{PaperBroker: pb, err: &broker.RejectedError{StatusCode: 403, Message: "insufficient buying power"}}
	f := newFixture(t, cc)
	ctx := context.Background()

	id, _ := f.store.InsertJob(ctx, buyJob())

	outcome, err := f.worker.ProcessOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, 1, cc.Attempts(), "rejections never retry")

	j, _ := f.store.LoadJob(ctx, id)
	assert.Equal(t, "broker_rejected", j.Reason)
}

func TestProcessOne_ModeMismatchIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.cfg.TradingMode = config.ModeLive // broker still reports the paper host

	id, _ := f.store.InsertJob(ctx, buyJob())
	outcome, err := f.worker.ProcessOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	j, _ := f.store.LoadJob(ctx, id)
	assert.Equal(t, ReasonModeMismatch, j.Reason)
	assert.Empty(t, f.pb.Submissions)
}

func TestProcessOne_MaxSlotsFullIsDone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.pb.SetPosition("MSFT", decimal.NewFromInt(1), 400)
	f.pb.SetPosition("NVDA", decimal.NewFromInt(1), 900)

	job := buyJob()
	slots := 2
	job.MaxSlots = &slots
	job.RiskPct = nil
	id, _ := f.store.InsertJob(ctx, job)

	outcome, err := f.worker.ProcessOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	j, _ := f.store.LoadJob(ctx, id)
	assert.Equal(t, queue.StatusDone, j.Status)
	assert.Equal(t, "max_slots_full", j.Reason)
	assert.Empty(t, f.pb.Submissions)
}

func TestSweep_DrivesJobsToTerminalState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, _ := f.store.InsertJob(ctx, buyJob())
	second, _ := f.store.InsertJob(ctx, buyJob())

	f.worker.Sweep(ctx)

	for _, id := range []string{first, second} {
		j, _ := f.store.LoadJob(ctx, id)
		assert.Equal(t, queue.StatusDone, j.Status)
	}
	assert.Len(t, f.pb.Submissions, 2)
}

func TestSweep_SkipsFutureAttempts(t *testing.T) {
	pb := broker.NewPaperBroker(10000, 10000)
	cc := &countingClient{PaperBroker: pb, err: errors.New("flaky")}
	f := newFixture(t, cc)
	ctx := context.Background()

	id, _ := f.store.InsertJob(ctx, buyJob())
	f.worker.Sweep(ctx) // fails, schedules retry

	f.worker.Sweep(ctx) // backoff pending: untouched
	assert.Equal(t, 1, cc.Attempts())

	cc.mu.Lock()
	cc.err = nil
	cc.mu.Unlock()
	f.clk.Advance(queue.RetryBackoff + time.Second)

	f.worker.Sweep(ctx)
	j, _ := f.store.LoadJob(ctx, id)
	assert.Equal(t, queue.StatusDone, j.Status)
}
