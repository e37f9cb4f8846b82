// Package report assembles the daily account and queue summary.
//
// One snapshot per configured alias (equity, day change, open positions)
// plus queue health, printed to stdout and shipped to Discord when a
// webhook is configured.
package report

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/duguai/tradeflow/internal/broker"
	"github.com/duguai/tradeflow/internal/clock"
	"github.com/duguai/tradeflow/internal/config"
	"github.com/duguai/tradeflow/internal/notify"
	"github.com/duguai/tradeflow/internal/queue"
)

// AccountSnapshot is one alias's line in the report.
type AccountSnapshot struct {
	Alias         string
	Equity        float64
	EquityChange  float64
	OpenPositions int
	Err           error
}

// QueueHealth summarizes queue state at report time.
type QueueHealth struct {
	Ready  int
	Done   int
	Failed int
}

// Reporter builds and ships the daily report.
type Reporter struct {
	cfg     *config.Config
	store   queue.Store
	brokers *broker.Cache
	clk     clock.Clock
	sender  *notify.Discord
	logger  *log.Logger
}

// New creates a reporter. sender may be disabled; the report still logs.
func New(cfg *config.Config, store queue.Store, brokers *broker.Cache, clk clock.Clock, sender *notify.Discord, logger *log.Logger) *Reporter {
	return &Reporter{
		cfg:     cfg,
		store:   store,
		brokers: brokers,
		clk:     clk,
		sender:  sender,
		logger:  logger,
	}
}

// Run gathers snapshots for every configured alias and ships the report.
// Per-alias failures degrade to an error line instead of aborting.
func (r *Reporter) Run(ctx context.Context) error {
	day := clock.DayKeyUTC(r.clk.Now())

	var snaps []AccountSnapshot
	for _, alias := range r.cfg.ReportAliases {
		snaps = append(snaps, r.snapshot(ctx, alias))
	}

	health := r.queueHealth(ctx)

	for _, s := range snaps {
		if s.Err != nil {
			r.logger.Printf("[report] %s: unavailable: %v", s.Alias, s.Err)
			continue
		}
		r.logger.Printf("[report] %s: equity=%.2f change=%+.2f open=%d",
			s.Alias, s.Equity, s.EquityChange, s.OpenPositions)
	}
	r.logger.Printf("[report] queue: ready=%d done=%d failed=%d", health.Ready, health.Done, health.Failed)

	if r.sender != nil && r.sender.Enabled() {
		r.sender.SendEmbed(ctx, r.embed(day, snaps, health))
	}
	return nil
}

func (r *Reporter) snapshot(ctx context.Context, alias string) AccountSnapshot {
	snap := AccountSnapshot{Alias: alias}

	cl, err := r.brokers.For(alias)
	if err != nil {
		snap.Err = err
		return snap
	}
	acct, err := cl.GetAccount(ctx)
	if err != nil {
		snap.Err = err
		return snap
	}
	snap.Equity = acct.Equity
	snap.EquityChange = acct.Equity - acct.LastEquity

	if positions, err := cl.GetAllPositions(ctx); err == nil {
		for _, p := range positions {
			if !p.Qty.IsZero() {
				snap.OpenPositions++
			}
		}
	}
	return snap
}

func (r *Reporter) queueHealth(ctx context.Context) QueueHealth {
	var h QueueHealth
	if n, err := r.store.CountJobs(ctx, queue.StatusReady); err == nil {
		h.Ready = n
	}
	if n, err := r.store.CountJobs(ctx, queue.StatusDone); err == nil {
		h.Done = n
	}
	if n, err := r.store.CountJobs(ctx, queue.StatusFailed); err == nil {
		h.Failed = n
	}
	return h
}

func (r *Reporter) embed(day string, snaps []AccountSnapshot, health QueueHealth) notify.Embed {
	e := notify.Embed{
		Title:     "Daily report — " + day,
		Color:     0x2ecc71,
		Timestamp: r.clk.Now().Format("2006-01-02T15:04:05Z07:00"),
	}

	anyLoss := false
	for _, s := range snaps {
		if s.Err != nil {
			e.Fields = append(e.Fields, notify.EmbedField{
				Name:  s.Alias,
				Value: "unavailable: " + firstLine(s.Err.Error()),
			})
			continue
		}
		if s.EquityChange < 0 {
			anyLoss = true
		}
		e.Fields = append(e.Fields, notify.EmbedField{
			Name: s.Alias,
			Value: fmt.Sprintf("equity $%.2f (%s) · %d open",
				s.Equity, notify.FormatUSD(s.EquityChange), s.OpenPositions),
			Inline: true,
		})
	}
	e.Fields = append(e.Fields, notify.EmbedField{
		Name:  "queue",
		Value: fmt.Sprintf("ready %d · done %d · failed %d", health.Ready, health.Done, health.Failed),
	})

	if anyLoss {
		e.Color = 0xe74c3c
	}
	return e
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
