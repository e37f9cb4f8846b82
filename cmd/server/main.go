// Package main is the entry point for the tradeflow server.
//
// One process serves both roles:
//  1. Signal ingress: webhook endpoints, health, metrics, status stream.
//  2. Queue worker: claims ready jobs and executes them via the broker.
//
// The worker is additionally reachable over /worker/kick so a separate
// ingress deployment can nudge it; the polling loop guarantees progress
// even when every kick is lost.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/duguai/tradeflow/internal/broker"
	"github.com/duguai/tradeflow/internal/clock"
	"github.com/duguai/tradeflow/internal/config"
	"github.com/duguai/tradeflow/internal/ingress"
	"github.com/duguai/tradeflow/internal/notify"
	"github.com/duguai/tradeflow/internal/queue"
	"github.com/duguai/tradeflow/internal/report"
	"github.com/duguai/tradeflow/internal/risk"
	"github.com/duguai/tradeflow/internal/worker"
)

func main() {
	// .env is optional; the real environment always wins.
	_ = godotenv.Load()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}

	if cfg.TradingMode == config.ModeLive {
		logger.Println("LIVE MODE — real orders will be placed with the broker")
	} else {
		logger.Println("PAPER MODE — orders go to the paper account")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.Real{}

	// Storage: Postgres when configured, in-memory otherwise (dev/paper).
	var store queue.Store
	var pgStore *queue.PostgresStore
	if cfg.DatabaseURL != "" {
		pgStore, err = queue.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("failed to connect to database: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
		logger.Println("using Postgres queue store")
	} else {
		store = queue.NewMemoryStore()
		logger.Println("WARNING: DATABASE_URL not set — using in-memory store, state is not durable")
	}

	resolver := config.NewCredentialResolver()
	brokers := broker.NewCache(resolver, nil)

	guard := risk.NewGuard(store, brokers, clk, log.New(os.Stdout, "[risk] ", log.LstdFlags), cfg.RiskGuardDisabled)
	if cfg.RiskGuardDisabled {
		logger.Println("WARNING: risk guard disabled by RISK_GUARD_DISABLED")
	}

	alerts := notify.NewDiscord(cfg.DiscordErrURL, logger)
	wk := worker.New(store, brokers, guard, cfg, clk,
		log.New(os.Stdout, "[worker] ", log.LstdFlags), alerts)

	reporter := report.New(cfg, store, brokers, clk,
		notify.NewDiscord(cfg.DiscordReportURL, logger),
		log.New(os.Stdout, "[report] ", log.LstdFlags))

	srv := ingress.NewServer(cfg, store, brokers, clk,
		log.New(os.Stdout, "[ingress] ", log.LstdFlags),
		wk.KickHandler(),
		func(ctx context.Context) { wk.Sweep(ctx) },
		reporter.Run,
	)

	// Stream job transitions to the status websocket when a database is
	// present (the in-memory store has no notification channel).
	if cfg.DatabaseURL != "" {
		listener := queue.NewEventListener(cfg.DatabaseURL, srv.HubBroadcast,
			log.New(os.Stdout, "[events] ", log.LstdFlags))
		listener.Start(ctx)
		defer listener.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return err
		}
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return wk.Run(gctx)
	})

	// Cooperative shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Printf("received %s, shutting down", sig)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("exited with error: %v", err)
	}
	logger.Println("bye")
}
