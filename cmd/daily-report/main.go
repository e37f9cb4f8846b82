// Command daily-report prints the per-alias account summary and ships it
// to Discord. Intended for a cron entry; the same report also fires from
// /run-worker when ENABLE_DAILY_REPORT is set.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/duguai/tradeflow/internal/broker"
	"github.com/duguai/tradeflow/internal/clock"
	"github.com/duguai/tradeflow/internal/config"
	"github.com/duguai/tradeflow/internal/notify"
	"github.com/duguai/tradeflow/internal/queue"
	"github.com/duguai/tradeflow/internal/report"
)

func main() {
	_ = godotenv.Load()

	logger := log.New(os.Stdout, "[report] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var store queue.Store
	if cfg.DatabaseURL != "" {
		pg, err := queue.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("failed to connect to database: %v", err)
		}
		defer pg.Close()
		store = pg
	} else {
		store = queue.NewMemoryStore()
		logger.Println("WARNING: DATABASE_URL not set — queue health will read empty")
	}

	brokers := broker.NewCache(config.NewCredentialResolver(), nil)
	sender := notify.NewDiscord(cfg.DiscordReportURL, logger)

	r := report.New(cfg, store, brokers, clock.Real{}, sender, logger)
	if err := r.Run(ctx); err != nil {
		logger.Fatalf("report failed: %v", err)
	}
}
