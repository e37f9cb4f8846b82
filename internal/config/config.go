// Package config provides application-wide configuration management.
// All configuration comes from the environment (optionally a .env file
// loaded by the entry points). Nothing is hardcoded in pipeline logic.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Mode defines whether the system runs in paper or live trading mode.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// PaperHost appears in the broker base URL exactly when the account is a
// paper account; the worker refuses to run when TRADING_MODE disagrees.
const PaperHost = "paper-api.alpaca.markets"

// DefaultPaperBaseURL is used when no base URL is configured.
const DefaultPaperBaseURL = "https://paper-api.alpaca.markets"

// minPassphraseLen is enforced at boot for the v2 webhook secret.
const minPassphraseLen = 16

// Config holds all system configuration.
// Loaded once at startup and passed as read-only to all components.
type Config struct {
	// ListenAddr is the HTTP bind address, e.g. ":8080".
	ListenAddr string

	// DatabaseURL is the Postgres connection string. Empty selects the
	// in-memory store (paper/dev runs).
	DatabaseURL string

	// PassphraseV1 authenticates the legacy v1 webhook.
	PassphraseV1 string

	// PassphraseV2 authenticates the v2 webhook. Required, min 16 chars.
	PassphraseV2 string

	// HeaderTokenV2, when set, additionally requires a matching X-Auth or
	// X-Webhook-Token header on v2 requests.
	HeaderTokenV2 string

	// PathToken, when set, prefixes the v2 route: /v2/<token>/...
	PathToken string

	// WorkerURL is where ingress kicks the worker; empty disables kicks.
	WorkerURL string

	// WorkerSecret authenticates /worker/kick and /run-worker.
	WorkerSecret string

	// TradingMode is paper or live; checked against the broker host.
	TradingMode Mode

	// AfterHoursMode, when "opg" or "opg_market", lets equity jobs pass
	// the market-hours gate with TIF forced to opg.
	AfterHoursMode string

	// RiskGuardDisabled skips the risk guard entirely.
	RiskGuardDisabled bool

	// EnableDailyReport opts into the daily reporting hook.
	EnableDailyReport bool

	// ReportAliases lists the subaccounts the daily report covers.
	ReportAliases []string

	// PollInterval is the worker queue sweep cadence.
	PollInterval time.Duration

	// Discord webhook URLs; empty disables the respective shipping.
	DiscordLogsURL   string
	DiscordErrURL    string
	DiscordReportURL string
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        addrFromEnv(),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		PassphraseV1:      os.Getenv("WEBHOOK_PASSPHRASE"),
		PassphraseV2:      os.Getenv("WEBHOOK_PASSPHRASE_V2"),
		HeaderTokenV2:     os.Getenv("WEBHOOK_HEADER_TOKEN_V2"),
		PathToken:         os.Getenv("WEBHOOK_PATH_TOKEN"),
		WorkerURL:         strings.TrimRight(os.Getenv("WORKER_URL"), "/"),
		WorkerSecret:      os.Getenv("WORKER_SECRET"),
		TradingMode:       Mode(strings.ToLower(strings.TrimSpace(envDefault("TRADING_MODE", "paper")))),
		AfterHoursMode:    strings.ToLower(strings.TrimSpace(os.Getenv("AFTER_HOURS_MODE"))),
		RiskGuardDisabled: truthy(os.Getenv("RISK_GUARD_DISABLED")),
		EnableDailyReport: truthy(os.Getenv("ENABLE_DAILY_REPORT")),
		ReportAliases:     splitAliases(envDefault("REPORT_ALIASES", "default")),
		PollInterval:      2 * time.Second,
		DiscordLogsURL:    os.Getenv("DISCORD_LOGS_URL"),
		DiscordErrURL:     os.Getenv("DISCORD_ERR_URL"),
		DiscordReportURL:  os.Getenv("DISCORD_WEBHOOK_URL"),
	}

	if len(cfg.PassphraseV2) < minPassphraseLen {
		return nil, fmt.Errorf("config: WEBHOOK_PASSPHRASE_V2 must be set and at least %d characters", minPassphraseLen)
	}
	if cfg.TradingMode != ModePaper && cfg.TradingMode != ModeLive {
		return nil, fmt.Errorf("config: TRADING_MODE must be paper or live, got %q", cfg.TradingMode)
	}
	switch cfg.AfterHoursMode {
	case "", "opg", "opg_market":
	default:
		return nil, fmt.Errorf("config: AFTER_HOURS_MODE must be opg or opg_market, got %q", cfg.AfterHoursMode)
	}
	return cfg, nil
}

// V2Path returns the v2 webhook route, honoring the optional path token.
func (c *Config) V2Path() string {
	if c.PathToken != "" {
		return "/v2/" + c.PathToken + "/tradingview-to-webhook-order"
	}
	return "/v2/tradingview-to-webhook-order"
}

func addrFromEnv() string {
	if p := os.Getenv("PORT"); p != "" {
		return ":" + p
	}
	return ":8080"
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func splitAliases(raw string) []string {
	var out []string
	for _, a := range strings.Split(raw, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
