// Package ingress provides the HTTP server that receives trading signals.
//
// This package:
//   - Serves the v2 webhook (authenticated, deduplicated, durably queued).
//   - Retains the legacy v1 webhook for old alert templates.
//   - Exposes /health, /metrics, /run-worker, and a live status websocket.
//   - Mounts the worker kick endpoint so one process serves both roles.
package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duguai/tradeflow/internal/broker"
	"github.com/duguai/tradeflow/internal/clock"
	"github.com/duguai/tradeflow/internal/config"
	"github.com/duguai/tradeflow/internal/metrics"
	"github.com/duguai/tradeflow/internal/queue"
)

// kickTimeout bounds the fire-and-forget worker notification.
const kickTimeout = 1500 * time.Millisecond

// RunAllFunc processes a batch of due ready jobs (operator endpoint).
type RunAllFunc func(ctx context.Context)

// ReportFunc runs the daily report once; wired when ENABLE_DAILY_REPORT.
type ReportFunc func(ctx context.Context) error

// Server is the signal ingress HTTP server.
type Server struct {
	cfg     *config.Config
	store   queue.Store
	brokers *broker.Cache
	clk     clock.Clock
	logger  *log.Logger
	hub     *Hub
	kick    http.Handler
	runAll  RunAllFunc
	report  ReportFunc
	srv     *http.Server

	lastReportDay string // guards the once-per-day report hook
}

// NewServer wires the ingress. kick is the worker's kick handler; runAll
// and report may be nil to disable those endpoints' side effects.
func NewServer(cfg *config.Config, store queue.Store, brokers *broker.Cache, clk clock.Clock, logger *log.Logger, kick http.Handler, runAll RunAllFunc, report ReportFunc) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		brokers: brokers,
		clk:     clk,
		logger:  logger,
		hub:     NewHub(logger),
		kick:    kick,
		runAll:  runAll,
		report:  report,
	}
}

// HubBroadcast feeds a queue event to connected status websocket clients.
func (s *Server) HubBroadcast(ev queue.Event) {
	s.hub.Broadcast(ev)
}

// Routes builds the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/tradingview-to-webhook-order", s.handleWebhookV1)
	mux.HandleFunc(s.cfg.V2Path(), s.handleWebhookV2)
	if s.kick != nil {
		mux.Handle("/worker/kick", s.kick)
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/run-worker", s.handleRunWorker)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws/status", s.handleStatusWS)
	return mux
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Printf("[ingress] listening on %s (v2 path %s)", s.cfg.ListenAddr, s.cfg.V2Path())

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("[ingress] server error: %v", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Println("[ingress] shutting down")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintln(w, "<p>Hello young trader!</p>")
}

// handleHealth reports store, queue, and broker reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbOK := s.store.Ping(ctx) == nil
	readyCnt := 0
	if dbOK {
		if n, err := s.store.CountJobs(ctx, queue.StatusReady); err == nil {
			readyCnt = n
			metrics.QueueReady.Set(float64(n))
		}
	}

	brokerPing := false
	if cl, err := s.brokers.For("default"); err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, broker.PingTimeout)
		if _, err := cl.GetAccount(pingCtx); err == nil {
			brokerPing = true
		}
		cancel()
	}

	var missing []string
	for _, k := range []string{
		"WEBHOOK_PASSPHRASE_V2", "DATABASE_URL",
		"WORKER_URL", "WORKER_SECRET",
		"ALPACA_KEY_ID", "ALPACA_SECRET_KEY",
	} {
		if os.Getenv(k) == "" {
			missing = append(missing, k)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ts":              s.clk.Now().Format(time.RFC3339),
		"db_ok":           dbOK,
		"queue_ready_cnt": readyCnt,
		"broker_ping":     brokerPing,
		"worker_url_set":  s.cfg.WorkerURL != "",
		"env_missing_hint": func() []string {
			if missing == nil {
				return []string{}
			}
			return missing
		}(),
	})
}

// handleRunWorker is the operator-triggered batch drain. It also fires the
// daily report at most once per UTC day when the hook is enabled.
func (s *Server) handleRunWorker(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("key") != s.cfg.WorkerSecret || s.cfg.WorkerSecret == "" {
		writeJSON(w, http.StatusForbidden, map[string]any{"success": false, "message": "unauthorized"})
		return
	}

	if s.runAll != nil {
		s.runAll(r.Context())
	}

	if s.cfg.EnableDailyReport && s.report != nil {
		day := clock.DayKeyUTC(s.clk.Now())
		if day != s.lastReportDay {
			s.lastReportDay = day
			if err := s.report(r.Context()); err != nil {
				s.logger.Printf("[ingress] daily report failed: %v", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "worker run complete"})
}

// kickWorker notifies the worker that a job is ready. Strictly
// fire-and-forget: the polling loop guarantees progress regardless.
func (s *Server) kickWorker(jobID string) {
	if s.cfg.WorkerURL == "" || s.cfg.WorkerSecret == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), kickTimeout)
		defer cancel()

		body, _ := json.Marshal(map[string]string{"id": jobID})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			s.cfg.WorkerURL+"/worker/kick", bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Worker-Token", s.cfg.WorkerSecret)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			s.logger.Printf("[ingress] worker kick failed for %s: %v", jobID, err)
			return
		}
		resp.Body.Close()
	}()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
