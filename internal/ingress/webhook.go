package ingress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/duguai/tradeflow/internal/metrics"
	"github.com/duguai/tradeflow/internal/queue"
	"github.com/duguai/tradeflow/internal/signal"
)

// v2 required payload fields, checked in order.
var v2Required = []string{"strategy", "ticker", "timeframe", "action", "bar_time"}

// handleWebhookV2 runs the full v2 ingress sequence. The first failing
// step returns; there is no recovery between steps.
func (s *Server) handleWebhookV2(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	// Step 1: parse.
	data, rawBody, err := decodeBody(r)
	if err != nil {
		s.respondV2(w, http.StatusBadRequest, "invalid_json", true)
		return
	}

	// Step 2: passphrase.
	if pass, _ := data["passphrase"].(string); pass != s.cfg.PassphraseV2 {
		s.respondV2(w, http.StatusUnauthorized, "bad_passphrase", true)
		return
	}

	// Step 3: optional header token.
	if s.cfg.HeaderTokenV2 != "" {
		hdr := r.Header.Get("X-Auth")
		if hdr == "" {
			hdr = r.Header.Get("X-Webhook-Token")
		}
		if hdr != s.cfg.HeaderTokenV2 {
			s.respondV2(w, http.StatusUnauthorized, "bad_header_token", true)
			return
		}
	}

	// Step 4: required fields.
	for _, f := range v2Required {
		if _, ok := data[f]; !ok {
			metrics.SignalsReceived.WithLabelValues("v2", "rejected").Inc()
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing " + f})
			return
		}
	}

	// Step 5: normalize.
	subaccount, _ := data["subaccount"].(string)
	if subaccount == "" {
		subaccount = "default"
	}
	action, err := signal.NormalizeAction(fmt.Sprint(data["action"]))
	if err != nil {
		s.respondV2(w, http.StatusBadRequest, "bad_action", true)
		return
	}
	barMs, barTime, err := signal.CoerceBarTime(data["bar_time"])
	if err != nil {
		s.respondV2(w, http.StatusBadRequest, "bad_bar_time", true)
		return
	}

	strategy := fmt.Sprint(data["strategy"])
	ticker := fmt.Sprint(data["ticker"])
	timeframe := fmt.Sprint(data["timeframe"])

	// Step 6: dedup pre-check.
	dedupKey := signal.DedupKey(strategy, ticker, timeframe, barMs, action)
	exists, err := s.store.SignalExists(r.Context(), dedupKey)
	if err != nil {
		s.respondV2(w, http.StatusInternalServerError, "store_error", true)
		return
	}
	if exists {
		s.respondV2(w, http.StatusOK, "dup_ignored", false)
		return
	}

	// Step 7: record the signal; a lost insert race is still a dup.
	sig := &queue.Signal{
		Strategy:     strategy,
		Ticker:       ticker,
		Timeframe:    timeframe,
		Action:       action,
		Price:        optFloat(data, "price"),
		ATR:          optFloat(data, "atr"),
		RiskPct:      optFloat(data, "risk_pct"),
		TrailATRMult: optFloat(data, "trail_atr_mult"),
		BarTime:      barTime,
		DedupKey:     dedupKey,
		Source:       "tv-v2",
		Raw:          rawBody,
	}
	if err := s.store.InsertSignal(r.Context(), sig); err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			s.respondV2(w, http.StatusOK, "dup_ignored", false)
			return
		}
		s.respondV2(w, http.StatusInternalServerError, "store_error", true)
		return
	}

	// Step 8: account gate. No configured account row means trading was
	// never enabled.
	state, err := s.store.LoadAccountState(r.Context())
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		s.respondV2(w, http.StatusInternalServerError, "store_error", true)
		return
	}
	if state == nil || !state.TradingEnabled {
		s.respondV2(w, http.StatusOK, "trading_disabled", false)
		return
	}

	// Step 9: strategy gate. Unknown strategies are paused by default.
	strat, err := s.store.LoadStrategy(r.Context(), strategy)
	if errors.Is(err, queue.ErrNotFound) {
		strat = queue.DefaultStrategy(strategy)
	} else if err != nil {
		s.respondV2(w, http.StatusInternalServerError, "store_error", true)
		return
	}
	if strat.Status != queue.StrategyActive {
		s.respondV2(w, http.StatusOK, "strategy_paused", false)
		return
	}

	// Step 10: enqueue, with strategy defaults filling absent hints.
	job := &queue.Job{
		Strategy:     strategy,
		Ticker:       ticker,
		Timeframe:    timeframe,
		Action:       action,
		Price:        sig.Price,
		ATR:          sig.ATR,
		RiskPct:      fallback(sig.RiskPct, strat.DefaultRiskPct),
		TrailATRMult: fallback(sig.TrailATRMult, strat.TrailATRMult),
		RMultipleTP:  fallback(optFloat(data, "r_multiple_tp"), strat.RMultipleTP),
		MaxSlots:     optInt(data, "max_slots"),
		BufferRatio:  optFloat(data, "buffer_ratio"),
		Subaccount:   subaccount,
		BarTime:      barTime,
		Raw:          rawBody,
	}
	id, err := s.store.InsertJob(r.Context(), job)
	if err != nil {
		s.respondV2(w, http.StatusInternalServerError, "store_error", true)
		return
	}

	// Step 11: best-effort worker kick.
	s.kickWorker(id)

	// Step 12: accepted.
	metrics.SignalsReceived.WithLabelValues("v2", "queued").Inc()
	s.logger.Printf("[ingress] v2 queued %s: %s %s %s tf=%s sub=%s", id, strategy, action, ticker, timeframe, subaccount)
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "id": id})
}

// handleWebhookV1 is the legacy ingress: passphrase + ticker/action only,
// no bar-time dedup. Kept for old alert templates.
func (s *Server) handleWebhookV1(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	data, rawBody, err := decodeBody(r)
	if err != nil {
		metrics.SignalsReceived.WithLabelValues("v1", "rejected").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid JSON format"})
		return
	}

	if pass, _ := data["passphrase"].(string); s.cfg.PassphraseV1 == "" || pass != s.cfg.PassphraseV1 {
		metrics.SignalsReceived.WithLabelValues("v1", "rejected").Inc()
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "invalid passphrase"})
		return
	}

	var missing []string
	for _, f := range []string{"ticker", "action"} {
		if _, ok := data[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		metrics.SignalsReceived.WithLabelValues("v1", "rejected").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false, "message": "missing fields: " + strings.Join(missing, ", "),
		})
		return
	}

	action, err := signal.NormalizeAction(fmt.Sprint(data["action"]))
	if err != nil {
		metrics.SignalsReceived.WithLabelValues("v1", "rejected").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "action must be BUY or SELL"})
		return
	}

	subaccount, _ := data["subaccount"].(string)
	strategy, _ := data["strategy"].(string)

	job := &queue.Job{
		Strategy:   strategy,
		Ticker:     fmt.Sprint(data["ticker"]),
		Action:     action,
		Subaccount: subaccount,
		BarTime:    s.clk.Now(),
		Raw:        rawBody,
	}
	id, err := s.store.InsertJob(r.Context(), job)
	if err != nil {
		metrics.SignalsReceived.WithLabelValues("v1", "error").Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "store error"})
		return
	}

	s.kickWorker(id)
	metrics.SignalsReceived.WithLabelValues("v1", "queued").Inc()
	s.logger.Printf("[ingress] v1 queued %s: %s %s", id, action, job.Ticker)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "order queued", "id": id})
}

// respondV2 writes the uniform v2 status/error body and bumps the counter.
func (s *Server) respondV2(w http.ResponseWriter, code int, status string, isError bool) {
	outcome := status
	if code >= 400 {
		outcome = "rejected"
		if code >= 500 {
			outcome = "error"
		}
	}
	metrics.SignalsReceived.WithLabelValues("v2", outcome).Inc()

	if isError && code >= 400 {
		writeJSON(w, code, map[string]any{"error": status})
		return
	}
	writeJSON(w, code, map[string]any{"status": status})
}

// decodeBody parses the JSON body into a map, preserving number fidelity,
// and returns the raw bytes for audit storage.
func decodeBody(r *http.Request) (map[string]any, []byte, error) {
	var buf bytes.Buffer
	dec := json.NewDecoder(io.TeeReader(r.Body, &buf))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, nil, err
	}
	return data, buf.Bytes(), nil
}

func optFloat(data map[string]any, key string) *float64 {
	if v, ok := data[key]; ok {
		if f, ok := signal.Float(v); ok {
			return &f
		}
	}
	return nil
}

func optInt(data map[string]any, key string) *int {
	if f := optFloat(data, key); f != nil {
		n := int(*f)
		return &n
	}
	return nil
}

func fallback(v *float64, def float64) *float64 {
	if v != nil {
		return v
	}
	if def <= 0 {
		return nil
	}
	d := def
	return &d
}
