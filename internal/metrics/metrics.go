// Package metrics exposes pipeline counters on a dedicated Prometheus
// registry, served at /metrics by the ingress server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry is the custom prometheus registry for pipeline metrics.
	Registry = prometheus.NewRegistry()

	// SignalsReceived counts webhook signals by outcome
	// (queued, dup_ignored, trading_disabled, strategy_paused, rejected, error).
	SignalsReceived = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "ingress",
			Name:      "signals_total",
			Help:      "Webhook signals by outcome",
		},
		[]string{"version", "outcome"},
	)

	// JobsProcessed counts worker job completions by terminal outcome.
	JobsProcessed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Processed queue jobs by outcome",
		},
		[]string{"outcome"},
	)

	// JobRetries counts transient-failure retries.
	JobRetries = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "worker",
			Name:      "retries_total",
			Help:      "Job retry attempts",
		},
	)

	// DeadLetters counts jobs copied into the DLQ.
	DeadLetters = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "worker",
			Name:      "dead_letters_total",
			Help:      "Jobs moved to the dead-letter queue",
		},
	)

	// QueueReady gauges the current ready-queue depth (health sweep).
	QueueReady = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tradeflow",
			Subsystem: "queue",
			Name:      "ready_depth",
			Help:      "Jobs currently in ready state",
		},
	)

	// OrdersSubmitted counts broker submissions by result
	// (accepted, already_exists, rejected, error).
	OrdersSubmitted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "broker",
			Name:      "orders_total",
			Help:      "Broker order submissions by result",
		},
		[]string{"result"},
	)
)
