// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "postpilot"

var (
	publishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Publish attempts by outcome",
		},
		[]string{"outcome"}, // posted, retry, error, blocked, conflict
	)

	publishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Duration of publisher calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 11), // 50ms to ~50s
		},
	)

	tickTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_ticks_total",
			Help:      "Dispatch ticks by result",
		},
		[]string{"result"}, // ok, store_unavailable, error
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_tick_duration_seconds",
			Help:      "Duration of dispatch ticks in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	queueItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_items",
			Help:      "Items in the queue by status at the last snapshot",
		},
		[]string{"status"},
	)

	queueOverdue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_overdue_items",
			Help:      "Scheduled items past their time at the last snapshot",
		},
	)
)

// Publish outcomes.
const (
	OutcomePosted   = "posted"
	OutcomeRetry    = "retry"
	OutcomeError    = "error"
	OutcomeBlocked  = "blocked"
	OutcomeConflict = "conflict"
)

// Tick results.
const (
	TickOK               = "ok"
	TickStoreUnavailable = "store_unavailable"
	TickError            = "error"
)

func ObservePublish(outcome string, took time.Duration) {
	publishTotal.WithLabelValues(outcome).Inc()
	if took > 0 {
		publishDuration.Observe(took.Seconds())
	}
}

func ObserveTick(result string, took time.Duration) {
	tickTotal.WithLabelValues(result).Inc()
	tickDuration.Observe(took.Seconds())
}

// SetQueue records a per-status snapshot.
func SetQueue(byStatus map[string]int, overdue int) {
	for status, n := range byStatus {
		queueItems.WithLabelValues(status).Set(float64(n))
	}
	queueOverdue.Set(float64(overdue))
}
