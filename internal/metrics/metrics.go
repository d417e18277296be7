// Package metrics registers the Prometheus collectors of the mail hub.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Items ingested per account.
	PolledItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhub_polled_items_total",
			Help: "Total number of messages ingested",
		},
		[]string{"account", "kind"},
	)

	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhub_poll_errors_total",
			Help: "Total number of per-account poll failures",
		},
		[]string{"account", "kind", "error_kind"},
	)

	RateLimits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhub_rate_limits_total",
			Help: "Total number of rate-limited provider calls",
		},
		[]string{"kind"},
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailhub_poll_duration_seconds",
			Help:    "Per-account poll duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"kind"},
	)

	ReplySends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhub_reply_sends_total",
			Help: "Total number of reply send attempts",
		},
		[]string{"mode", "status"}, // status: sent, failed
	)

	SlotFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhub_slot_fires_total",
			Help: "Total number of scheduler slots fired",
		},
		[]string{"job"},
	)

	AgentCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailhub_agent_call_latency_ms",
			Help:    "Draft agent call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"backend", "status"},
	)
)

// RecordPoll records one account's poll outcome. errorKind is empty on
// success.
func RecordPoll(account, kind string, items int, errorKind string, duration time.Duration) {
	PolledItems.WithLabelValues(account, kind).Add(float64(items))
	PollDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if errorKind != "" {
		PollErrors.WithLabelValues(account, kind, errorKind).Inc()
	}
}

// RecordRateLimit counts a rate-limited provider call.
func RecordRateLimit(kind string) {
	RateLimits.WithLabelValues(kind).Inc()
}

// RecordReplySend counts a reply send attempt.
func RecordReplySend(mode, status string) {
	ReplySends.WithLabelValues(mode, status).Inc()
}

// RecordSlotFire counts a fired scheduler slot.
func RecordSlotFire(job string) {
	SlotFires.WithLabelValues(job).Inc()
}

// RecordAgentCall records draft agent latency.
func RecordAgentCall(backend, status string, duration time.Duration) {
	AgentCallLatency.WithLabelValues(backend, status).Observe(float64(duration.Milliseconds()))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
