package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "widgetd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "widgetd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	restoreRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "widgetd",
			Subsystem: "restore",
			Name:      "runs_total",
			Help:      "Widget state restorations by outcome.",
		},
		[]string{"outcome"},
	)
	restoreDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "widgetd",
			Subsystem: "restore",
			Name:      "duration_seconds",
			Help:      "Widget state restoration duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	livePulls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "widgetd",
			Subsystem: "restore",
			Name:      "live_pulls_total",
			Help:      "Per-comm live state pulls during restoration.",
		},
		[]string{"outcome"},
	)
	modelEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "widgetd",
			Subsystem: "registry",
			Name:      "model_events_total",
			Help:      "Widget model registrations, hydration failures, and removals.",
		},
		[]string{"event"},
	)
	kernelMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "widgetd",
			Subsystem: "kernel",
			Name:      "messages_total",
			Help:      "Kernel envelopes by type and direction.",
		},
		[]string{"direction", "msg_type"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			restoreRuns, restoreDuration,
			livePulls, modelEvents, kernelMessages,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordRestore(outcome string, duration time.Duration) {
	RegisterMetrics()
	restoreRuns.WithLabelValues(outcome).Inc()
	restoreDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordLivePull(outcome string) {
	RegisterMetrics()
	livePulls.WithLabelValues(outcome).Inc()
}

func RecordModelEvent(event string) {
	RegisterMetrics()
	modelEvents.WithLabelValues(event).Inc()
}

func RecordKernelMessage(direction, msgType string) {
	RegisterMetrics()
	kernelMessages.WithLabelValues(direction, msgType).Inc()
}
