// Package observability exposes Prometheus metrics and health endpoints for
// the agentx runtime.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event bus metrics
	busEventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentx_bus_events_published_total",
			Help: "Total number of events published on the bus",
		},
		[]string{"type"},
	)

	busEventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentx_bus_events_delivered_total",
			Help: "Total number of events delivered to subscriber handlers",
		},
		[]string{"type"},
	)

	busEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentx_bus_events_dropped_total",
			Help: "Total number of events dropped by backpressure",
		},
	)

	busHandlerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentx_bus_handler_failures_total",
			Help: "Total number of subscriber handler failures",
		},
	)

	// Transformation engine metrics
	engineEventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentx_engine_raw_events_total",
			Help: "Total number of raw events processed",
		},
		[]string{"kind"},
	)

	engineStageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentx_engine_stage_failures_total",
			Help: "Total number of isolated stage failures",
		},
		[]string{"stage"},
	)

	engineProcessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentx_engine_process_duration_seconds",
			Help:    "Raw event processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Session repository metrics
	sessionOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentx_session_operations_total",
			Help: "Total number of session repository operations",
		},
		[]string{"op", "status"},
	)

	initOnce sync.Once
)

// InitMetrics registers all Prometheus metrics. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			busEventsPublished,
			busEventsDelivered,
			busEventsDropped,
			busHandlerFailures,
			engineEventsProcessed,
			engineStageFailures,
			engineProcessDuration,
			sessionOps,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordEventPublished records one bus publish.
func RecordEventPublished(eventType string) {
	busEventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventDelivered records one successful handler delivery.
func RecordEventDelivered(eventType string) {
	busEventsDelivered.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records one backpressure drop.
func RecordEventDropped() {
	busEventsDropped.Inc()
}

// RecordHandlerFailure records one subscriber handler failure.
func RecordHandlerFailure() {
	busHandlerFailures.Inc()
}

// RecordRawEvent records one processed raw event and its duration.
func RecordRawEvent(kind string, duration time.Duration) {
	engineEventsProcessed.WithLabelValues(kind).Inc()
	engineProcessDuration.Observe(duration.Seconds())
}

// RecordStageFailure records one isolated transformation stage failure.
func RecordStageFailure(stage string) {
	engineStageFailures.WithLabelValues(stage).Inc()
}

// RecordSessionOp records one repository operation outcome.
func RecordSessionOp(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	sessionOps.WithLabelValues(op, status).Inc()
}
