package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeline_http_requests_total",
			Help: "Total number of HTTP requests processed by the timeline service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timeline_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "timeline_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeline_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timeline_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	changesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeline_changes_total",
			Help: "Change descriptors emitted, by source and kind.",
		},
		[]string{"source", "kind"},
	)
	liveEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeline_live_events_total",
			Help: "Live events received, by type and merge outcome.",
		},
		[]string{"type", "outcome"},
	)
	fetchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeline_fetch_attempts_total",
			Help: "History fetch attempts, by result.",
		},
		[]string{"result"},
	)
	staleResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeline_stale_results_total",
			Help: "Results discarded because the scope changed.",
		},
		[]string{"source"},
	)
	timelineRows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "timeline_rows",
			Help: "Rows in the current timeline.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		changesTotal,
		liveEventsTotal,
		fetchAttemptsTotal,
		staleResultsTotal,
		timelineRows,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

// IncChange counts an emitted change; source is "history", "event" or "ephemeral".
func IncChange(source, kind string) {
	changesTotal.WithLabelValues(source, kind).Inc()
}

func IncLiveEvent(eventType, outcome string) {
	liveEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// IncFetchAttempt counts a fetch attempt; result is "ok", "retry" or "error".
func IncFetchAttempt(result string) {
	fetchAttemptsTotal.WithLabelValues(result).Inc()
}

func IncStaleResult(source string) {
	staleResultsTotal.WithLabelValues(source).Inc()
}

func SetTimelineRows(n int) {
	timelineRows.Set(float64(n))
}
