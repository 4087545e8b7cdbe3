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
			Name: "estate_chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the messaging service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "estate_chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "estate_chat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estate_chat_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	directoryLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estate_chat_directory_loads_total",
			Help: "Conversation directory loads by result.",
		},
		[]string{"result"},
	)
	directoryLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "estate_chat_directory_load_duration_seconds",
			Help:    "Time spent loading and enriching a conversation directory.",
			Buckets: prometheus.DefBuckets,
		},
	)
	enrichFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estate_chat_enrich_failures_total",
			Help: "Enrichment sub-queries that failed, by field.",
		},
		[]string{"field"},
	)
	messageSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estate_chat_message_sends_total",
			Help: "Message send attempts by outcome.",
		},
		[]string{"outcome"},
	)
	changeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estate_chat_change_events_total",
			Help: "Conversation change notifications received, by operation.",
		},
		[]string{"op"},
	)
	publishErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estate_chat_publish_errors_total",
			Help: "Total number of event publish errors.",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		directoryLoadsTotal,
		directoryLoadDuration,
		enrichFailuresTotal,
		messageSendsTotal,
		changeEventsTotal,
		publishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
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

// ObserveDirectoryLoad records one directory load.
func ObserveDirectoryLoad(result string, elapsed time.Duration) {
	directoryLoadsTotal.WithLabelValues(result).Inc()
	directoryLoadDuration.Observe(elapsed.Seconds())
}

func IncEnrichFailure(field string) {
	enrichFailuresTotal.WithLabelValues(field).Inc()
}

func IncMessageSend(outcome string) {
	messageSendsTotal.WithLabelValues(outcome).Inc()
}

func IncChangeEvent(op string) {
	changeEventsTotal.WithLabelValues(op).Inc()
}

func IncPublishError(backend string) {
	publishErrorsTotal.WithLabelValues(backend).Inc()
}
