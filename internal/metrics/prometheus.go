package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "openattribution_sessions_started_total",
			Help: "Total number of sessions created",
		},
	)

	SessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openattribution_sessions_closed_total",
			Help: "Total number of sessions closed by outcome type",
		},
		[]string{"outcome"},
	)

	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openattribution_events_ingested_total",
			Help: "Total number of events accepted by event type",
		},
		[]string{"type"},
	)

	BatchesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openattribution_batches_rejected_total",
			Help: "Total number of rejected ingest payloads",
		},
		[]string{"reason"}, // reason: validation|rate_limit|too_large
	)

	IdempotentReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openattribution_idempotent_replays_total",
			Help: "Total number of idempotent request replays",
		},
		[]string{"operation"}, // operation: start|end
	)

	// HTTP metrics
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openattribution_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openattribution_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// Database metrics
	DBQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openattribution_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openattribution_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"operation"},
	)

	// Broker metrics
	KafkaMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openattribution_kafka_messages_total",
			Help: "Total Kafka messages produced",
		},
		[]string{"topic", "status"},
	)
)

// Init registers all metrics with Prometheus
func Init() {
	prometheus.MustRegister(SessionsStarted)
	prometheus.MustRegister(SessionsClosed)
	prometheus.MustRegister(EventsIngested)
	prometheus.MustRegister(BatchesRejected)
	prometheus.MustRegister(IdempotentReplays)

	prometheus.MustRegister(HTTPRequests)
	prometheus.MustRegister(HTTPDuration)

	prometheus.MustRegister(DBQueries)
	prometheus.MustRegister(DBQueryDuration)

	prometheus.MustRegister(KafkaMessages)
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDBQuery records a database query
func RecordDBQuery(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	DBQueries.WithLabelValues(operation, status).Inc()
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
