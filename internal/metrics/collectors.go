package metrics

import (
	"context"
	"time"

	"openattribution/pkg/logger"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
)

// CustomCollector collects gauge-style totals straight from Postgres on each
// scrape, so restarts do not zero the fleet-wide counts.
type CustomCollector struct {
	log      *logger.Logger
	postgres *sqlx.DB

	totalSessions *prometheus.Desc
	openSessions  *prometheus.Desc
	totalEvents   *prometheus.Desc
}

// NewCustomCollector creates a new custom metrics collector
func NewCustomCollector(log *logger.Logger, postgres *sqlx.DB) *CustomCollector {
	return &CustomCollector{
		log:      log,
		postgres: postgres,

		totalSessions: prometheus.NewDesc(
			"openattribution_total_sessions",
			"Total number of stored sessions by state",
			[]string{"state"}, nil, // state: open|closed
		),
		openSessions: prometheus.NewDesc(
			"openattribution_open_sessions",
			"Number of sessions still accepting events",
			nil, nil,
		),
		totalEvents: prometheus.NewDesc(
			"openattribution_total_events",
			"Total number of stored events",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *CustomCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalSessions
	ch <- c.openSessions
	ch <- c.totalEvents
}

// Collect implements prometheus.Collector
func (c *CustomCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var open, closed float64
	err := c.postgres.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE ended_at IS NULL),
			COUNT(*) FILTER (WHERE ended_at IS NOT NULL)
		FROM telemetry_sessions
	`).Scan(&open, &closed)
	if err != nil {
		c.log.Warnw("failed to collect session counts", "error", err)
	} else {
		ch <- prometheus.MustNewConstMetric(c.totalSessions, prometheus.GaugeValue, open, "open")
		ch <- prometheus.MustNewConstMetric(c.totalSessions, prometheus.GaugeValue, closed, "closed")
		ch <- prometheus.MustNewConstMetric(c.openSessions, prometheus.GaugeValue, open)
	}

	var events float64
	if err := c.postgres.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_events`).Scan(&events); err != nil {
		c.log.Warnw("failed to collect event count", "error", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.totalEvents, prometheus.GaugeValue, events)
}
