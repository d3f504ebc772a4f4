// Package telemetry provides application-level observability for pgtrail.
//
// # Prometheus Metrics
//
// All metrics are registered against the default Prometheus registry. An
// embedding application exposes them by mounting promhttp.Handler() wherever
// it serves its own metrics; pgtrail does not start a listener of its own.
//
// # Metric Groups
//
//   - Manual event insertion counters (labelled by event table and label)
//   - Trigger sync counter
//   - Aggregate query latency histogram (labelled by selection mode)
//   - Export shipping counters (labelled by destination)
//   - HTTP request counters and latency histograms for the optional
//     middleware (labelled by route template, not raw URL)
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// Event-table and label names come from registration-time configuration, not
// from request data, so their cardinality is bounded by the registry. The
// HTTP metrics use the Gin route template rather than the raw URL for the
// same reason.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Capture metrics.
//
// ManualEventsTotal counts events inserted through the Writer, by event
// table and label. Trigger-created events never pass through Go and are
// counted in the database, not here.
//
// TriggerSyncsTotal counts completed installer sync runs. A sync that fails
// mid-transaction rolls back and is not counted.
//
// Example PromQL queries:
//   - Manual event rate by table:  sum by (table) (rate(pgtrail_manual_events_total[5m]))
//   - Syncs since last restart:    pgtrail_trigger_syncs_total
var (
	ManualEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgtrail_manual_events_total",
			Help: "Total number of manually written events, by event table and label.",
		},
		[]string{"table", "label"},
	)

	TriggerSyncsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgtrail_trigger_syncs_total",
			Help: "Total number of completed trigger sync runs.",
		},
	)
)

// AggregateQueryDuration is a HistogramVec with label {mode} ("all",
// "tracks", "references", "across") observing end-to-end aggregate query
// latency, scan included.
//
// Example PromQL queries:
//   - p99 latency per mode:  histogram_quantile(0.99, sum by (mode, le) (rate(pgtrail_aggregate_query_duration_seconds_bucket[5m])))
var AggregateQueryDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pgtrail_aggregate_query_duration_seconds",
		Help:    "Histogram of aggregate event query latencies, by selection mode.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"mode"},
)

// Export metrics.
//
// ExportShippedTotal counts events successfully handed to a shipper
// destination; ExportErrorsTotal counts shipping failures. An alert on
// rate(pgtrail_export_errors_total[30m]) > 0 catches broken webhook
// endpoints early.
var (
	ExportShippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgtrail_export_shipped_total",
			Help: "Total number of events shipped to an export destination.",
		},
		[]string{"destination"},
	)

	ExportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgtrail_export_errors_total",
			Help: "Total number of failed export shipments, by destination.",
		},
		[]string{"destination"},
	)
)

// HTTP metrics for the optional Gin middleware, labelled by method, route
// template, and status code. The path label holds the route template (e.g.
// /users/:id), never the raw URL.
//
// Example PromQL queries:
//   - Request rate:  rate(http_requests_total[5m])
//   - p99 latency:   histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// DBOpenConnections is a Gauge tracking the number of open connections held
// by the sql.DB pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-query to avoid the overhead of
// sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds and updates DBOpenConnections.
// The goroutine exits when the database becomes unreachable, which happens
// automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after the database connection succeeds:
//
//	telemetry.StartDBStatsCollector(database)
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
