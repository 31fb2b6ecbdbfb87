// Package metrics provides Prometheus metrics for kpiradar.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kpiradar"

var (
	// IngestRowsTotal counts ingested rows by outcome (inserted, duplicate, skipped).
	IngestRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rows_total",
			Help:      "Rows processed by the ingestion pipeline by outcome",
		},
		[]string{"source", "outcome"},
	)

	// IngestBatchesTotal counts ingestion calls by mode and status.
	IngestBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "batches_total",
			Help:      "Ingestion batches by mode and status",
		},
		[]string{"mode", "status"},
	)

	// RollupRowsUpserted counts daily aggregate rows written by recomputes.
	RollupRowsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rollup",
			Name:      "rows_upserted_total",
			Help:      "Daily aggregate rows written by rollup recomputes",
		},
		[]string{"source"},
	)

	// ForecastRunsTotal counts forecast runs by the path that produced them.
	ForecastRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forecast",
			Name:      "runs_total",
			Help:      "Forecast runs by model version",
		},
		[]string{"model"},
	)

	// ForecastFitDuration tracks model fitting time in seconds.
	ForecastFitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "forecast",
			Name:      "fit_duration_seconds",
			Help:      "Duration of statistical model fits in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// ReliabilityScore is the latest backtest score per series.
	ReliabilityScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reliability",
			Name:      "score",
			Help:      "Latest reliability score per series",
		},
		[]string{"source", "metric"},
	)

	// AnomaliesFlagged counts points flagged by each detector.
	AnomaliesFlagged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anomaly",
			Name:      "flagged_total",
			Help:      "Points flagged as anomalous by detector",
		},
		[]string{"detector"},
	)

	// CollectorRunsTotal counts collector runs by status.
	CollectorRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "runs_total",
			Help:      "Collector runs by status",
		},
		[]string{"collector", "status"},
	)

	// StreamMessagesTotal counts consumed stream messages by status.
	StreamMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "messages_total",
			Help:      "Stream messages consumed by status",
		},
		[]string{"status"},
	)

	// JobRunsTotal counts scheduler job runs by status.
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduler job runs by status",
		},
		[]string{"job", "status"},
	)

	// HTTPRequestsTotal counts served HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	// HTTPRequestDuration tracks served HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of served HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)
