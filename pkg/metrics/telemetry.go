package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TelemetryMetrics contains Prometheus metrics for the ingestion and
// maintenance paths of the telemetry backend.
type TelemetryMetrics struct {
	ReadingsIngested     *prometheus.CounterVec
	IngestErrors         *prometheus.CounterVec
	IngestDuration       *prometheus.HistogramVec
	PartitionsCreated    prometheus.Counter
	PartitionsLive       prometheus.Gauge
	ArchiveRuns          *prometheus.CounterVec
	ArchivedRows         prometheus.Counter
	MaintenanceRuns      *prometheus.CounterVec
	MaintenanceDuration  *prometheus.HistogramVec
	DBOperationsTotal    *prometheus.CounterVec
	DBOperationDuration  *prometheus.HistogramVec
	ConsumerMessagesSeen *prometheus.CounterVec
}

// NewTelemetryMetrics creates and registers telemetry backend metrics.
func NewTelemetryMetrics(namespace string) *TelemetryMetrics {
	m := &TelemetryMetrics{
		ReadingsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "readings_total",
				Help:      "Total number of readings ingested",
			},
			[]string{"status"}, // status: stored, deviation, rejected
		),
		IngestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "errors_total",
				Help:      "Total number of ingest errors by kind",
			},
			[]string{"kind"},
		),
		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "duration_seconds",
				Help:      "Duration of reading ingestion",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"}, // source: queue, direct
		),
		PartitionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "partition",
				Name:      "created_total",
				Help:      "Total number of readings partitions created",
			},
		),
		PartitionsLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "partition",
				Name:      "live",
				Help:      "Number of live readings partitions",
			},
		),
		ArchiveRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "archive",
				Name:      "runs_total",
				Help:      "Total number of archive runs by outcome",
			},
			[]string{"status"}, // status: success, skipped, failed
		),
		ArchivedRows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "archive",
				Name:      "rows_total",
				Help:      "Total number of rows moved to archive tables",
			},
		),
		MaintenanceRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "maintenance",
				Name:      "runs_total",
				Help:      "Total number of maintenance job runs",
			},
			[]string{"job", "status"}, // status: success, warning, error
		),
		MaintenanceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "maintenance",
				Name:      "duration_seconds",
				Help:      "Duration of maintenance job runs",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"job"},
		),
		DBOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operations_total",
				Help:      "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),
		DBOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operation_duration_seconds",
				Help:      "Duration of database operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),
		ConsumerMessagesSeen: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "messages_total",
				Help:      "Total number of queue messages consumed",
			},
			[]string{"queue", "status"}, // status: success, parse_error, error
		),
	}

	MustRegister(
		m.ReadingsIngested,
		m.IngestErrors,
		m.IngestDuration,
		m.PartitionsCreated,
		m.PartitionsLive,
		m.ArchiveRuns,
		m.ArchivedRows,
		m.MaintenanceRuns,
		m.MaintenanceDuration,
		m.DBOperationsTotal,
		m.DBOperationDuration,
		m.ConsumerMessagesSeen,
	)

	return m
}
