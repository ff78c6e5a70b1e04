// Package metrics provides Prometheus metrics for the fern service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Ramsey-B/fern/pkg/models"
)

var (
	// UnitsTotal counts finalized units of work by outcome.
	UnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "sync",
			Name:      "units_total",
			Help:      "Total number of finalized sync units by status",
		},
		[]string{"entity_type", "status"},
	)

	UnitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "sync",
			Name:      "unit_duration_seconds",
			Help:      "Duration of sync units in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"entity_type"},
	)

	// RecordsMerged counts merge outcomes per record.
	RecordsMerged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "merge",
			Name:      "records_total",
			Help:      "Total number of merged records by outcome",
		},
		[]string{"entity_type", "outcome"},
	)

	DuplicatePayloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "sync",
			Name:      "duplicate_payloads_total",
			Help:      "Total number of fetched payloads skipped as duplicates",
		},
		[]string{"entity_type"},
	)

	FetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of upstream fetches",
		},
		[]string{"entity_type", "status_code"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of upstream fetches in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"entity_type"},
	)

	LockWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for the entity type lock in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"entity_type"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of run events published to Kafka",
		},
		[]string{"topic", "status"},
	)

	RetentionPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "retention",
			Name:      "rows_purged_total",
			Help:      "Total number of rows removed by the retention sweep",
		},
		[]string{"table"},
	)

	ActivePlants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "selection",
			Name:      "active_plants",
			Help:      "Number of plants with an active selection",
		},
	)
)

func RecordUnit(entityType string, status models.RunStatus, duration time.Duration) {
	UnitsTotal.WithLabelValues(entityType, string(status)).Inc()
	UnitDuration.WithLabelValues(entityType).Observe(duration.Seconds())
}

func RecordMerge(entityType string, stats models.MergeStats) {
	RecordsMerged.WithLabelValues(entityType, "inserted").Add(float64(stats.Inserted))
	RecordsMerged.WithLabelValues(entityType, "changed").Add(float64(stats.Changed))
	RecordsMerged.WithLabelValues(entityType, "unchanged").Add(float64(stats.Unchanged))
	RecordsMerged.WithLabelValues(entityType, "deleted").Add(float64(stats.Deleted))
	RecordsMerged.WithLabelValues(entityType, "reactivated").Add(float64(stats.Reactivated))
}

func RecordFetch(entityType, statusCode string, duration time.Duration) {
	FetchRequestsTotal.WithLabelValues(entityType, statusCode).Inc()
	FetchDuration.WithLabelValues(entityType).Observe(duration.Seconds())
}

func RecordEvent(topic, status string) {
	EventsPublished.WithLabelValues(topic, status).Inc()
}

func RecordPurge(table string, n int) {
	if n > 0 {
		RetentionPurged.WithLabelValues(table).Add(float64(n))
	}
}
