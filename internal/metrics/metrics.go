// Package metrics exposes prometheus instrumentation for the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UploadsTotal counts store uploads by outcome (created, deduplicated, rejected).
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustlock_uploads_total",
			Help: "Total number of store upload requests",
		},
		[]string{"outcome"},
	)
	// AuditAppendsTotal counts audit log appends by status.
	AuditAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustlock_audit_appends_total",
			Help: "Total number of audit append operations",
		},
		[]string{"status"},
	)
	// EventsTotal counts ingested events by type and resulting action.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustlock_events_total",
			Help: "Total number of ingested events",
		},
		[]string{"event_type", "result"},
	)
	// SnapshotDuration is the latency of Merkle snapshot runs.
	SnapshotDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trustlock_snapshot_duration_seconds",
			Help:    "Merkle snapshot build latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
	// SnapshotLeaves records the leaf count of the most recent snapshot.
	SnapshotLeaves = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trustlock_snapshot_leaves",
			Help: "Leaf count of the most recent Merkle snapshot",
		},
	)
)
