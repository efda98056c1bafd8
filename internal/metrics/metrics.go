package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus metrics for the posture pipeline
type Metrics struct {
	BatchesReceived      prometheus.Counter
	BatchesInvalid       prometheus.Counter
	AggregationsFired    prometheus.Counter
	AggregationFailures  prometheus.Counter
	RelationshipsCreated prometheus.Counter
	RelationshipsUpdated prometheus.Counter
	RelationshipsDeleted prometheus.Counter
	FindingsGenerated    prometheus.Counter
	AlertsCreated        prometheus.Counter
	AlertsUpdated        prometheus.Counter
	AlertsResolved       prometheus.Counter
	EntityFailures       prometheus.Counter

	AggregationFlushDuration prometheus.Histogram
	ReconcileDuration        prometheus.Histogram
	EvaluationDuration       prometheus.Histogram
}

// NewMetrics creates a new Metrics instance registered on the default registry
func NewMetrics() *Metrics {
	return &Metrics{
		BatchesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "posture_sync_batches_total",
			Help: "Total number of sync batches received",
		}),
		BatchesInvalid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "posture_sync_batches_invalid_total",
			Help: "Total number of sync batches rejected by schema validation",
		}),
		AggregationsFired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "posture_aggregations_fired_total",
			Help: "Total number of aggregated executions dispatched to consumers",
		}),
		AggregationFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "posture_aggregation_failures_total",
			Help: "Total number of consumer handler failures",
		}),
		RelationshipsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "posture_relationships_created_total",
			Help: "Total number of relationships created by reconciliation",
		}),
		RelationshipsUpdated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "posture_relationships_updated_total",
			Help: "Total number of relationships updated by reconciliation",
		}),
		RelationshipsDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "posture_relationships_deleted_total",
			Help: "Total number of stale relationships swept by reconciliation",
		}),
		FindingsGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "posture_findings_total",
			Help: "Total number of coverage findings produced by evaluation",
		}),
		AlertsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "posture_alerts_created_total",
			Help: "Total number of alerts created",
		}),
		AlertsUpdated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "posture_alerts_updated_total",
			Help: "Total number of alerts updated in place",
		}),
		AlertsResolved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "posture_alerts_resolved_total",
			Help: "Total number of alerts resolved",
		}),
		EntityFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "posture_entity_failures_total",
			Help: "Total number of per-entity processing failures skipped",
		}),
		AggregationFlushDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "posture_aggregation_flush_duration_seconds",
			Help:    "Duration of aggregated consumer executions",
			Buckets: prometheus.DefBuckets,
		}),
		ReconcileDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "posture_reconcile_duration_seconds",
			Help:    "Duration of relationship reconciliation runs",
			Buckets: prometheus.DefBuckets,
		}),
		EvaluationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "posture_evaluation_duration_seconds",
			Help:    "Duration of posture evaluation runs",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
