package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kriegcloud/kgforge/engine"
	"github.com/kriegcloud/kgforge/events"
	"github.com/kriegcloud/kgforge/graph"
)

// Metrics holds the Prometheus collectors for the batch pipeline. Each
// server owns a private registry so tests can create servers freely
// without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	batchesStarted   prometheus.Counter
	batchesCompleted prometheus.Counter
	batchesFailed    prometheus.Counter

	documentsSucceeded prometheus.Counter
	documentsFailed    prometheus.Counter
	entitiesResolved   prometheus.Counter
	triplesIngested    prometheus.Counter

	executionsByStatus *prometheus.CounterVec
	stageStarted       *prometheus.CounterVec
	validationFailures prometheus.Counter
}

// NewMetrics creates the pipeline collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		batchesStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kgforge",
			Name:      "batches_started_total",
			Help:      "Batch executions that entered the workflow.",
		}),
		batchesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kgforge",
			Name:      "batches_completed_total",
			Help:      "Batches that reached the Complete state.",
		}),
		batchesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kgforge",
			Name:      "batches_failed_total",
			Help:      "Batches that reached the Failed state.",
		}),

		documentsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kgforge",
			Name:      "documents_succeeded_total",
			Help:      "Documents extracted successfully across completed batches.",
		}),
		documentsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kgforge",
			Name:      "documents_failed_total",
			Help:      "Documents that failed extraction across completed batches.",
		}),
		entitiesResolved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kgforge",
			Name:      "entities_resolved_total",
			Help:      "Distinct canonical entities resolved across completed batches.",
		}),
		triplesIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kgforge",
			Name:      "triples_ingested_total",
			Help:      "Triples written to the graph store.",
		}),

		executionsByStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kgforge",
			Name:      "executions_total",
			Help:      "Execution status transitions observed by the server.",
		}, []string{"status"}),
		stageStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kgforge",
			Name:      "stages_started_total",
			Help:      "Workflow stage entries by stage name.",
		}, []string{"stage"}),
		validationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kgforge",
			Name:      "validation_failures_total",
			Help:      "SHACL validation reports with violations.",
		}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveExecution records an execution status transition.
func (m *Metrics) ObserveExecution(e *engine.Execution) {
	m.executionsByStatus.WithLabelValues(string(e.Status)).Inc()
}

// ObserveEvent updates counters from a pipeline event. Completion events
// carry the batch stats, which drive the document/entity/triple totals.
func (m *Metrics) ObserveEvent(ev events.Event) {
	switch ev.Type {
	case events.TypeStageStarted:
		if stage, ok := ev.Data["stage"].(string); ok {
			m.stageStarted.WithLabelValues(stage).Inc()
		}
	case events.TypeBatchState:
		if stage, ok := ev.Data["stage"].(string); ok && stage == "pending" {
			m.batchesStarted.Inc()
		}
	case events.TypeBatchCompleted:
		m.batchesCompleted.Inc()
		if stats, ok := ev.Data["stats"].(*graph.Stats); ok && stats != nil {
			m.documentsSucceeded.Add(float64(stats.DocumentsSucceeded))
			m.documentsFailed.Add(float64(stats.DocumentsFailed))
			m.entitiesResolved.Add(float64(stats.ClustersResolved))
			m.triplesIngested.Add(float64(stats.TriplesIngested))
		}
	case events.TypeBatchFailed:
		m.batchesFailed.Inc()
	case events.TypeValidationFailed:
		m.validationFailures.Inc()
	}
}
