// Package metrics holds the Prometheus collectors for document lifecycle
// operations.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	Transitions       *prometheus.CounterVec
	Denials           *prometheus.CounterVec
	Conflicts         prometheus.Counter
	DocumentsCreated  prometheus.Counter
	KeyCollisions     prometheus.Counter
	OperationDuration *prometheus.HistogramVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doctrack_transitions_total",
			Help: "Applied status transitions",
		}, []string{"from", "to", "override"}),
		Denials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "doctrack_transition_denials_total",
			Help: "Status transitions refused by the transition rules",
		}, []string{"reason"}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "doctrack_transition_conflicts_total",
			Help: "Status transitions lost to a concurrent update",
		}),
		DocumentsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "doctrack_documents_created_total",
			Help: "Documents recorded",
		}),
		KeyCollisions: factory.NewCounter(prometheus.CounterOpts{
			Name: "doctrack_document_key_collisions_total",
			Help: "Document key collisions retried during creation",
		}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "doctrack_lifecycle_duration_seconds",
			Help:    "Duration of lifecycle operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
	}
}

func (m *Metrics) ObserveTransition(from, to string, override bool) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to, strconv.FormatBool(override)).Inc()
}

func (m *Metrics) ObserveDenial(reason string) {
	if m == nil {
		return
	}
	m.Denials.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncrementConflicts() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

func (m *Metrics) IncrementCreated() {
	if m == nil {
		return
	}
	m.DocumentsCreated.Inc()
}

func (m *Metrics) IncrementKeyCollisions() {
	if m == nil {
		return
	}
	m.KeyCollisions.Inc()
}

// ObserveDuration records time since start. Call with time.Now() taken at
// the start of the operation.
func (m *Metrics) ObserveDuration(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
