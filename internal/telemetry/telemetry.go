// Package telemetry provides optional Prometheus counters for the
// fle-pump harness. The core (internal/opcontext, internal/keybroker) is
// instrumentation-free by contract — it has no event loop and is driven
// single-threaded by the caller — so nothing in this package is imported
// by the core itself. The harness increments these counters around its
// own driver loop, the same way internal/metrics.Metrics is incremented
// around the teacher's HTTP handlers rather than inside the registry
// logic it measures.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink holds the harness's Prometheus collectors.
type Sink struct {
	Transitions        *prometheus.CounterVec
	Operations         *prometheus.CounterVec
	KMSRounds          prometheus.Histogram
	ErrorsTotal        *prometheus.CounterVec
	OperationsInFlight prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Sink with all collectors registered against a fresh
// registry.
func New() *Sink {
	s := &Sink{registry: prometheus.NewRegistry()}

	s.Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fle_pump_context_transitions_total",
			Help: "Count of opcontext state transitions, by resulting state.",
		},
		[]string{"state"},
	)

	s.Operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fle_pump_operations_total",
			Help: "Count of completed pump operations, by variant and outcome.",
		},
		[]string{"variant", "outcome"},
	)

	s.KMSRounds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fle_pump_kms_rounds",
			Help:    "Number of KMS subcontext round-trips per operation.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		},
	)

	s.ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fle_pump_errors_total",
			Help: "Count of operations that ended in ERROR, by status kind.",
		},
		[]string{"kind"},
	)

	s.OperationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fle_pump_operations_in_flight",
			Help: "Number of pump operations currently being driven.",
		},
	)

	s.registry.MustRegister(
		s.Transitions,
		s.Operations,
		s.KMSRounds,
		s.ErrorsTotal,
		s.OperationsInFlight,
	)
	return s
}

// Handler returns an HTTP handler serving the sink's metrics in the
// Prometheus exposition format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// RecordTransition records a context entering the named state.
func (s *Sink) RecordTransition(state string) {
	s.Transitions.WithLabelValues(state).Inc()
}

// RecordOperation records a completed operation and its KMS round count.
func (s *Sink) RecordOperation(variant, outcome string, kmsRounds int) {
	s.Operations.WithLabelValues(variant, outcome).Inc()
	s.KMSRounds.Observe(float64(kmsRounds))
}

// RecordError records an operation that ended in ERROR.
func (s *Sink) RecordError(statusKind string) {
	s.ErrorsTotal.WithLabelValues(statusKind).Inc()
}
