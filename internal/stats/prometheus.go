package stats

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/willfong/workload-generator/internal/engine"
)

// PrometheusSink exports outcomes as Prometheus metrics. Result labels use
// the error class rather than protocol result codes to bound cardinality.
type PrometheusSink struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	requested  *prometheus.CounterVec
	exceeded   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	collecting prometheus.Gauge
}

// NewPrometheusSink registers the workload metrics on a fresh registry,
// labelled with the run identifier.
func NewPrometheusSink(runID string) *PrometheusSink {
	constLabels := prometheus.Labels{"run_id": runID}
	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "workgen_operations_total",
			Help:        "Completed operations by kind and result class.",
			ConstLabels: constLabels,
		}, []string{"kind", "result"}),
		requested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "workgen_requested_operations_total",
			Help:        "Operations chosen by the dispatcher, before empty-pool substitution.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		exceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "workgen_threshold_exceeded_total",
			Help:        "Operations slower than the response-time threshold.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "workgen_operation_duration_seconds",
			Help:        "Operation latency in seconds.",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 18),
			ConstLabels: constLabels,
		}, []string{"kind"}),
		collecting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "workgen_collecting_workers",
			Help:        "Workers currently inside the statistics window.",
			ConstLabels: constLabels,
		}),
	}
	s.registry.MustRegister(s.operations, s.requested, s.exceeded, s.latency, s.collecting)
	return s
}

// Registry exposes the underlying registry.
func (s *PrometheusSink) Registry() *prometheus.Registry { return s.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *PrometheusSink) CollectionStarted(int, time.Time) { s.collecting.Inc() }

func (s *PrometheusSink) CollectionStopped(int, time.Time) { s.collecting.Dec() }

func (s *PrometheusSink) Record(_ int, o engine.Outcome) {
	s.requested.WithLabelValues(o.Requested.String()).Inc()

	result := "success"
	switch {
	case o.Skipped:
		result = engine.CodeSkipped
	case o.Failed():
		result = string(o.Class)
	}
	kind := o.Kind.String()
	s.operations.WithLabelValues(kind, result).Inc()
	if o.Skipped {
		return
	}
	s.latency.WithLabelValues(kind).Observe(o.Elapsed.Seconds())
	if o.ExceededThreshold {
		s.exceeded.WithLabelValues(kind).Inc()
	}
}
