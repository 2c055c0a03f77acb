package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adalundhe/weft/core/ot"
)

const namespace = "weft"

type promMetrics struct {
	transformations *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	iterations      *prometheus.HistogramVec
}

func registerPromMetrics(reg prometheus.Registerer) (*promMetrics, error) {
	p := &promMetrics{
		transformations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transformations_total",
			Help:      "Operations transformed, by document.",
		}, []string{"document"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Significant transformations reported as conflicts, by document.",
		}, []string{"document"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transform_duration_seconds",
			Help:      "Time spent transforming a single operation.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"document"}),
		iterations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transform_iterations",
			Help:      "Concurrent operations an operation was transformed against.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}, []string{"document"}),
	}

	for _, c := range []prometheus.Collector{p.transformations, p.conflicts, p.duration, p.iterations} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return p, nil
}

func (p *promMetrics) observe(documentID string, m ot.PerformanceMetrics) {
	p.transformations.WithLabelValues(documentID).Inc()
	p.conflicts.WithLabelValues(documentID).Add(float64(m.ConflictCount))
	p.duration.WithLabelValues(documentID).Observe(m.TransformationTime.Seconds())
	p.iterations.WithLabelValues(documentID).Observe(float64(m.IterationCount))
}

func (p *promMetrics) forget(documentID string) {
	p.transformations.DeleteLabelValues(documentID)
	p.conflicts.DeleteLabelValues(documentID)
	p.duration.DeleteLabelValues(documentID)
	p.iterations.DeleteLabelValues(documentID)
}
