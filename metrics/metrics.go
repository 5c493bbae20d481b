// Package metrics exposes prometheus collectors for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "complab"

// Metrics bundles the pipeline collectors
type Metrics struct {
	QueueDepth   prometheus.Gauge
	Tasks        *prometheus.CounterVec
	TaskDuration prometheus.Histogram
	Tests        *prometheus.CounterVec
	Requeues     prometheus.Counter
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending queue items.",
		}),
		Tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Finished tasks by build result.",
		}, []string{"result"}),
		TaskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall clock duration of finished tasks.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		Tests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tests_total",
			Help:      "Judged test invocations by verdict.",
		}, []string{"verdict"}),
		Requeues: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requeues_total",
			Help:      "Tasks requeued after infrastructure failures.",
		}),
	}
}
