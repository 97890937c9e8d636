package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "idex",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Completed pipeline runs by terminal status.",
	}, []string{"status"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "idex",
		Subsystem: "pipeline",
		Name:      "stage_retries_total",
		Help:      "Failed stage attempts that were (or would be) retried.",
	}, []string{"stage"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "idex",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Wall-clock duration of each pipeline stage.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 3, 10),
	}, []string{"stage"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "idex",
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Submissions waiting for a worker.",
	})
)

func observeStage(stage string) func() {
	start := time.Now()
	return func() {
		stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}
