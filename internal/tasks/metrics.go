package tasks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planner",
			Subsystem: "tasks",
			Name:      "operations_total",
			Help:      "Task store operations by operation and result",
		},
		[]string{"op", "result"},
	)

	similarScan = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "planner",
			Subsystem: "tasks",
			Name:      "similar_scan_seconds",
			Help:      "Duration of similar-task scans",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)
)
