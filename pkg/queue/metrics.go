package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reqflow_queue_depth",
		Help: "Tasks held by the admission controller by state",
	}, []string{"state"}) // "pending", "processing", "offline", "delayed"

	queueWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reqflow_queue_wait_seconds",
		Help:    "Time tasks spent queued before they started",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	queueCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reqflow_queue_cancelled_total",
		Help: "Total number of tasks cancelled before they started",
	})

	queueRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reqflow_queue_rejected_total",
		Help: "Total number of tasks rejected while offline",
	})
)
