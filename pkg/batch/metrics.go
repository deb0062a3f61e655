package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	flushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reqflow_batch_flushes_total",
		Help: "Total number of group flushes by trigger",
	}, []string{"reason"}) // "size", "window", "flush"

	groupSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reqflow_batch_group_size",
		Help:    "Members per flushed group",
		Buckets: []float64{1, 2, 3, 5, 10, 20},
	})

	batchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reqflow_batch_errors_total",
		Help: "Total number of failed compound calls by cause",
	}, []string{"reason"}) // "transport", "decode", "mismatch"

	pendingMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reqflow_batch_pending",
		Help: "Requests waiting in open groups",
	})
)
