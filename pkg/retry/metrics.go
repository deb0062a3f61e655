package retry

import (
	"time"

	"github.com/Sternrassler/reqflow/pkg/request"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reqflow_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reqflow_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reqflow_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// ObserveRetry records a scheduled retry.
func ObserveRetry(err *request.Error, delay time.Duration) {
	class := statusClass(err)
	retriesTotal.WithLabelValues(class).Inc()
	retryBackoffSeconds.WithLabelValues(class).Observe(delay.Seconds())
}

// ObserveExhausted records a lineage that ran out of attempts on a retryable error.
func ObserveExhausted(err *request.Error) {
	retryExhaustedTotal.WithLabelValues(statusClass(err)).Inc()
}
