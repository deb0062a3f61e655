package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for orchestrator operations.
var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reqflow_dispatch_total",
		Help: "Total dispatched requests by outcome (success or error kind)",
	}, []string{"outcome"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reqflow_dispatch_duration_seconds",
		Help:    "End-to-end dispatch duration in seconds by method",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reqflow_cache_lookups_total",
		Help: "Cache lookups made by the orchestrator by result",
	}, []string{"result"}) // "hit", "miss", "error"

	refreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reqflow_cache_refreshes_total",
		Help: "Background cache refreshes by outcome",
	}, []string{"outcome"}) // "stored", "failed"

	dedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reqflow_dispatch_deduplicated_total",
		Help: "Requests served by joining an identical in-flight request",
	})
)
