package preload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	preloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reqflow_preload_total",
		Help: "Preload outcomes",
	}, []string{"outcome"}) // "stored", "failed", "consumed", "expired"

	preloadEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reqflow_preload_entries",
		Help: "Current number of unclaimed preloaded responses",
	})
)
