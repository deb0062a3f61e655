package network

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectivity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reqflow_network_online",
		Help: "1 while the network is considered reachable",
	})

	transitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reqflow_network_transitions_total",
		Help: "Total number of connectivity transitions",
	})
)

func init() {
	connectivity.Set(1)
}
