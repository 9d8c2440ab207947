package k8s

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activePortForwards = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quarterdeck_active_port_forwards",
		Help: "Number of port forwarding sessions currently running",
	})

	drainsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarterdeck_node_drains_total",
		Help: "Node drain operations by terminal result",
	}, []string{"result"})
)
