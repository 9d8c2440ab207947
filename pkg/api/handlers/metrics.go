package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	proxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarterdeck_proxy_requests_total",
		Help: "Proxied Kubernetes API requests by cluster and status code",
	}, []string{"cluster", "code"})

	activeWatchBridges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quarterdeck_active_watch_bridges",
		Help: "Number of websocket watch bridges currently open",
	})
)

// GetMetricsHandler returns the prometheus scrape handler for the metrics
// listener.
func GetMetricsHandler() http.Handler {
	return promhttp.Handler()
}
