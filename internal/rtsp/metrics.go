package rtsp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "rtsp_requests_total",
		Namespace: "live_stream",
		Help:      "number of handled RTSP requests",
	}, []string{"method", "status"})
	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "rtsp_connections_total",
		Namespace: "live_stream",
		Help:      "number of accepted RTSP connections",
	})
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name:      "rtsp_active_connections",
		Namespace: "live_stream",
		Help:      "number of open RTSP connections",
	})
)
