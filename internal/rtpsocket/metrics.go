package rtpsocket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	packetsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "rtp_packets_sent_total",
		Namespace: "live_stream",
		Help:      "number of RTP packets written to destinations",
	})
	bytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "rtp_bytes_sent_total",
		Namespace: "live_stream",
		Help:      "number of RTP bytes written to destinations",
	})
	sendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "rtp_send_errors_total",
		Namespace: "live_stream",
		Help:      "number of dropped packets because of a write error",
	}, []string{"kind"})
	reportsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "rtcp_reports_sent_total",
		Namespace: "live_stream",
		Help:      "number of RTCP sender reports written",
	})
)
