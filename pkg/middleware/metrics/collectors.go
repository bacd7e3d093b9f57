package metrics

import (
	"time"

	"github.com/joeydtaylor/steeze-node/pkg/apierr"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	responseTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "admin_response_time",
			Help:    "admin http response time.",
			Buckets: []float64{0.005, 0.05, 0.5, 1, 5},
		},
	)

	totalHttpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "admin_http_requests_total", Help: "admin http requests by code, route and method"},
		[]string{"code", "route", "method"},
	)

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "node_frames_total", Help: "frames exchanged with the broker"},
		[]string{"direction", "kind"},
	)

	inboundRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "node_inbound_requests_total", Help: "broker requests handled by the script, by outcome"},
		[]string{"api", "method", "outcome"},
	)

	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "node_handler_duration_seconds",
			Help:    "script handler latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"api"},
	)

	outboundRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "node_outbound_requests_total", Help: "requests issued by the script to other nodes, by outcome"},
		[]string{"outcome"},
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "node_pending_requests", Help: "outbound requests awaiting a reply"},
	)
)

func init() {
	prometheus.MustRegister(
		responseTime,
		totalHttpRequests,
		framesTotal,
		inboundRequests,
		handlerDuration,
		outboundRequests,
		pendingRequests,
	)
}

// Outcome labels a finished request: "ok" or the error kind.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apierr.From(err).Kind)
}

func ObserveFrame(direction, kind string) {
	framesTotal.WithLabelValues(direction, kind).Inc()
}

func ObserveInbound(api, method, outcome string, took time.Duration) {
	inboundRequests.WithLabelValues(api, method, outcome).Inc()
	handlerDuration.WithLabelValues(api).Observe(took.Seconds())
}

func ObserveOutbound(outcome string) {
	outboundRequests.WithLabelValues(outcome).Inc()
}

func SetPending(n int) {
	pendingRequests.Set(float64(n))
}
