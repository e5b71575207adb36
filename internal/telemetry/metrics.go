// Package telemetry provides observability primitives for the relay.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the relay.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveTunnels    prometheus.Gauge
	PendingRequests  prometheus.Gauge
	RateLimitRejects prometheus.Counter
	InvalidTokens    prometheus.Counter
	FramesTotal      *prometheus.CounterVec
	BytesRelayed     *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Total ingress requests by response status.",
		}, []string{"status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "relay",
			Name:                            "request_duration_seconds",
			Help:                            "Ingress request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"outcome"}),

		ActiveTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "active_tunnels",
			Help:      "Number of registered tunnel clients.",
		}),

		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "pending_requests",
			Help:      "Number of forwarded requests awaiting a response.",
		}),

		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}),

		InvalidTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "invalid_tokens_total",
			Help:      "Total rejected token validations.",
		}),

		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "frames_total",
			Help:      "Total control-channel frames by type and direction.",
		}, []string{"type", "direction"}),

		BytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "bytes_relayed_total",
			Help:      "Total body bytes relayed by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveTunnels,
		m.PendingRequests,
		m.RateLimitRejects,
		m.InvalidTokens,
		m.FramesTotal,
		m.BytesRelayed,
	)

	return m
}
