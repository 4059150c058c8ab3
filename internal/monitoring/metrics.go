// Package monitoring holds the gateway's Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the admission pipeline.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	UpstreamLatency prometheus.Histogram
	RevenueUSDC     prometheus.Counter
	ReplayHits      prometheus.Counter
	RateLimited     prometheus.Counter
	MandateDenials  *prometheus.CounterVec
}

// NewMetrics creates and registers all gateway metrics on the default
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on an explicit registerer. Tests pass a
// fresh prometheus.NewRegistry so repeated construction does not
// collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total requests through the admission pipeline",
			},
			[]string{"outcome", "reason"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		UpstreamLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_latency_seconds",
				Help:    "Latency of upstream provider calls",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		RevenueUSDC: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_revenue_usdc_total",
				Help: "Cumulative captured revenue in USDC",
			},
		),
		ReplayHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_replay_hits_total",
				Help: "Requests rejected by the replay store",
			},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_rate_limited_total",
				Help: "Requests dropped by the rate limit pre-filter",
			},
		),
		MandateDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_mandate_denials_total",
				Help: "Mandate verifications that ended DENIED",
			},
			[]string{"reason"},
		),
	}
}

// RecordRequest records one finished pipeline pass.
func (m *Metrics) RecordRequest(outcome, reason string, seconds float64) {
	m.RequestsTotal.WithLabelValues(outcome, reason).Inc()
	m.RequestDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordRevenue adds captured revenue in USDC.
func (m *Metrics) RecordRevenue(usdc float64) {
	m.RevenueUSDC.Add(usdc)
}
