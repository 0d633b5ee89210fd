package proxy

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of the proxy.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	headerRewrites  prometheus.Counter
	upstreamErrors  prometheus.Counter
	tunnelsActive   prometheus.Gauge
	configReloads   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_requests_total",
				Help: "Total number of proxied requests by method and policy action",
			},
			[]string{"method", "action"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_request_duration_seconds",
				Help:    "Request handling latency in seconds, including upstream time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),

		headerRewrites: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "proxy_header_rewrites_total",
				Help: "Total number of request header values rewritten by policy",
			},
		),

		upstreamErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "proxy_upstream_errors_total",
				Help: "Total number of failed upstream round trips and tunnel dials",
			},
		),

		tunnelsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "proxy_tunnels_active",
				Help: "Number of currently open CONNECT tunnels",
			},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.headerRewrites,
		m.upstreamErrors,
		m.tunnelsActive,
		m.configReloads,
	)

	return m
}

// RecordRequest records one handled request.
func (m *Metrics) RecordRequest(method, action string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, action).Inc()
	m.requestDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordHeaderRewrites adds n rewritten header values.
func (m *Metrics) RecordHeaderRewrites(n int) {
	if n > 0 {
		m.headerRewrites.Add(float64(n))
	}
}

// RecordUpstreamError records a failed upstream exchange
func (m *Metrics) RecordUpstreamError() {
	m.upstreamErrors.Inc()
}

// TunnelOpened marks a CONNECT tunnel as open.
func (m *Metrics) TunnelOpened() { m.tunnelsActive.Inc() }

// TunnelClosed marks a CONNECT tunnel as closed.
func (m *Metrics) TunnelClosed() { m.tunnelsActive.Dec() }

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
