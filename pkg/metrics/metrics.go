// Package metrics holds the router's prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without metrics in tests and in the offline CLI commands.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vhost_router"

// Upstream failure kinds.
const (
	FailureConnect = "connect"
	FailureTimeout = "timeout"
	FailureOther   = "other"
)

type Metrics struct {
	registry *prometheus.Registry

	requestLatencies *prometheus.HistogramVec
	routed           *prometheus.CounterVec
	upstreamFailures *prometheus.CounterVec
	activeWebsockets prometheus.Gauge
	configReloads    *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestLatencies: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Response latency distribution in seconds for each verb and HTTP response code.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.4, 0.6, 0.8, 1.0, 1.5, 2, 3,
					5, 8, 10, 15, 20, 30, 60},
			},
			[]string{"method", "code"},
		),
		routed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routed_requests_total",
				Help:      "Requests by virtual host, matched rule and action. Unmatched requests have rule \"\" and action \"static\".",
			},
			[]string{"vhost", "rule", "action"},
		),
		upstreamFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_failures_total",
				Help:      "Failed upstream round trips by kind (connect, timeout, other).",
			},
			[]string{"kind"},
		),
		activeWebsockets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_websocket_relays",
				Help:      "Websocket connections currently being relayed.",
			},
		),
		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Configuration reload attempts by result (success, failure).",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		m.requestLatencies,
		m.routed,
		m.upstreamFailures,
		m.activeWebsockets,
		m.configReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WithLatencyTracking tracks the number of seconds it took the wrapped handler
// to complete.
func (m *Metrics) WithLatencyTracking(delegate http.Handler) http.Handler {
	if m == nil {
		return delegate
	}
	return promhttp.InstrumentHandlerDuration(m.requestLatencies, delegate)
}

func (m *Metrics) Routed(vhost, rule, action string) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(vhost, rule, action).Inc()
}

func (m *Metrics) UpstreamFailure(kind string) {
	if m == nil {
		return
	}
	m.upstreamFailures.WithLabelValues(kind).Inc()
}

// WebsocketOpened increments the active relay gauge and returns the matching
// decrement.
func (m *Metrics) WebsocketOpened() (closed func()) {
	if m == nil {
		return func() {}
	}
	m.activeWebsockets.Inc()
	return m.activeWebsockets.Dec
}

func (m *Metrics) ConfigReload(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.configReloads.WithLabelValues(result).Inc()
}
