// Package observability provides the process logger, Prometheus metrics
// and dependency health probes.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors. One instance per
// process, registered on its own registry so tests can create as many
// as they like.
type Metrics struct {
	registry *prometheus.Registry

	ModuleLoads        *prometheus.CounterVec   // result: ok|error
	ModuleLoadDuration prometheus.Histogram
	ModulesLoaded      prometheus.Gauge
	Installations      *prometheus.CounterVec   // status: installed|failed
	EventsPublished    *prometheus.CounterVec   // stream
	HandlerErrors      *prometheus.CounterVec   // module
	GatewaySyncErrors  prometheus.Counter
	HTTPDuration       *prometheus.HistogramVec // method, path, status
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ModuleLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modhub",
			Name:      "module_loads_total",
			Help:      "Module load attempts by result.",
		}, []string{"result"}),
		ModuleLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "modhub",
			Name:      "module_load_duration_seconds",
			Help:      "Time spent loading a module package.",
			Buckets:   prometheus.DefBuckets,
		}),
		ModulesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modhub",
			Name:      "modules_loaded",
			Help:      "Modules currently loaded.",
		}),
		Installations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modhub",
			Name:      "installations_total",
			Help:      "Installation outcomes by final status.",
		}, []string{"status"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modhub",
			Name:      "events_published_total",
			Help:      "Events published by stream.",
		}, []string{"stream"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modhub",
			Name:      "event_handler_errors_total",
			Help:      "Event handler failures by module.",
		}, []string{"module"}),
		GatewaySyncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modhub",
			Name:      "gateway_sync_errors_total",
			Help:      "Failed gateway mirroring calls.",
		}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modhub",
			Name:      "http_request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	m.registry.MustRegister(
		m.ModuleLoads,
		m.ModuleLoadDuration,
		m.ModulesLoaded,
		m.Installations,
		m.EventsPublished,
		m.HandlerErrors,
		m.GatewaySyncErrors,
		m.HTTPDuration,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
