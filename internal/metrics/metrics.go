// Package metrics holds the gateway's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcpgw"

// Metrics groups the collectors used across the gateway.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	authFailures    *prometheus.CounterVec
	toolCalls       *prometheus.CounterVec
	dials           *prometheus.CounterVec
	poolConns       prometheus.Gauge
	hookFailures    *prometheus.CounterVec
	sessions        *prometheus.CounterVec
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "JSON-RPC requests handled, by method and outcome category.",
		}, []string{"method", "category"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time to handle a JSON-RPC request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected credentials, by public reason.",
		}, []string{"reason"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Downstream tool calls, by namespace and result.",
		}, []string{"namespace", "result"}),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_dials_total",
			Help:      "Downstream connection attempts, by result.",
		}, []string{"result"}),
		poolConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_connections",
			Help:      "Open downstream connections.",
		}),
		hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_failures_total",
			Help:      "Post-processing hook errors and panics, by hook.",
		}, []string{"hook"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events.",
		}, []string{"event"}),
	}
	m.registry.MustRegister(
		m.requests, m.requestDuration, m.authFailures, m.toolCalls,
		m.dials, m.poolConns, m.hookFailures, m.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(method, category string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, category).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) AuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ToolCall(namespace, result string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(namespace, result).Inc()
}

func (m *Metrics) Dial(result string) {
	if m == nil {
		return
	}
	m.dials.WithLabelValues(result).Inc()
}

// PoolConnections adds delta to the open connection gauge.
func (m *Metrics) PoolConnections(delta int) {
	if m == nil {
		return
	}
	m.poolConns.Add(float64(delta))
}

func (m *Metrics) HookFailure(hook string) {
	if m == nil {
		return
	}
	m.hookFailures.WithLabelValues(hook).Inc()
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(event).Inc()
}
