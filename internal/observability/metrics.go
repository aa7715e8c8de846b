// Package observability holds the Prometheus instrumentation shared across
// the HTTP surface and the execution guard.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of collectors exported on /metrics. Each instance
// owns its registry so tests can instantiate freely without collisions.
type Metrics struct {
	ToolInvocations *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec
	RejectedQueries *prometheus.CounterVec
	BytesBilled     prometheus.Counter

	registry *prometheus.Registry
}

// Registry returns the registry backing the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// New creates a registry and registers the collectors with it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ToolInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bqguard_tool_invocations_total",
			Help: "Tool invocations by tool name and outcome status.",
		}, []string{"tool", "status"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bqguard_tool_duration_seconds",
			Help:    "Tool handling latency by tool name.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"tool"}),
		RejectedQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bqguard_rejected_queries_total",
			Help: "Queries rejected before submission, by error code.",
		}, []string{"reason"}),
		BytesBilled: factory.NewCounter(prometheus.CounterOpts{
			Name: "bqguard_bytes_billed_total",
			Help: "Cumulative bytes billed by executed queries.",
		}),
	}
}
