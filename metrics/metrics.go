// Package metrics exposes the Prometheus instrumentation shared across
// every processor, grounded on linkerd-linkerd2 and rockstar-0000-
// aistore, both heavy github.com/prometheus/client_golang users: a
// package-level registry plus a handful of gauges/counters for queue
// depth, in-flight requests and scopes, and heartbeat round-trip time.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the collector registry this module's metrics attach to.
// A fresh Registry per Processor keeps independent processors'
// metrics from colliding on re-registration in tests.
type Registry struct {
	reg *prometheus.Registry

	QueueDepth       *prometheus.GaugeVec
	InFlightRequests prometheus.Gauge
	InFlightScopes   *prometheus.GaugeVec
	HeartbeatRTT     prometheus.Histogram
	DispatchErrors   *prometheus.CounterVec
}

// New creates and registers this module's collectors against a fresh
// prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wirepeer",
			Name:      "queue_depth",
			Help:      "Current number of items queued, by queue name.",
		}, []string{"queue"}),
		InFlightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wirepeer",
			Name:      "in_flight_requests",
			Help:      "Outbound requests currently awaiting a response.",
		}),
		InFlightScopes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wirepeer",
			Name:      "in_flight_scopes",
			Help:      "Live scopes, by side (local/remote).",
		}, []string{"side"}),
		HeartbeatRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wirepeer",
			Name:      "heartbeat_rtt_seconds",
			Help:      "Round-trip time of keep-alive pings.",
			Buckets:   prometheus.DefBuckets,
		}),
		DispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wirepeer",
			Name:      "dispatch_errors_total",
			Help:      "Call Dispatcher failures, by error kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.QueueDepth, m.InFlightRequests, m.InFlightScopes, m.HeartbeatRTT, m.DispatchErrors)
	return m
}

// Registerer exposes the underlying prometheus.Registry for an
// /metrics HTTP handler (promhttp.HandlerFor(m.Registerer(), ...)).
func (m *Registry) Registerer() *prometheus.Registry { return m.reg }

// ObserveHeartbeatRTT records one ping round-trip.
func (m *Registry) ObserveHeartbeatRTT(d time.Duration) {
	m.HeartbeatRTT.Observe(d.Seconds())
}
