// Package metrics defines the Prometheus collectors for the hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector, constructed once at startup and
// injected where needed.
type Metrics struct {
	AuthResults    *prometheus.CounterVec
	PushResults    *prometheus.CounterVec
	Pulls          *prometheus.CounterVec
	OutboundRetry  prometheus.Counter
	DeadLetters    prometheus.Counter
	RequestLatency *prometheus.HistogramVec
}

// New creates and registers the collectors on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpi_auth_results_total",
			Help: "Token authentication outcomes by result.",
		}, []string{"result"}),
		PushResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpi_push_results_total",
			Help: "Resource push outcomes by module and result.",
		}, []string{"module", "result"}),
		Pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpi_pulls_total",
			Help: "Resource pulls served by module.",
		}, []string{"module"}),
		OutboundRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocpi_outbound_retries_total",
			Help: "Outbound push attempts that were retried.",
		}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocpi_dead_letters_total",
			Help: "Outbound pushes queued for administrative replay.",
		}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ocpi_request_duration_seconds",
			Help:    "Inbound request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	reg.MustRegister(
		m.AuthResults, m.PushResults, m.Pulls,
		m.OutboundRetry, m.DeadLetters, m.RequestLatency,
	)
	return m
}

// NewUnregistered creates collectors without registering them, for
// tests that construct several instances.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
