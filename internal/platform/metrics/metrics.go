// Package metrics holds the Prometheus instruments for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	BackendDuration   *prometheus.HistogramVec
	BackendFailures   *prometheus.CounterVec
	IdentitiesDerived *prometheus.CounterVec
	ConsentDecisions  *prometheus.CounterVec
	StoreErrors       prometheus.Counter
}

// New creates and registers all gateway metrics on the given registerer.
// Tests pass prometheus.NewRegistry() to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustedge_requests_total",
			Help: "Requests handled, by route and status code",
		}, []string{"route", "status"}),
		BackendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trustedge_backend_request_duration_seconds",
			Help:    "Latency of upstream backend calls",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"backend"}),
		BackendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustedge_backend_failures_total",
			Help: "Upstream backend failures, by backend and kind (timeout, unreachable)",
		}, []string{"backend", "kind"}),
		IdentitiesDerived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustedge_synthetic_ids_derived_total",
			Help: "Synthetic identities derived, by durability",
		}, []string{"durable"}),
		ConsentDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustedge_consent_decisions_total",
			Help: "Consent decisions evaluated, by scheme and identity grant",
		}, []string{"scheme", "identity"}),
		StoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustedge_store_errors_total",
			Help: "Persistence collaborator failures downgraded to ephemeral behavior",
		}),
	}
}
