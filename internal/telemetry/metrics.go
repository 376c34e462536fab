// Package telemetry holds the prometheus metrics and otel spans recorded by
// the ledger facade.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeOK = "ok"
)

// Metrics provides observability for ledger operations.
// A nil *Metrics records nothing.
type Metrics struct {
	// Operations by name and outcome (ok or an error code)
	Operations *prometheus.CounterVec

	// Operation latency by name
	OperationLatency *prometheus.HistogramVec

	// Policy check failures by check name
	PolicyViolations *prometheus.CounterVec

	// Override token uses by scope
	OverridesUsed *prometheus.CounterVec

	// Attempted mutations of committed history
	AppendOnlyViolations prometheus.Counter
}

// NewMetrics registers all ledger metrics with reg.
// Passing a fresh prometheus.NewRegistry() keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cutterledger_operations_total",
			Help: "Total ledger operations by operation and outcome",
		}, []string{"operation", "outcome"}),

		OperationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cutterledger_operation_duration_seconds",
			Help:    "Duration of ledger operations including policy checks",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"operation"}),

		PolicyViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cutterledger_policy_violations_total",
			Help: "Inputs rejected by policy checks, by check",
		}, []string{"check"}),

		OverridesUsed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cutterledger_overrides_used_total",
			Help: "Override tokens that waived a check, by scope",
		}, []string{"scope"}),

		AppendOnlyViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "cutterledger_append_only_violations_total",
			Help: "Rejected attempts to update or delete committed ledger rows",
		}),
	}
}

// ObserveOperation records one completed operation.
func (m *Metrics) ObserveOperation(operation, outcome string, d time.Duration) {
	if m != nil {
		m.Operations.WithLabelValues(operation, outcome).Inc()
		m.OperationLatency.WithLabelValues(operation).Observe(d.Seconds())
	}
}

// IncrementPolicyViolation records a failed policy check.
func (m *Metrics) IncrementPolicyViolation(check string) {
	if m != nil {
		m.PolicyViolations.WithLabelValues(check).Inc()
	}
}

// IncrementOverrideUsed records an override that waived a check.
func (m *Metrics) IncrementOverrideUsed(scope string) {
	if m != nil {
		m.OverridesUsed.WithLabelValues(scope).Inc()
	}
}

// IncrementAppendOnlyViolation records a rejected mutation of history.
func (m *Metrics) IncrementAppendOnlyViolation() {
	if m != nil {
		m.AppendOnlyViolations.Inc()
	}
}
