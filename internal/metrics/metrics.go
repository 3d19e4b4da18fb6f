// Package metrics holds the Prometheus collectors exposed at GET
// /metrics (SPEC_FULL.md §8, a supplemented feature grounded on the
// teacher's direct prometheus/client_golang dependency, which the
// distilled spec never exercised). Collectors are package-level
// variables registered against the default registry, the same pattern
// promhttp.Handler() in internal/api/router.go already assumes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveHandshakeSessions tracks in-flight WebSocket handshake
	// sessions (broker.Broker.ActiveSessions).
	ActiveHandshakeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neuron_active_handshake_sessions",
		Help: "Number of handshake sessions currently being processed by the broker.",
	})

	// HandshakeQueueDepth tracks how many connections are waiting for an
	// admission slot.
	HandshakeQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neuron_handshake_queue_depth",
		Help: "Number of connections waiting for a handshake admission slot.",
	})

	// RegistrationStatus reports the current NeuronStatus as a gauge
	// with one label value set to 1 at a time (unregistered/pending/
	// registered/suspended/degraded).
	RegistrationStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "neuron_registration_status",
		Help: "Current registration status with the national directory (1 = current status).",
	}, []string{"status"})

	// AuditEntriesAppended counts successful audit.Journal.Append calls
	// by category.
	AuditEntriesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuron_audit_entries_appended_total",
		Help: "Total audit journal entries appended, by category.",
	}, []string{"category"})

	// HandshakesCompleted counts completed handshakes by outcome
	// (completed/rejected).
	HandshakesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuron_handshakes_total",
		Help: "Total handshakes processed, by outcome.",
	}, []string{"outcome"})
)

// SetRegistrationStatus zeroes every known status label and sets only
// the current one to 1, so the gauge always reflects exactly one active
// state.
func SetRegistrationStatus(current string) {
	for _, s := range []string{"unregistered", "pending", "registered", "suspended", "degraded"} {
		value := 0.0
		if s == current {
			value = 1
		}
		RegistrationStatus.WithLabelValues(s).Set(value)
	}
}
