// Package beaconmetrics wires the validation and fork-choice core's domain
// counters onto Prometheus directly, distinct from the ambient metrics
// package's hand-rolled registry: these are the labelled counters spec'd for
// the Peer Chain Validator plus the block-import/reorg counters the Fork
// Choice Engine is expected to carry alongside them.
package beaconmetrics

import "github.com/prometheus/client_golang/prometheus"

// Validation outcome labels for PeerChainValidationAttempts. "attempt" is
// recorded on every call; exactly one of the other three is recorded
// alongside it.
const (
	StatusAttempt = "attempt"
	StatusValid   = "valid"
	StatusInvalid = "invalid"
	StatusError   = "error"
)

var (
	// PeerChainValidationAttempts is the four labelled counters spec'd for
	// the Peer Chain Validator: validation attempts, chain valid, chain
	// invalid, validation error -- folded into one CounterVec keyed by
	// status rather than four separate metrics, the idiomatic Prometheus
	// shape for mutually exclusive outcome counting.
	PeerChainValidationAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peer_chain_validation_attempts_total",
		Help: "Peer chain validation attempts by outcome (attempt, valid, invalid, error).",
	}, []string{"status"})

	// ImportsTotal counts blocks handed to the Fork Choice Engine's onBlock,
	// regardless of outcome.
	ImportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fork_choice_imports_total",
		Help: "Total blocks submitted to the fork choice engine's onBlock.",
	})

	// ReorgsTotal counts ReorgEvents emitted by processHead.
	ReorgsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fork_choice_reorgs_total",
		Help: "Total reorg events emitted by the fork choice engine.",
	})
)

// Registry is the Prometheus registry these metrics are registered against.
// Kept distinct from prometheus.DefaultRegisterer so tests can Gather it in
// isolation.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(PeerChainValidationAttempts, ImportsTotal, ReorgsTotal)
}

// RecordValidationAttempt increments the unconditional attempt counter.
func RecordValidationAttempt() {
	PeerChainValidationAttempts.WithLabelValues(StatusAttempt).Inc()
}

// RecordValidationOutcome increments exactly one of the valid/invalid/error
// counters.
func RecordValidationOutcome(status string) {
	PeerChainValidationAttempts.WithLabelValues(status).Inc()
}
