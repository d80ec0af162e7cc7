// Package metrics holds the Prometheus collectors exported by fundex.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Submission outcomes used as the "outcome" label.
const (
	OutcomeSent        = "sent"
	OutcomeAlreadySent = "already_sent"
	OutcomeFailed      = "failed"
	OutcomeUnknown     = "unknown"
	OutcomeInFlight    = "in_flight"
)

// PairSubmissions counts exchange submission attempts by outcome.
var PairSubmissions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fundex_pair_submissions_total",
		Help: "Matched pairs processed by send requests, by outcome",
	},
	[]string{"outcome"},
)

// SubmissionLatency records the duration of single exchange submissions.
var SubmissionLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "fundex_pair_submission_seconds",
		Help:    "Latency in seconds of exchange submission calls",
		Buckets: prometheus.DefBuckets,
	},
)

// PricingGate counts subscription gate decisions.
var PricingGate = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fundex_pricing_gate_total",
		Help: "Subscription gate decisions by result",
	},
	[]string{"result"},
)

// ClassificationFallbacks counts pairs classified by the name heuristic.
var ClassificationFallbacks = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "fundex_classification_fallbacks_total",
		Help: "Matched pairs classified from counterparty display names",
	},
)

func init() {
	prometheus.MustRegister(PairSubmissions, SubmissionLatency)
	prometheus.MustRegister(PricingGate, ClassificationFallbacks)
}
