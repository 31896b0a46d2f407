// Package metrics exposes Prometheus instrumentation for the authentication
// path and clone detection.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AuthAttempts counts verification attempts by outcome
	// (success, crypto_mismatch, replay_suspected, card_invalid)
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardtrust",
		Subsystem: "auth",
		Name:      "attempts_total",
		Help:      "Number of card verification attempts by outcome",
	}, []string{"outcome"})

	// VerifyDuration observes end-to-end verification latency
	VerifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cardtrust",
		Subsystem: "auth",
		Name:      "verify_duration_seconds",
		Help:      "Latency of card verification",
		Buckets:   prometheus.DefBuckets,
	})

	// CloneSuspicions counts raised clone suspicions
	CloneSuspicions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cardtrust",
		Subsystem: "telemetry",
		Name:      "clone_suspicions_total",
		Help:      "Number of clone_suspected events raised",
	})

	// CardsProvisioned counts successfully provisioned cards
	CardsProvisioned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cardtrust",
		Subsystem: "provisioning",
		Name:      "cards_provisioned_total",
		Help:      "Number of cards registered through provisioning",
	})

	// TradesCompleted counts completed ownership transfers
	TradesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cardtrust",
		Subsystem: "transfer",
		Name:      "trades_completed_total",
		Help:      "Number of completed trades",
	})
)

// Outcome labels for AuthAttempts
const (
	OutcomeSuccess        = "success"
	OutcomeCryptoMismatch = "crypto_mismatch"
	OutcomeReplay         = "replay_suspected"
	OutcomeCardInvalid    = "card_invalid"
)

// Handler returns the HTTP handler serving the Prometheus scrape endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
