// Package metrics provides Prometheus metrics for the CRM sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncAttemptsTotal tracks every provider attempt recorded in the ledger
	SyncAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crmsync",
			Subsystem: "sync",
			Name:      "attempts_total",
			Help:      "Total number of CRM sync attempts by provider, action and status",
		},
		[]string{"provider", "action", "status"},
	)

	// ProviderRequestsTotal tracks outbound CRM API calls
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crmsync",
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Total number of outbound CRM API requests",
		},
		[]string{"provider", "op", "status_code"},
	)

	// ProviderRequestDuration tracks outbound CRM API latency
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crmsync",
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound CRM API requests in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	// JobsTotal tracks finished coordinator jobs by terminal state
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crmsync",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Total number of sync jobs by action and final state",
		},
		[]string{"action", "state"},
	)

	// JobsInFlight tracks jobs currently being processed
	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crmsync",
			Subsystem: "jobs",
			Name:      "in_flight",
			Help:      "Number of sync jobs currently being processed",
		},
	)

	// WebhookEventsTotal tracks inbound CRM webhook events
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crmsync",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Total number of inbound CRM webhook events by provider and kind",
		},
		[]string{"provider", "kind"},
	)

	// BreakerTripsTotal tracks integrations deactivated by the circuit breaker
	BreakerTripsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crmsync",
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Total number of integrations deactivated after repeated failures",
		},
		[]string{"provider"},
	)

	// TokenRefreshTotal tracks OAuth token refreshes
	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crmsync",
			Subsystem: "auth",
			Name:      "token_refresh_total",
			Help:      "Total number of OAuth token refreshes by provider and outcome",
		},
		[]string{"provider", "status"},
	)
)
