package gatemetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildgate",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "guildgate",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// SweepsTotal counts reconciliation sweeps by outcome.
	SweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildgate",
		Name:      "sweeps_total",
		Help:      "Total reconciliation sweeps by outcome.",
	}, []string{"outcome"})

	// SweepDuration tracks full-sweep latency.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "guildgate",
		Name:      "sweep_duration_seconds",
		Help:      "Reconciliation sweep duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// GrantOperationsTotal counts role mutations by action and outcome.
	GrantOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildgate",
		Name:      "grant_operations_total",
		Help:      "Total role grant/revoke operations by action and outcome.",
	}, []string{"action", "outcome"})

	// ResolutionFailuresTotal counts billing lookups that could not be resolved.
	ResolutionFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "guildgate",
		Name:      "resolution_failures_total",
		Help:      "Total billing status lookups that failed (provider unavailable).",
	})

	// LinkAttemptsTotal counts interactive link attempts by outcome.
	LinkAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildgate",
		Name:      "link_attempts_total",
		Help:      "Total interactive account-link attempts by outcome.",
	}, []string{"outcome"})

	// LinkedSubscribers tracks the number of linked subscriber records.
	LinkedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "guildgate",
		Name:      "linked_subscribers",
		Help:      "Number of subscriber links with an associated Discord account.",
	})
)
