// Package metrics provides Prometheus instrumentation for the moderator. It
// exposes counters for verdicts and alerts, gauges for engine state and
// feed connections, and a histogram for per-message processing latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesTotal counts moderated messages, labeled by verdict:
	// "clean", "warn" or "escalate".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupguard_messages_total",
		Help: "Total number of messages moderated",
	}, []string{"verdict"})

	// ReasonsTotal counts spam reasons: "link", "banned_keyword",
	// "repeated_message". A message can carry several.
	ReasonsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupguard_spam_reasons_total",
		Help: "Spam reasons detected",
	}, []string{"reason"})

	// AlertsTotal counts admin alerts by kind and outcome: "sent" or
	// "throttled".
	AlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupguard_alerts_total",
		Help: "Admin alerts raised",
	}, []string{"kind", "outcome"})

	// AdminCommandsTotal counts clear commands by type.
	AdminCommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupguard_admin_commands_total",
		Help: "Admin commands applied",
	}, []string{"type"})

	// NameLookupFailures counts admin display names that could not be
	// resolved while building an alert.
	NameLookupFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupguard_name_lookup_failures_total",
		Help: "Admin display names that could not be resolved",
	})

	// SideEffectErrors counts failed publishes, audit writes and throttle
	// checks, labeled by component.
	SideEffectErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupguard_side_effect_errors_total",
		Help: "Failures outside the moderation decision itself",
	}, []string{"component"})

	// DroppedMessages counts inbound payloads that were malformed or could
	// not be queued.
	DroppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupguard_dropped_messages_total",
		Help: "Inbound payloads dropped before moderation",
	}, []string{"cause"})

	// ProcessingLatency records the time from dequeue to last side effect.
	ProcessingLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "groupguard_processing_latency_seconds",
		Help:    "Per-message processing latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// FlaggedSenders tracks the size of the flagged-sender registry.
	FlaggedSenders = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "groupguard_flagged_senders",
		Help: "Senders currently flagged for admin review",
	})

	// WarnedSenders tracks how many senders hold a non-zero warning count.
	WarnedSenders = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "groupguard_warned_senders",
		Help: "Senders with at least one warning",
	})

	// FeedConnections tracks open admin feed WebSocket connections.
	FeedConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "groupguard_feed_connections",
		Help: "Open admin feed connections",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesTotal,
		ReasonsTotal,
		AlertsTotal,
		AdminCommandsTotal,
		NameLookupFailures,
		SideEffectErrors,
		DroppedMessages,
		ProcessingLatency,
		FlaggedSenders,
		WarnedSenders,
		FeedConnections,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
