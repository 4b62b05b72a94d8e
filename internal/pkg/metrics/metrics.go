// Package metrics holds the Prometheus instrumentation of the entitlement
// engine.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const maxLabelLen = 64

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entitlefox",
			Subsystem: "billing",
			Name:      "events_total",
			Help:      "Billing events by provider, source and outcome",
		},
		[]string{"provider", "source", "outcome"},
	)
	rejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entitlefox",
			Subsystem: "billing",
			Name:      "rejected_total",
			Help:      "Billing inputs rejected before processing, by provider and reason",
		},
		[]string{"provider", "reason"},
	)
	providerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entitlefox",
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Outbound provider API calls by provider, operation and result",
		},
		[]string{"provider", "op", "result"},
	)
	providerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "entitlefox",
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Latency of outbound provider API calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "op"},
	)
)

func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// RecordEvent counts one processed billing event.
func RecordEvent(provider, source, outcome string) {
	eventsTotal.WithLabelValues(sanitizeLabel(provider), sanitizeLabel(source), sanitizeLabel(outcome)).Inc()
}

// RecordRejected counts an input dropped by normalization.
func RecordRejected(provider, reason string) {
	rejectedTotal.WithLabelValues(sanitizeLabel(provider), sanitizeLabel(reason)).Inc()
}

// ObserveProviderCall records result and latency of a provider call.
func ObserveProviderCall(provider, op string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	providerCalls.WithLabelValues(sanitizeLabel(provider), sanitizeLabel(op), result).Inc()
	providerLatency.WithLabelValues(sanitizeLabel(provider), sanitizeLabel(op)).Observe(time.Since(started).Seconds())
}
