// Package metrics defines every Prometheus collector used by the pipeline.
//
// Collectors are defined once here with a fixed label schema. Cardinality
// is barred by design: labels carry component, stream, and reason values
// from closed sets, never post ids, channel usernames, or URLs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished counts successful bus publishes per stream.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teleforge_events_published_total",
		Help: "Events published to the bus, by stream.",
	}, []string{"stream"})

	// EventsConsumed counts processed entries per stream and outcome.
	// Outcome is one of ok, dlq, skipped, retried.
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teleforge_events_consumed_total",
		Help: "Entries consumed from the bus, by stream and outcome.",
	}, []string{"stream", "outcome"})

	// DLQDepth tracks the per-stream DLQ backlog.
	DLQDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "teleforge_dlq_depth",
		Help: "Current dead-letter backlog, by base stream.",
	}, []string{"stream"})

	// BatchesSkipped counts ingest batches skipped by the subscription
	// check, labeled with the non-fatal reason.
	BatchesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teleforge_ingest_batches_skipped_total",
		Help: "Ingest batches skipped, by reason.",
	}, []string{"reason"})

	// PolicyDenied counts admission-gate denials. These are skips, not
	// errors: quota_exceeded, ssrf_denied, deny_list, budget_denied.
	PolicyDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teleforge_policy_denied_total",
		Help: "Policy/budget gate denials, by component and reason.",
	}, []string{"component", "reason"})

	// ProviderCalls counts external provider calls by component and result.
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teleforge_provider_calls_total",
		Help: "External provider calls, by component and result.",
	}, []string{"component", "result"})

	// BreakerState reports circuit breaker state (0 closed, 0.5 half-open,
	// 1 open) per component.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "teleforge_breaker_state",
		Help: "Circuit breaker state: 0=closed, 0.5=half-open, 1=open.",
	}, []string{"component"})

	// AlbumsAssembled counts terminal album transitions.
	AlbumsAssembled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teleforge_albums_total",
		Help: "Album state machine terminal transitions, by outcome.",
	}, []string{"outcome"})

	// AssemblyLag observes seconds between album first-seen and assembly.
	AssemblyLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "teleforge_album_assembly_lag_seconds",
		Help:    "Seconds from first album sighting to assembled.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})

	// StorageUsageGB reports reconciled per-tenant CAS usage.
	StorageUsageGB = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "teleforge_storage_usage_gb",
		Help: "Reconciled object-store usage in GB, by tenant.",
	}, []string{"tenant"})

	// TaskRestarts counts supervisor-driven task restarts.
	TaskRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teleforge_task_restarts_total",
		Help: "Supervised task restarts, by task.",
	}, []string{"task"})
)
