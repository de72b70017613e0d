package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsProxied counts intercepted requests by outcome:
	// "upstream" (live response relayed), "queued" (accepted for later
	// delivery), "error" (failed and not queueable).
	RequestsProxied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sync_gateway",
			Name:      "requests_proxied_total",
			Help:      "Total intercepted requests.",
		},
		[]string{"outcome"},
	)

	// DrainPasses counts drain passes by result: "completed", "halted",
	// "empty", "error".
	DrainPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sync_gateway",
			Name:      "drain_passes_total",
			Help:      "Total outbox drain passes.",
		},
		[]string{"result"},
	)

	// Replays counts individual replay attempts by outcome: "delivered",
	// "failed", "evicted".
	Replays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sync_gateway",
			Name:      "replays_total",
			Help:      "Total replay attempts of queued entries.",
		},
		[]string{"outcome"},
	)

	// QueueDepth tracks the number of entries stored in the outbox. Set from
	// the store count after every mutation, never adjusted by deltas.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sync_gateway",
			Name:      "outbox_depth",
			Help:      "Entries currently queued in the outbox.",
		},
	)

	// ReplayDuration observes end-to-end drain pass duration.
	ReplayDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sync_gateway",
			Name:      "drain_pass_duration_seconds",
			Help:      "Duration of outbox drain passes.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
