// Package metrics holds the Prometheus collectors shared by the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "imagechat"

var (
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Inbound turns handled, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	ModelAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_attempts_total",
			Help:      "Provider calls attempted, by operation.",
		},
		[]string{"op"},
	)

	ModelRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_retries_total",
			Help:      "Provider calls retried after a transient fault.",
		},
		[]string{"op"},
	)

	ModelFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_failures_total",
			Help:      "Model operations that surfaced a classified failure.",
		},
		[]string{"op", "class"},
	)

	ModelCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Wall time of a model operation including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		},
		[]string{"op"},
	)

	StoreWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_writes_total",
			Help:      "Atomic document writes, by document kind and result.",
		},
		[]string{"kind", "result"},
	)

	PrunedDialogsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_dialogs_total",
			Help:      "Dialogs removed by age-based pruning.",
		},
	)

	DispatchSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_submissions_total",
			Help:      "Turns accepted into the dispatch executor.",
		},
		[]string{"shard"},
	)

	DispatchQueueFullTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_full_total",
			Help:      "Turns rejected because the user queue stayed full.",
		},
		[]string{"shard"},
	)

	DispatchActiveKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_active_keys",
			Help:      "Users with a turn running or queued.",
		},
	)
)
