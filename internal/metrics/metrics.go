// Package metrics holds the Prometheus collectors for the analysis pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "codementor"

var (
	// JobsProcessed counts finished job attempts by kind and outcome (done, retry, dead).
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "jobs_processed_total",
		Help:      "Job attempts processed by kind and outcome",
	}, []string{"kind", "outcome"})

	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Jobs enqueued by kind",
	}, []string{"kind"})

	StaleJobsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "stale_jobs_requeued_total",
		Help:      "Running jobs returned to the queue after the visibility timeout",
	})

	// AnalysisDuration tracks the wall time of one analysis attempt.
	AnalysisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "analysis",
		Name:      "duration_seconds",
		Help:      "Analysis attempt duration in seconds by final status",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
	}, []string{"status"})

	FeedbackItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analysis",
		Name:      "feedback_items_total",
		Help:      "Persisted feedback items by category and severity",
	}, []string{"category", "severity"})

	ReasoningTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reasoning",
		Name:      "estimated_tokens_total",
		Help:      "Estimated tokens sent to the reasoning service by model",
	}, []string{"model"})

	ReasoningCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reasoning",
		Name:      "estimated_cost_total",
		Help:      "Estimated reasoning cost in USD by model",
	}, []string{"model"})

	ReasoningCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reasoning",
		Name:      "calls_total",
		Help:      "Reasoning calls by phase (analyze, refactor) and result",
	}, []string{"phase", "result"})

	ProgressConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "progress",
		Name:      "conflicts_total",
		Help:      "Optimistic concurrency conflicts while folding progress",
	})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "connections",
		Help:      "Live channel connections currently registered",
	})

	WSEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "events_total",
		Help:      "Events delivered to live channel connections by type",
	}, []string{"type"})

	WSDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "slow_consumers_dropped_total",
		Help:      "Connections dropped because their send buffer was full",
	})
)
