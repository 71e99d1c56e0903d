// Package metrics centralizes the Prometheus collectors shared across the
// queue, resolver, and dispatch components so every instrumented
// operation reports under one naming scheme.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth reports the total number of messages currently queued
	// across all chats, sampled on each Enqueue call.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "convobridge_queue_total_depth",
		Help: "Total number of messages currently queued across all chats",
	})

	// QueueActiveChats reports the number of chats with a non-empty queue.
	QueueActiveChats = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "convobridge_queue_active_chats",
		Help: "Number of chats with a non-empty in-memory queue",
	})

	// FlushTotal counts queue flushes by the Smart Context Manager's
	// triggering reason.
	FlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convobridge_queue_flush_total",
		Help: "Total number of queue flushes by triggering reason",
	}, []string{"reason"})

	// ResolverTierHitTotal counts resolver cache hits by tier.
	ResolverTierHitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convobridge_resolver_tier_hit_total",
		Help: "Total number of resolver cache lookups by tier and outcome",
	}, []string{"tier", "outcome"})

	// DispatchOutcomeTotal counts dispatch consumer terminal outcomes.
	DispatchOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convobridge_dispatch_outcome_total",
		Help: "Total number of dispatch consumer terminal outcomes",
	}, []string{"outcome"})

	// DuplicateVerdictTotal counts duplicate-detection verdicts by reason.
	DuplicateVerdictTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convobridge_duplicate_verdict_total",
		Help: "Total number of duplicate-detection verdicts by reason",
	}, []string{"is_duplicate", "reason"})
)
