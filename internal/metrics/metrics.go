// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IntentionsCreated counts intentions written to the pool by kind.
	IntentionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cauldron_intentions_created_total",
		Help: "Intentions created by kind",
	}, []string{"kind"})

	// Leases counts successful leases by kind.
	Leases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cauldron_leases_total",
		Help: "Intentions leased to workers by kind",
	}, []string{"kind"})

	// LeaseDuration tracks the lease transaction latency.
	LeaseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cauldron_lease_duration_seconds",
		Help:    "Lease transaction duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	// Completions counts job completions by kind and reported result.
	Completions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cauldron_completions_total",
		Help: "Job completions by kind and result",
	}, []string{"kind", "result"})

	// Archived counts archived intentions by outcome.
	Archived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cauldron_archived_total",
		Help: "Archived intentions by kind and outcome",
	}, []string{"kind", "outcome"})

	// Reclaimed counts jobs taken back from silent workers.
	Reclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cauldron_reclaimed_jobs_total",
		Help: "Jobs reclaimed after a missed heartbeat",
	})

	// RateLimits counts token cooldowns reported by workers.
	RateLimits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cauldron_rate_limits_total",
		Help: "Token cooldowns by credential backend",
	}, []string{"backend"})

	// ProvisionCalls counts search-cluster security API calls by operation and result.
	ProvisionCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cauldron_provision_calls_total",
		Help: "Search cluster provisioning calls by operation and result",
	}, []string{"operation", "result"})

	// WorkerJobs counts jobs run by this process's workers by kind and result.
	WorkerJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cauldron_worker_jobs_total",
		Help: "Jobs executed by local workers by kind and result",
	}, []string{"kind", "result"})
)
