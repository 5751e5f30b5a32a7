// Package metrics registers the worker's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsCompleted counts jobs finished successfully, per queue.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docgather_jobs_completed_total",
		Help: "Jobs completed successfully, by queue.",
	}, []string{"queue"})

	// JobsFailed counts jobs that exhausted their attempts, per queue.
	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docgather_jobs_failed_total",
		Help: "Jobs failed permanently, by queue.",
	}, []string{"queue"})

	// LLMCacheHits counts LLM response cache hits, by cache prefix.
	LLMCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docgather_llm_cache_hits_total",
		Help: "LLM response cache hits, by prefix.",
	}, []string{"prefix"})

	// LLMCacheMisses counts LLM response cache misses, by cache prefix.
	LLMCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docgather_llm_cache_misses_total",
		Help: "LLM response cache misses, by prefix.",
	}, []string{"prefix"})

	// DispatcherRetries counts rate-limited requests returned to the front
	// of the dispatch queue.
	DispatcherRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docgather_dispatcher_retries_total",
		Help: "Provider calls re-queued after a 429.",
	})
)
