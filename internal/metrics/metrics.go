package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "review_gateway"

var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Cache hits by tier (local, shared).",
	}, []string{"tier"})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Lookups that missed both cache tiers.",
	})

	CacheDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_shared_degraded_total",
		Help:      "Shared cache tier operations that failed and were absorbed.",
	}, []string{"op"})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_evictions_total",
		Help:      "Expired in-process entries removed by the sweep.",
	})

	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_calls_total",
		Help:      "Domain operations by outcome.",
	}, []string{"operation", "outcome"})

	LocalLimitHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "local_limit_hits_total",
		Help:      "Requests denied by the local minute/day counters.",
	}, []string{"limit"})

	QuotaBackoffs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quota_backoffs_total",
		Help:      "Provider-signaled quota exhaustion events.",
	})

	CredentialRotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_rotations_total",
		Help:      "OAuth client credential rotations.",
	})

	TransientRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transient_retries_total",
		Help:      "Retries scheduled after a transient provider failure.",
	})

	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refreshes_total",
		Help:      "OAuth access token refreshes by outcome.",
	}, []string{"outcome"})
)
