// Package metrics exposes the Prometheus collectors of the rotation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "photoframe_pool_assets",
		Help: "Number of assets in the current pool snapshot",
	})

	PoolRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photoframe_pool_refreshes_total",
			Help: "Pool refresh attempts by result",
		},
		[]string{"result"}, // "success", "failure"
	)

	Selections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "photoframe_rotation_selections_total",
		Help: "Assets committed to the rotation history",
	})

	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photoframe_cache_requests_total",
			Help: "Image cache lookups by tier and result",
		},
		[]string{"tier", "result"}, // tier: "memory", "disk"; result: "hit", "miss"
	)

	CacheBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "photoframe_cache_bytes",
			Help: "Bytes currently held by each cache tier",
		},
		[]string{"tier"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photoframe_cache_evictions_total",
			Help: "Entries evicted by each cache tier",
		},
		[]string{"tier"},
	)

	RemoteFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photoframe_remote_fetches_total",
			Help: "Image downloads from the photo library by result",
		},
		[]string{"result"},
	)

	RemoteFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "photoframe_remote_fetch_duration_seconds",
		Help:    "Duration of image downloads from the photo library",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "photoframe_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	Prefetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photoframe_prefetches_total",
			Help: "Prefetch attempts by result",
		},
		[]string{"result"}, // "warmed", "cached", "failed"
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photoframe_notifications_total",
			Help: "Display notifications by listener and result",
		},
		[]string{"listener", "result"}, // result: "delivered", "failed", "dropped"
	)
)
