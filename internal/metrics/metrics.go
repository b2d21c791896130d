package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache store, labelled by store name.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mayotv_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mayotv_cache_misses_total",
			Help: "Total number of cache misses, including expired entries",
		},
		[]string{"cache"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mayotv_cache_evictions_total",
			Help: "Entries removed by expiry or by the entry/size limits",
		},
		[]string{"cache", "reason"}, // "expired", "limit"
	)

	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mayotv_cache_entries",
			Help: "Current number of in-memory cache entries",
		},
		[]string{"cache"},
	)

	CacheSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mayotv_cache_size_bytes",
			Help: "Estimated serialized size of in-memory cache entries",
		},
		[]string{"cache"},
	)

	CacheDurableErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mayotv_cache_durable_errors_total",
			Help: "Durable slot failures that degraded to memory-only caching",
		},
		[]string{"cache", "operation"},
	)

	CacheRemoteChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mayotv_cache_remote_changes_total",
			Help: "Slot changes received from other processes and applied in memory",
		},
		[]string{"cache"},
	)

	// Fetcher.
	FetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mayotv_fetch_attempts_total",
			Help: "Per-URL fetch attempts by resource and outcome",
		},
		[]string{"resource", "outcome"}, // "ok", "http_error", "decode_error", "transport_error", "breaker_open"
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mayotv_fetch_duration_seconds",
			Help:    "Duration of a full resource fetch including fallbacks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource"},
	)

	// Directory orchestrator.
	DirectoryLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mayotv_directory_loads_total",
			Help: "Full directory loads by origin",
		},
		[]string{"origin"}, // "cache", "fresh", "demo"
	)

	DirectoryChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mayotv_directory_channels",
			Help: "Channels in the most recently aggregated directory",
		},
	)

	RefreshJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mayotv_refresh_jobs_total",
			Help: "Directory refresh jobs processed by the worker",
		},
		[]string{"outcome"}, // "ok", "error", "locked"
	)
)
