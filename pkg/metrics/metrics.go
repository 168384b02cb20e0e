package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection pool metrics
var (
	PoolConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imapcache_pool_connections_in_use",
			Help: "Upstream connections currently checked out to a client session",
		},
	)

	PoolConnectionsRetained = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imapcache_pool_connections_retained",
			Help: "Idle upstream connections kept for reuse",
		},
	)

	PoolConnectionsPeak = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imapcache_pool_connections_peak",
			Help: "Highest number of connections in use at the same time",
		},
	)

	PoolSlotsFree = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imapcache_pool_slots_free",
			Help: "Unused connection slots",
		},
	)

	PoolConnectionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imapcache_pool_connections_created_total",
			Help: "Authenticated upstream connections added to the pool",
		},
	)

	PoolConnectionsReused = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imapcache_pool_connections_reused_total",
			Help: "Logins served from an idle pooled connection",
		},
	)

	PoolEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapcache_pool_evictions_total",
			Help: "Pooled connections closed, by reason",
		},
		[]string{"reason"},
	)

	PoolExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imapcache_pool_exhausted_total",
			Help: "Fresh logins that found no free slot even after reclaiming idle connections",
		},
	)
)

// Login metrics
var (
	Acquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapcache_acquisitions_total",
			Help: "Connection acquisitions by path (cache or fresh) and result",
		},
		[]string{"path", "result"},
	)

	AcquisitionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapcache_acquisition_failures_total",
			Help: "Failed acquisitions by the step that failed",
		},
		[]string{"state"},
	)

	UpstreamLoginDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imapcache_upstream_login_duration_seconds",
			Help:    "Time from dial to tagged login response for fresh connections",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)

	UpstreamDials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapcache_upstream_dials_total",
			Help: "Connection attempts to upstream servers",
		},
		[]string{"backend", "result"},
	)
)
