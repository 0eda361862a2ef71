package cache

import "github.com/prometheus/client_golang/prometheus"

var (
	lookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simforge_cache_lookups_total",
			Help: "Cache lookups by result (hit, miss, corrupt).",
		},
		[]string{"result"},
	)

	storesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simforge_cache_stores_total",
			Help: "Cache entry commits by result.",
		},
		[]string{"result"},
	)

	lockWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simforge_cache_lock_wait_seconds",
			Help:    "Time spent waiting for a per-key cache lock.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(lookupsTotal)
	prometheus.MustRegister(storesTotal)
	prometheus.MustRegister(lockWaitSeconds)
}
