package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simforge_jobs_total",
			Help: "Jobs finished by terminal phase.",
		},
		[]string{"phase"},
	)

	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simforge_jobs_cache_hits_total",
			Help: "Jobs served from the cache without running the engine.",
		},
	)

	jobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "simforge_jobs_in_flight",
			Help: "Engine processes currently running.",
		},
	)

	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simforge_batches_total",
			Help: "Batches finished by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(cacheHitsTotal)
	prometheus.MustRegister(jobsInFlight)
	prometheus.MustRegister(batchesTotal)
}
