package supervisor

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simforge_process_runs_total",
			Help: "Engine process runs by exit classification.",
		},
		[]string{"exit"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simforge_process_duration_seconds",
			Help:    "Wall-clock duration of engine process runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
}
