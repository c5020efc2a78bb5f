package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kessler_jobs_completed_total",
		Help: "Total number of simulation jobs completed successfully.",
	})

	jobsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kessler_jobs_failed_total",
		Help: "Total number of simulation jobs that ended in failure.",
	})

	jobDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kessler_job_duration_seconds",
		Help:    "Wall-clock duration of simulation job execution.",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
	})

	staleRunningJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kessler_jobs_stale_running",
		Help: "Jobs observed in running past the staleness threshold.",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kessler_queue_depth",
		Help: "Tasks waiting for delivery.",
	})
)

func init() {
	prometheus.MustRegister(jobsCompletedTotal)
	prometheus.MustRegister(jobsFailedTotal)
	prometheus.MustRegister(jobDurationSeconds)
	prometheus.MustRegister(staleRunningJobs)
	prometheus.MustRegister(queueDepth)
}
