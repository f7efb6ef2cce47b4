// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_enqueued_total",
		Help: "Total number of jobs enqueued, by queue",
	}, []string{"queue"})
	JobsDequeued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_dequeued_total",
		Help: "Total number of jobs dequeued by a worker, by queue",
	}, []string{"queue"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs whose task body returned without error, by queue",
	}, []string{"queue"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs whose task body errored or panicked, by queue",
	}, []string{"queue"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of job processing durations, by queue",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current number of pending jobs, by queue",
	}, []string{"queue"})
	WorkerActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "1 if a (queue, worker#) process is currently running a job, else 0",
	}, []string{"queue", "worker"})
	StartupReconciledJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "startup_reconciled_jobs_total",
		Help: "Jobs moved from an orphaned processing list back onto the main queue during master startup, by queue",
	}, []string{"queue"})
	CronEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cron_enqueued_total",
		Help: "Jobs enqueued by the cron scheduler, by command",
	}, []string{"command"})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued, JobsDequeued, JobsCompleted, JobsFailed,
		JobProcessingDuration, QueueLength, WorkerActive,
		StartupReconciledJobs, CronEnqueued,
	)
}
