// Package metrics declares the Prometheus collectors exported at /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roundhouse_jobs_started_total",
			Help: "Jobs submitted to the scheduler",
		},
		[]string{"code"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roundhouse_jobs_completed_total",
			Help: "Jobs that reached a terminal state",
		},
		[]string{"code", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roundhouse_job_duration_seconds",
			Help:    "Wall time from job start to completion",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		},
		[]string{"code"},
	)

	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roundhouse_jobs_running",
			Help: "Jobs currently executing or queued",
		},
	)

	WatchdogState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roundhouse_watchdog_state",
			Help: "1 for the current watchdog state of each instance, 0 otherwise",
		},
		[]string{"instance", "state"},
	)

	HealthCheckMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roundhouse_health_check_misses_total",
			Help: "Health checks that timed out or failed",
		},
		[]string{"instance"},
	)

	WatchdogRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roundhouse_watchdog_restarts_total",
			Help: "Server process restarts by reason",
		},
		[]string{"instance", "reason"},
	)

	Deployments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roundhouse_deployments_total",
			Help: "Deployment pipeline runs by result",
		},
		[]string{"instance", "result"},
	)

	DeploymentStage = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roundhouse_deployment_stage_seconds",
			Help:    "Time spent in each deployment stage",
			Buckets: prometheus.ExponentialBuckets(0.5, 3, 8),
		},
		[]string{"stage"},
	)
)

// Instance formats an instance id as a label value.
func Instance(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// SetWatchdogState marks state as current for an instance and clears the
// others listed in all.
func SetWatchdogState(instanceID uint, state string, all []string) {
	label := Instance(instanceID)
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		WatchdogState.WithLabelValues(label, s).Set(v)
	}
}

// ObserveStage records how long a deployment stage took since start.
func ObserveStage(stage string, start time.Time) {
	DeploymentStage.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
