// Package metrics exposes the compute agent's Prometheus metrics:
// queue depth and occupancy, task outcomes, migration throughput, and
// sysinfo refresh counts.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cnagent_queue_depth",
			Help: "Number of pending tasks by queue",
		},
		[]string{"queue"},
	)

	QueueRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cnagent_queue_running",
			Help: "Number of running tasks by queue",
		},
		[]string{"queue"},
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnagent_tasks_total",
			Help: "Total number of tasks by kind and terminal outcome",
		},
		[]string{"kind", "outcome"},
	)

	WorkerCrashesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnagent_worker_crashes_total",
			Help: "Total number of workers that exited without a terminal IPC event",
		},
		[]string{"kind"},
	)

	PausedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cnagent_paused",
			Help: "Whether task admission is currently paused (1 = paused)",
		},
	)

	MigrationBytesPerSecond = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cnagent_migration_bytes_per_second",
			Help: "Moving-average transfer rate of the active migration send, by vm uuid",
		},
		[]string{"vm_uuid"},
	)

	SysinfoRefreshTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnagent_sysinfo_refresh_total",
			Help: "Total number of sysinfo sample refreshes performed",
		},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cnagent_api_request_duration_seconds",
			Help:    "HTTP request duration by route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		QueueRunning,
		TasksTotal,
		WorkerCrashesTotal,
		PausedGauge,
		MigrationBytesPerSecond,
		SysinfoRefreshTotal,
		APIRequestDuration,
	)
}

// Handler returns the promhttp handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one HTTP request's duration.
func ObserveRequest(route, status string, d time.Duration) {
	APIRequestDuration.WithLabelValues(route, status).Observe(d.Seconds())
}
