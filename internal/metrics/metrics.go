// ============================================================================
// Process Pool Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose Prometheus metrics for the pool.
//
// Monitoring Philosophy:
//   Based on RED (Rate, Errors, Duration) and USE (Utilization,
//   Saturation, Errors). Grounded on the teacher's Collector
//   (internal/metrics/metrics.go), mapped from its job-queue vocabulary
//   onto this pool's task/worker vocabulary.
//
// Metric Categories:
//
//   Every metric name carries the procpool_ prefix.
//
//   1. Task Counters - cumulative, monotonically increasing:
//      - procpool_tasks_scheduled_total
//      - procpool_tasks_completed_total
//      - procpool_tasks_failed_total
//      - procpool_tasks_timed_out_total
//
//   2. Worker Counters:
//      - procpool_workers_spawned_total
//      - procpool_workers_died_total
//
//   3. Performance Metrics (Histogram):
//      - procpool_task_latency_seconds: time from dispatch to terminal future
//
//   4. Status Metrics (Gauge):
//      - procpool_pool_state: the Pool's current state, as its PoolState ordinal
//      - procpool_tasks_pending, procpool_tasks_in_flight
//
// Prometheus Query Examples:
//
//   # Tasks per minute
//   rate(procpool_tasks_completed_total[1m])
//
//   # 95th percentile task latency
//   histogram_quantile(0.95, procpool_task_latency_seconds_bucket)
//
//   # Worker churn
//   rate(procpool_workers_died_total[5m])
//
// HTTP Endpoint:
//   Exposed via /metrics, scraped by Prometheus. Default port: 9090.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects the pool's Prometheus metrics.
type Collector struct {
	tasksScheduled prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksTimedOut  prometheus.Counter

	workersSpawned prometheus.Counter
	workersDied    prometheus.Counter

	taskLatency prometheus.Histogram

	poolState    prometheus.Gauge
	tasksPending prometheus.Gauge
	tasksActive  prometheus.Gauge
}

// NewCollector creates and registers a new metrics collector. Pass a
// *prometheus.Registry (rather than the global DefaultRegisterer) in
// tests so repeated pool construction doesn't panic on double
// registration.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tasksScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procpool_tasks_scheduled_total",
			Help: "Total number of tasks submitted to the pool",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procpool_tasks_completed_total",
			Help: "Total number of tasks that completed without error",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procpool_tasks_failed_total",
			Help: "Total number of tasks that completed with an error",
		}),
		tasksTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procpool_tasks_timed_out_total",
			Help: "Total number of tasks that exceeded their timeout",
		}),
		workersSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procpool_workers_spawned_total",
			Help: "Total number of worker processes spawned",
		}),
		workersDied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procpool_workers_died_total",
			Help: "Total number of worker processes that exited unexpectedly",
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "procpool_task_latency_seconds",
			Help:    "Time from task dispatch to terminal future resolution",
			Buckets: prometheus.DefBuckets,
		}),
		poolState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procpool_pool_state",
			Help: "Current pool state (0=CREATED,1=RUNNING,2=CLOSED,3=STOPPED,4=ERROR)",
		}),
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procpool_tasks_pending",
			Help: "Current number of tasks waiting in the queue",
		}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procpool_tasks_in_flight",
			Help: "Current number of tasks dispatched to a worker",
		}),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		c.tasksScheduled, c.tasksCompleted, c.tasksFailed, c.tasksTimedOut,
		c.workersSpawned, c.workersDied, c.taskLatency,
		c.poolState, c.tasksPending, c.tasksActive,
	)

	return c
}

// RecordScheduled records a task entering the queue.
func (c *Collector) RecordScheduled() { c.tasksScheduled.Inc() }

// RecordCompleted records a successful task with its latency.
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.tasksCompleted.Inc()
	c.taskLatency.Observe(latencySeconds)
}

// RecordFailed records a task that finished with a user or IPC error.
func (c *Collector) RecordFailed(latencySeconds float64) {
	c.tasksFailed.Inc()
	c.taskLatency.Observe(latencySeconds)
}

// RecordTimedOut records a task that exceeded its timeout.
func (c *Collector) RecordTimedOut() { c.tasksTimedOut.Inc() }

// RecordWorkerSpawned records a new worker process.
func (c *Collector) RecordWorkerSpawned() { c.workersSpawned.Inc() }

// RecordWorkerDied records an unexpected worker exit.
func (c *Collector) RecordWorkerDied() { c.workersDied.Inc() }

// SetPoolState reports the pool's current state as a gauge.
func (c *Collector) SetPoolState(state int32) { c.poolState.Set(float64(state)) }

// SetQueueStats reports current queue depth and in-flight count.
func (c *Collector) SetQueueStats(pending, inFlight int) {
	c.tasksPending.Set(float64(pending))
	c.tasksActive.Set(float64(inFlight))
}

// StartServer starts the Prometheus metrics HTTP server on port, serving
// the default registry at /metrics.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
