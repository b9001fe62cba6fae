// Package metrics exposes the Prometheus instrumentation for the queue
// core: job flow counters, queue depth gauges and latency histograms.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relayq/relayq/internal/domain"
)

// Collector owns the metric families. A nil *Collector is a valid no-op so
// callers never guard instrumentation sites.
type Collector struct {
	registry *prometheus.Registry

	jobsEnqueued  *prometheus.CounterVec
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsRetried   *prometheus.CounterVec
	jobsCancelled *prometheus.CounterVec
	jobsDead      *prometheus.CounterVec

	execDuration *prometheus.HistogramVec
	waitDuration *prometheus.HistogramVec

	queueLength   *prometheus.GaugeVec
	workersBusy   *prometheus.GaugeVec
	schedulerFire *prometheus.CounterVec
}

// latencyBuckets cover millisecond dispatches through multi-minute batch jobs.
var latencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300}

// NewCollector registers the metric families on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayq_jobs_enqueued_total",
			Help: "Jobs accepted by enqueue.",
		}, []string{"queue", "task", "priority"}),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayq_jobs_started_total",
			Help: "Job attempts started.",
		}, []string{"queue", "task"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayq_jobs_completed_total",
			Help: "Jobs completed successfully.",
		}, []string{"queue", "task"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayq_jobs_failed_total",
			Help: "Jobs that ended FAILED (retries exhausted or terminal error) without a dead-letter target.",
		}, []string{"queue", "task", "error_kind"}),
		jobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayq_jobs_retried_total",
			Help: "Failed attempts rescheduled for retry.",
		}, []string{"queue", "task", "error_kind"}),
		jobsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayq_jobs_cancelled_total",
			Help: "Jobs cancelled before or during execution.",
		}, []string{"queue", "task"}),
		jobsDead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayq_jobs_dead_total",
			Help: "Jobs routed to a dead-letter queue.",
		}, []string{"queue", "task", "error_kind"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relayq_job_execution_seconds",
			Help:    "Handler execution time.",
			Buckets: latencyBuckets,
		}, []string{"queue", "task"}),
		waitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relayq_job_wait_seconds",
			Help:    "Time between eligibility and reservation.",
			Buckets: latencyBuckets,
		}, []string{"queue", "task"}),
		queueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayq_queue_length",
			Help: "Pending jobs per queue.",
		}, []string{"queue"}),
		workersBusy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayq_worker_in_flight",
			Help: "Jobs currently executing per worker.",
		}, []string{"worker"}),
		schedulerFire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayq_schedule_fires_total",
			Help: "Schedule boundary firings by outcome.",
		}, []string{"schedule", "outcome"}),
	}
	registry.MustRegister(
		c.jobsEnqueued, c.jobsStarted, c.jobsCompleted, c.jobsFailed,
		c.jobsRetried, c.jobsCancelled, c.jobsDead,
		c.execDuration, c.waitDuration,
		c.queueLength, c.workersBusy, c.schedulerFire,
	)
	return c
}

// Handler serves the scrape endpoint.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) JobEnqueued(queue, task string, p domain.Priority) {
	if c == nil {
		return
	}
	c.jobsEnqueued.WithLabelValues(queue, task, p.String()).Inc()
}

func (c *Collector) JobStarted(queue, task string) {
	if c == nil {
		return
	}
	c.jobsStarted.WithLabelValues(queue, task).Inc()
}

func (c *Collector) JobCompleted(queue, task string, dur time.Duration) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(queue, task).Inc()
	c.execDuration.WithLabelValues(queue, task).Observe(dur.Seconds())
}

func (c *Collector) JobFailed(queue, task string, kind domain.ErrorKind) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(queue, task, string(kind)).Inc()
}

func (c *Collector) JobRetried(queue, task string, kind domain.ErrorKind) {
	if c == nil {
		return
	}
	c.jobsRetried.WithLabelValues(queue, task, string(kind)).Inc()
}

func (c *Collector) JobCancelled(queue, task string) {
	if c == nil {
		return
	}
	c.jobsCancelled.WithLabelValues(queue, task).Inc()
}

func (c *Collector) JobDead(queue, task string, kind domain.ErrorKind) {
	if c == nil {
		return
	}
	c.jobsDead.WithLabelValues(queue, task, string(kind)).Inc()
}

func (c *Collector) ObserveWait(queue, task string, dur time.Duration) {
	if c == nil {
		return
	}
	if dur < 0 {
		dur = 0
	}
	c.waitDuration.WithLabelValues(queue, task).Observe(dur.Seconds())
}

func (c *Collector) SetQueueLength(queue string, length int64) {
	if c == nil {
		return
	}
	c.queueLength.WithLabelValues(queue).Set(float64(length))
}

func (c *Collector) SetWorkerInFlight(worker string, n int) {
	if c == nil {
		return
	}
	c.workersBusy.WithLabelValues(worker).Set(float64(n))
}

func (c *Collector) ScheduleFired(schedule, outcome string) {
	if c == nil {
		return
	}
	c.schedulerFire.WithLabelValues(schedule, outcome).Inc()
}
