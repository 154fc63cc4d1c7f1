// ============================================================================
// Digest Scheduler Metrics - Prometheus instruments
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Record digest search executions and scheduler health
//
// Metrics:
//
//   1. Counters:
//      - digest_search_executions_total{category}
//      - digest_search_failures_total{category}
//      - digest_enqueue_failures_total{reason}
//      - digest_ticks_total
//      - digest_ticks_skipped_total     (previous tick still running)
//
//   2. Histograms:
//      - digest_search_duration_seconds{category}
//      - digest_search_results{category}
//      - digest_tick_duration_seconds
//
//   3. Gauges:
//      - digest_queue_pending
//      - digest_queue_capacity
//      - digest_worker_running
//
// Example queries:
//
//   # failure ratio per category
//   rate(digest_search_failures_total[5m])
//     / (rate(digest_search_executions_total[5m]) + rate(digest_search_failures_total[5m]))
//
//   # ticks overlapping the interval
//   rate(digest_ticks_skipped_total[15m])
//
// ============================================================================

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

const namespace = "digest"

// Collector implements the scheduler's observer hooks on Prometheus.
type Collector struct {
	// search executions
	searchExecutions *prometheus.CounterVec
	searchFailures   *prometheus.CounterVec
	searchDuration   *prometheus.HistogramVec
	searchResults    *prometheus.HistogramVec

	// scheduler
	enqueueFailures *prometheus.CounterVec
	ticks           prometheus.Counter
	ticksSkipped    prometheus.Counter
	tickDuration    prometheus.Histogram

	// state
	queuePending  prometheus.Gauge
	queueCapacity prometheus.Gauge
	workerRunning prometheus.Gauge
}

// NewCollector creates the instruments and registers them on reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		searchExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_executions_total",
			Help:      "Digest searches that completed successfully",
		}, []string{"category"}),
		searchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_failures_total",
			Help:      "Digest searches that failed and were left due for the next tick",
		}, []string{"category"}),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Digest search latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"category"}),
		searchResults: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results",
			Help:      "Items returned per digest search",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}, []string{"category"}),
		enqueueFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueue_failures_total",
			Help:      "Due subscriptions that could not be queued",
		}, []string{"reason"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduler ticks executed",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_skipped_total",
			Help:      "Scheduler ticks skipped because the previous tick was still running",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one scheduler tick",
			Buckets:   prometheus.DefBuckets,
		}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Jobs waiting in the digest queue",
		}),
		queueCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_capacity",
			Help:      "Configured digest queue capacity",
		}),
		workerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_running",
			Help:      "1 while the scheduler loop is running",
		}),
	}

	reg.MustRegister(
		c.searchExecutions,
		c.searchFailures,
		c.searchDuration,
		c.searchResults,
		c.enqueueFailures,
		c.ticks,
		c.ticksSkipped,
		c.tickDuration,
		c.queuePending,
		c.queueCapacity,
		c.workerRunning,
	)
	return c
}

// RecordSearchExecution records one successful digest search.
func (c *Collector) RecordSearchExecution(e types.SearchExecution) {
	cat := string(e.Category)
	c.searchExecutions.WithLabelValues(cat).Inc()
	c.searchDuration.WithLabelValues(cat).Observe(float64(e.DurationMs) / 1000)
	c.searchResults.WithLabelValues(cat).Observe(float64(e.ResultCount))
}

// RecordSearchFailure records a failed digest search.
func (c *Collector) RecordSearchFailure(category types.Category) {
	c.searchFailures.WithLabelValues(string(category)).Inc()
}

// RecordEnqueueFailure records a due subscription that was not queued.
// reason is a short label such as "capacity" or "validation".
func (c *Collector) RecordEnqueueFailure(reason string) {
	c.enqueueFailures.WithLabelValues(reason).Inc()
}

// RecordTick records a completed tick.
func (c *Collector) RecordTick(took time.Duration) {
	c.ticks.Inc()
	c.tickDuration.Observe(took.Seconds())
}

// RecordTickSkipped records a tick dropped because another was running.
func (c *Collector) RecordTickSkipped() {
	c.ticksSkipped.Inc()
}

// UpdateQueueStats sets the queue gauges.
func (c *Collector) UpdateQueueStats(snap types.QueueSnapshot) {
	c.queuePending.Set(float64(snap.Pending))
	c.queueCapacity.Set(float64(snap.MaxSize))
}

// SetWorkerRunning flips the worker gauge.
func (c *Collector) SetWorkerRunning(running bool) {
	if running {
		c.workerRunning.Set(1)
		return
	}
	c.workerRunning.Set(0)
}
