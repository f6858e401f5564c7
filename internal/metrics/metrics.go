// Package metrics provides Prometheus metrics instrumentation for the controller.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector provides metrics recording interface.
// This allows components to record metrics without direct prometheus dependency.
//
//nolint:interfacebloat // All methods are needed for comprehensive metrics coverage
type Collector interface {
	// Sidecar metrics
	RecordSidecarShutdown(ctx context.Context, container, jobName, namespace string)
	RecordFailedSidecarShutdown(ctx context.Context, container, jobName, namespace string)
	RecordUnsupportedSidecar(ctx context.Context, container, jobName, namespace string)
	RecordUnsuccessfulEventPost(ctx context.Context)

	// Reconcile metrics
	RecordReconcile(ctx context.Context, result string, duration time.Duration)
	RecordReconcileError(ctx context.Context, errorType string)

	// Queue metrics
	RecordQueueDepth(ctx context.Context, depth int)
	RecordQueueAdd(ctx context.Context, reason string)
	RecordQueueRetry(ctx context.Context, delay time.Duration)

	// Cache metrics
	RecordCacheObjects(ctx context.Context, count int)
	RecordWatchRestart(ctx context.Context, reason string)
	RecordRelist(ctx context.Context)

	// Leader election metrics
	RecordLeader(ctx context.Context, leading bool)
}

// prometheusCollector implements Collector using Prometheus metrics.
type prometheusCollector struct {
	// Sidecar metrics
	sidecarShutdowns       *prometheus.CounterVec
	failedSidecarShutdowns *prometheus.CounterVec
	unsupportedSidecars    *prometheus.CounterVec
	unsuccessfulEventPosts prometheus.Counter

	// Reconcile metrics
	reconcileDuration    *prometheus.HistogramVec
	reconcileErrorsTotal *prometheus.CounterVec

	// Queue metrics
	queueDepth        prometheus.Gauge
	queueAddsTotal    *prometheus.CounterVec
	queueRetryDelay   prometheus.Histogram
	queueRetriesTotal prometheus.Counter

	// Cache metrics
	cacheObjects       prometheus.Gauge
	watchRestartsTotal *prometheus.CounterVec
	relistsTotal       prometheus.Counter

	// Leader election metrics
	leader prometheus.Gauge
}

// NewCollector creates a new Prometheus metrics collector and registers metrics.
func NewCollector(reg prometheus.Registerer) Collector {
	c := &prometheusCollector{}
	c.initSidecarMetrics()
	c.initReconcileMetrics()
	c.initQueueMetrics()
	c.initCacheMetrics()
	c.initLeaderMetrics()
	c.register(reg)

	return c
}

// RecordSidecarShutdown counts a sidecar that was shut down.
func (c *prometheusCollector) RecordSidecarShutdown(_ context.Context, container, jobName, namespace string) {
	c.sidecarShutdowns.WithLabelValues(container, jobName, namespace).Inc()
}

// RecordFailedSidecarShutdown counts a sidecar shutdown attempt that failed.
func (c *prometheusCollector) RecordFailedSidecarShutdown(_ context.Context, container, jobName, namespace string) {
	c.failedSidecarShutdowns.WithLabelValues(container, jobName, namespace).Inc()
}

// RecordUnsupportedSidecar counts a running sidecar with no registered action.
func (c *prometheusCollector) RecordUnsupportedSidecar(_ context.Context, container, jobName, namespace string) {
	c.unsupportedSidecars.WithLabelValues(container, jobName, namespace).Inc()
}

// RecordUnsuccessfulEventPost counts an Event that could not be published.
func (c *prometheusCollector) RecordUnsuccessfulEventPost(_ context.Context) {
	c.unsuccessfulEventPosts.Inc()
}

// RecordReconcile records one reconcile run by result.
func (c *prometheusCollector) RecordReconcile(_ context.Context, result string, duration time.Duration) {
	c.reconcileDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordReconcileError records a failed reconcile by error type.
func (c *prometheusCollector) RecordReconcileError(_ context.Context, errorType string) {
	c.reconcileErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordQueueDepth records the number of keys waiting in the queue.
func (c *prometheusCollector) RecordQueueDepth(_ context.Context, depth int) {
	c.queueDepth.Set(float64(depth))
}

// RecordQueueAdd records an enqueue by reason.
func (c *prometheusCollector) RecordQueueAdd(_ context.Context, reason string) {
	c.queueAddsTotal.WithLabelValues(reason).Inc()
}

// RecordQueueRetry records a retry scheduled after a failure.
func (c *prometheusCollector) RecordQueueRetry(_ context.Context, delay time.Duration) {
	c.queueRetriesTotal.Inc()
	c.queueRetryDelay.Observe(delay.Seconds())
}

// RecordCacheObjects records the number of cached resources.
func (c *prometheusCollector) RecordCacheObjects(_ context.Context, count int) {
	c.cacheObjects.Set(float64(count))
}

// RecordWatchRestart records a watch stream restart by reason.
func (c *prometheusCollector) RecordWatchRestart(_ context.Context, reason string) {
	c.watchRestartsTotal.WithLabelValues(reason).Inc()
}

// RecordRelist records a full relist of the watched collection.
func (c *prometheusCollector) RecordRelist(_ context.Context) {
	c.relistsTotal.Inc()
}

// RecordLeader records whether this replica currently holds the lease.
func (c *prometheusCollector) RecordLeader(_ context.Context, leading bool) {
	if leading {
		c.leader.Set(1)

		return
	}

	c.leader.Set(0)
}

func (c *prometheusCollector) initSidecarMetrics() {
	labels := []string{"container", "job_name", "namespace"}

	c.sidecarShutdowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hahaha_sidecar_shutdowns",
			Help: "Number of sidecars successfully shut down",
		},
		labels,
	)
	c.failedSidecarShutdowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hahaha_failed_sidecar_shutdowns",
			Help: "Number of sidecar shutdowns that failed",
		},
		labels,
	)
	c.unsupportedSidecars = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hahaha_unsupported_sidecars",
			Help: "Number of running sidecars without a registered shutdown action",
		},
		labels,
	)
	c.unsuccessfulEventPosts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hahaha_total_unsuccessful_event_posts",
			Help: "Number of Kubernetes Events that could not be published",
		},
	)
}

func (c *prometheusCollector) initReconcileMetrics() {
	c.reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hahaha_reconcile_duration_seconds",
			Help:    "Duration of reconcile runs by result",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"result"},
	)
	c.reconcileErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hahaha_reconcile_errors_total",
			Help: "Total failed reconcile runs by error type",
		},
		[]string{"error_type"},
	)
}

func (c *prometheusCollector) initQueueMetrics() {
	c.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hahaha_queue_depth",
			Help: "Number of keys waiting in the work queue",
		},
	)
	c.queueAddsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hahaha_queue_adds_total",
			Help: "Total enqueue calls by reason",
		},
		[]string{"reason"},
	)
	c.queueRetryDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hahaha_queue_retry_delay_seconds",
			Help:    "Delay applied before retrying a failed key",
			Buckets: []float64{0.005, 0.05, 0.5, 1, 5, 30, 60, 300, 1000},
		},
	)
	c.queueRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hahaha_queue_retries_total",
			Help: "Total retries scheduled after failed reconciles",
		},
	)
}

func (c *prometheusCollector) initCacheMetrics() {
	c.cacheObjects = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hahaha_cache_objects",
			Help: "Number of resources held in the cache",
		},
	)
	c.watchRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hahaha_watch_restarts_total",
			Help: "Total watch stream restarts by reason",
		},
		[]string{"reason"},
	)
	c.relistsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hahaha_cache_relists_total",
			Help: "Total full relists after watch invalidation",
		},
	)
}

func (c *prometheusCollector) initLeaderMetrics() {
	c.leader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hahaha_leader",
			Help: "Whether this replica holds the leader lease (1) or not (0)",
		},
	)
}

func (c *prometheusCollector) register(reg prometheus.Registerer) {
	reg.MustRegister(
		c.sidecarShutdowns,
		c.failedSidecarShutdowns,
		c.unsupportedSidecars,
		c.unsuccessfulEventPosts,
		c.reconcileDuration,
		c.reconcileErrorsTotal,
		c.queueDepth,
		c.queueAddsTotal,
		c.queueRetryDelay,
		c.queueRetriesTotal,
		c.cacheObjects,
		c.watchRestartsTotal,
		c.relistsTotal,
		c.leader,
	)
}

// NoopCollector is a no-op implementation of Collector for testing.
type NoopCollector struct{}

// NewNoopCollector creates a new no-op collector.
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

// RecordSidecarShutdown is a no-op.
func (c *NoopCollector) RecordSidecarShutdown(_ context.Context, _, _, _ string) {}

// RecordFailedSidecarShutdown is a no-op.
func (c *NoopCollector) RecordFailedSidecarShutdown(_ context.Context, _, _, _ string) {}

// RecordUnsupportedSidecar is a no-op.
func (c *NoopCollector) RecordUnsupportedSidecar(_ context.Context, _, _, _ string) {}

// RecordUnsuccessfulEventPost is a no-op.
func (c *NoopCollector) RecordUnsuccessfulEventPost(_ context.Context) {}

// RecordReconcile is a no-op.
func (c *NoopCollector) RecordReconcile(_ context.Context, _ string, _ time.Duration) {}

// RecordReconcileError is a no-op.
func (c *NoopCollector) RecordReconcileError(_ context.Context, _ string) {}

// RecordQueueDepth is a no-op.
func (c *NoopCollector) RecordQueueDepth(_ context.Context, _ int) {}

// RecordQueueAdd is a no-op.
func (c *NoopCollector) RecordQueueAdd(_ context.Context, _ string) {}

// RecordQueueRetry is a no-op.
func (c *NoopCollector) RecordQueueRetry(_ context.Context, _ time.Duration) {}

// RecordCacheObjects is a no-op.
func (c *NoopCollector) RecordCacheObjects(_ context.Context, _ int) {}

// RecordWatchRestart is a no-op.
func (c *NoopCollector) RecordWatchRestart(_ context.Context, _ string) {}

// RecordRelist is a no-op.
func (c *NoopCollector) RecordRelist(_ context.Context) {}

// RecordLeader is a no-op.
func (c *NoopCollector) RecordLeader(_ context.Context, _ bool) {}
