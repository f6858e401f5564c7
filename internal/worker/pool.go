// Package worker runs reconciles for keys pulled from the queue.
package worker

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/nais/hahaha/internal/logging"
	"github.com/nais/hahaha/internal/metrics"
	"github.com/nais/hahaha/internal/queue"
	"github.com/nais/hahaha/internal/reconcile"
	"github.com/nais/hahaha/internal/resource"
)

// Defaults.
const (
	DefaultWorkers      = 2
	DefaultDrainTimeout = 30 * time.Second
)

// ErrDrainTimeout is returned by Run when workers are still busy after the
// drain window.
var ErrDrainTimeout = errors.New("workers did not drain in time")

// Queue hands out keys one worker at a time.
type Queue interface {
	Get(ctx context.Context) (queue.Item, error)
	Done(key resource.Key, result reconcile.Result)
}

// Reconciler drives one key.
type Reconciler interface {
	Reconcile(ctx context.Context, key resource.Key) reconcile.Result
}

// Config configures a Pool.
type Config struct {
	Queue      Queue
	Reconciler Reconciler

	// Workers is the fixed number of concurrent reconciles.
	Workers int

	// DrainTimeout bounds how long Run waits for in-flight reconciles after
	// ctx is cancelled.
	DrainTimeout time.Duration

	Clock   clock.Clock
	Metrics metrics.Collector
	Logger  *slog.Logger
}

// Pool is a fixed set of workers sharing one queue.
type Pool struct {
	queue        Queue
	reconciler   Reconciler
	workers      int
	drainTimeout time.Duration
	clock        clock.Clock
	metrics      metrics.Collector
	logger       *slog.Logger
}

// New creates a Pool.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoopCollector()
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pool{
		queue:        cfg.Queue,
		reconciler:   cfg.Reconciler,
		workers:      cfg.Workers,
		drainTimeout: cfg.DrainTimeout,
		clock:        cfg.Clock,
		metrics:      cfg.Metrics,
		logger:       logging.Module(cfg.Logger, "worker"),
	}
}

// Run starts the workers and blocks until ctx is cancelled or the queue shuts
// down. In-flight reconciles see ctx cancelled; Run waits up to DrainTimeout
// for them before it returns ErrDrainTimeout.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting workers", "workers", p.workers)

	var group errgroup.Group

	for id := range p.workers {
		group.Go(func() error {
			p.work(ctx, id)

			return nil
		})
	}

	done := make(chan error, 1)

	go func() {
		done <- group.Wait()
	}()

	select {
	case err := <-done:
		p.logger.Info("workers stopped")

		return err
	case <-ctx.Done():
	}

	timer := p.clock.NewTimer(p.drainTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		p.logger.Info("workers drained")

		return err
	case <-timer.C():
		p.logger.Error("workers did not drain in time", "drainTimeout", p.drainTimeout)

		return ErrDrainTimeout
	}
}

func (p *Pool) work(ctx context.Context, id int) {
	log := p.logger.With("worker", id)

	for {
		item, err := p.queue.Get(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrShutdown) && ctx.Err() == nil {
				log.Error("failed to get work", "error", err)
			}

			return
		}

		result := p.process(ctx, log, item)
		p.queue.Done(item.Key, result)
	}
}

func (p *Pool) process(ctx context.Context, log *slog.Logger, item queue.Item) (result reconcile.Result) {
	log = log.With("key", item.Key.String(), "reason", string(item.Reason), "attempts", item.Attempts)
	start := p.clock.Now()

	defer func() {
		if recovered := recover(); recovered != nil {
			log.Error("reconcile panicked", "panic", recovered, "stack", string(debug.Stack()))

			//nolint:wrapcheck // errors.Mark creates new errors
			result = reconcile.Error(errors.Mark(
				errors.Newf("reconcile of %s panicked: %v", item.Key, recovered),
				reconcile.ErrInvariant,
			))
		}

		// An error caused by shutdown is an interruption, not a failure.
		if result.IsError() && ctx.Err() != nil && !reconcile.IsCancelled(result.Err) {
			result.Err = errors.Mark(result.Err, context.Canceled)
		}

		p.observe(ctx, log, result, p.clock.Since(start))
	}()

	log.Debug("reconciling")

	return p.reconciler.Reconcile(ctx, item.Key)
}

func (p *Pool) observe(ctx context.Context, log *slog.Logger, result reconcile.Result, duration time.Duration) {
	p.metrics.RecordReconcile(ctx, result.String(), duration)

	switch {
	case result.IsError() && reconcile.IsCancelled(result.Err):
		log.Debug("reconcile interrupted", "error", result.Err)
	case result.IsError():
		p.metrics.RecordReconcileError(ctx, metrics.ClassifyError(result.Err))

		if reconcile.IsPermanent(result.Err) {
			log.Error("reconcile failed permanently", "error", result.Err, "duration", duration)
		} else {
			log.Warn("reconcile failed", "error", result.Err, "duration", duration)
		}
	case result.RequeueAfter > 0:
		log.Debug("reconciled, re-check scheduled", "requeueAfter", result.RequeueAfter, "duration", duration)
	default:
		log.Debug("reconciled", "duration", duration)
	}
}
