package sidecar

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"k8s.io/utils/clock"

	"github.com/nais/hahaha/internal/config"
	"github.com/nais/hahaha/internal/logging"
	"github.com/nais/hahaha/internal/metrics"
	"github.com/nais/hahaha/internal/reconcile"
	"github.com/nais/hahaha/internal/resource"
)

// OpShutdown asks a sidecar container to exit.
const OpShutdown reconcile.Op = "shutdown"

// DefaultRecheckAfter is how long a sidecar gets to exit before it is
// asked again.
const DefaultRecheckAfter = 30 * time.Second

// unsupportedWarnInterval limits repeated warnings about the same container.
const unsupportedWarnInterval = time.Hour

// Config configures a Kind.
type Config struct {
	Actions    *config.Registry
	Shutdowner Shutdowner
	Recorder   Recorder

	// RecheckAfter is the grace period after a successful shutdown before
	// a container still running is sent the action again.
	RecheckAfter time.Duration

	Clock   clock.PassiveClock
	Metrics metrics.Collector
	Logger  *slog.Logger
}

// Kind reconciles pods with lingering sidecars.
type Kind struct {
	actions      *config.Registry
	shutdowner   Shutdowner
	recorder     Recorder
	recheckAfter time.Duration
	clock        clock.PassiveClock
	metrics      metrics.Collector
	logger       *slog.Logger

	mu sync.Mutex
	// quiet maps a pod UID and container to the time until which it is
	// left alone, either after a shutdown or after a warning.
	quiet map[string]time.Time
}

var _ reconcile.Kind = (*Kind)(nil)

// NewKind creates a Kind.
func NewKind(cfg Config) *Kind {
	if cfg.Actions == nil {
		cfg.Actions = config.NewRegistry(config.DefaultActions())
	}

	if cfg.RecheckAfter <= 0 {
		cfg.RecheckAfter = DefaultRecheckAfter
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

	return &Kind{
		actions:      cfg.Actions,
		shutdowner:   cfg.Shutdowner,
		recorder:     cfg.Recorder,
		recheckAfter: cfg.RecheckAfter,
		clock:        cfg.Clock,
		metrics:      cfg.Metrics,
		logger:       logging.Module(cfg.Logger, "sidecar"),
		quiet:        make(map[string]time.Time),
	}
}

// Finalizer implements reconcile.Kind. Pod deletion is never blocked.
func (k *Kind) Finalizer() string {
	return ""
}

// Diff implements reconcile.Kind.
func (k *Kind) Diff(ctx context.Context, snapshot *resource.Snapshot, _ reconcile.Reader) (reconcile.Plan, error) {
	pod, err := ParsePod(snapshot)
	if err != nil {
		return reconcile.Plan{}, reconcile.Permanent(err)
	}

	running := pod.RunningSidecars()
	if len(running) == 0 {
		return reconcile.Plan{}, nil
	}

	now := k.clock.Now()
	k.prune(now)

	log := k.logger.With("pod", pod.Key.String(), "main", pod.MainContainer())

	var (
		plan    reconcile.Plan
		waiting bool
	)

	for _, container := range running {
		action, ok := k.actions.Lookup(container)
		if !ok {
			if !k.silenced("unsupported", pod.UID, container, now) {
				k.silence("unsupported", pod.UID, container, now.Add(unsupportedWarnInterval))
				log.Warn("don't know how to shut down sidecar", "container", container)
				k.metrics.RecordUnsupportedSidecar(ctx, container, pod.JobName(), pod.Key.Namespace)
			}

			continue
		}

		if k.silenced("shutdown", pod.UID, container, now) {
			waiting = true

			continue
		}

		plan.Actions = append(plan.Actions, reconcile.Action{Op: OpShutdown, Target: container, Data: action})
	}

	if len(plan.Actions) > 0 {
		log.Info("pod needs help shutting down residual containers", "containers", targets(plan.Actions))
	}

	if len(plan.Actions) > 0 || waiting {
		plan.RequeueAfter = k.recheckAfter
	}

	return plan, nil
}

// Apply implements reconcile.Kind.
//
//nolint:wrapcheck // errors.Newf creates new errors
func (k *Kind) Apply(ctx context.Context, snapshot *resource.Snapshot, action reconcile.Action) error {
	if action.Op != OpShutdown {
		return reconcile.Permanent(errors.Newf("unsupported operation %q", action.Op))
	}

	shutdown, ok := action.Data.(config.Action)
	if !ok {
		return reconcile.Permanent(errors.Newf("action for %s carries %T", action.Target, action.Data))
	}

	pod, err := ParsePod(snapshot)
	if err != nil {
		return reconcile.Permanent(err)
	}

	container := action.Target
	log := k.logger.With("pod", pod.Key.String(), "container", container, "action", shutdown.String())

	err = k.shutdowner.Shutdown(ctx, pod.Key, container, shutdown)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(err, "shutdown of %s interrupted", container)
		}

		log.Error("failed to shut down sidecar", "error", err)
		k.metrics.RecordFailedSidecarShutdown(ctx, container, pod.JobName(), pod.Key.Namespace)
		k.publish(ctx, pod, failureEvent(container))

		return errors.Wrapf(err, "failed to shut down %s", container)
	}

	k.silence("shutdown", pod.UID, container, k.clock.Now().Add(k.recheckAfter))

	log.Info("sent shutdown to sidecar")
	k.metrics.RecordSidecarShutdown(ctx, container, pod.JobName(), pod.Key.Namespace)
	k.publish(ctx, pod, successEvent(container))

	return nil
}

// StatusMap implements reconcile.Kind. Pod status belongs to the kubelet, so
// outcomes are published as events instead.
func (k *Kind) StatusMap(*resource.Snapshot, reconcile.Outcome) (json.RawMessage, bool) {
	return nil, false
}

// Finalize implements reconcile.Kind.
func (k *Kind) Finalize(context.Context, *resource.Snapshot) error {
	return nil
}

func (k *Kind) publish(ctx context.Context, pod *Pod, event Event) {
	if k.recorder == nil {
		return
	}

	if err := k.recorder.Publish(ctx, pod, event); err != nil {
		k.logger.Warn("failed to publish event", "pod", pod.Key.String(), "error", err)
		k.metrics.RecordUnsuccessfulEventPost(ctx)
	}
}

func quietKey(scope, uid, container string) string {
	return scope + "/" + uid + "/" + container
}

// silence leaves uid/container alone in scope until until.
func (k *Kind) silence(scope, uid, container string, until time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.quiet[quietKey(scope, uid, container)] = until
}

func (k *Kind) silenced(scope, uid, container string, now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	until, ok := k.quiet[quietKey(scope, uid, container)]

	return ok && until.After(now)
}

func (k *Kind) prune(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for key, until := range k.quiet {
		if !until.After(now) {
			delete(k.quiet, key)
		}
	}
}

func targets(actions []reconcile.Action) []string {
	out := make([]string, 0, len(actions))
	for _, action := range actions {
		out = append(out, action.Target)
	}

	return out
}
