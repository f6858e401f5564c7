package reconcile

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/multierr"

	"github.com/nais/hahaha/internal/logging"
	"github.com/nais/hahaha/internal/resource"
	"github.com/nais/hahaha/internal/store"
)

// DefaultMaxRequeueAfter bounds the re-check delay a Kind may ask for.
const DefaultMaxRequeueAfter = 10 * time.Minute

// Config configures a Reconciler.
type Config struct {
	Kind   Kind
	Reader Reader
	Store  store.Store

	// MaxRequeueAfter caps Plan.RequeueAfter.
	MaxRequeueAfter time.Duration

	Logger *slog.Logger
}

// Reconciler runs the per-key state machine.
type Reconciler struct {
	kind            Kind
	reader          Reader
	store           store.Store
	maxRequeueAfter time.Duration
	logger          *slog.Logger
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.MaxRequeueAfter <= 0 {
		cfg.MaxRequeueAfter = DefaultMaxRequeueAfter
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Reconciler{
		kind:            cfg.Kind,
		reader:          cfg.Reader,
		store:           cfg.Store,
		maxRequeueAfter: cfg.MaxRequeueAfter,
		logger:          logging.Module(cfg.Logger, "reconcile"),
	}
}

// Reconcile drives key toward its desired state once.
func (r *Reconciler) Reconcile(ctx context.Context, key resource.Key) Result {
	snapshot, ok := r.reader.Get(key)
	if !ok {
		// Deleted, or never seen. Nothing is left to drive.
		r.logger.Debug("resource not in cache", "key", key.String())

		return Done()
	}

	log := r.logger.With("key", key.String(), "resourceVersion", snapshot.ResourceVersion)

	if snapshot.IsTerminating() {
		return r.reconcileDelete(ctx, log, snapshot)
	}

	return r.reconcileNormal(ctx, log, snapshot)
}

func (r *Reconciler) reconcileDelete(ctx context.Context, log *slog.Logger, snapshot *resource.Snapshot) Result {
	finalizer := r.kind.Finalizer()
	if finalizer == "" || !snapshot.HasFinalizer(finalizer) {
		return Done()
	}

	if err := r.kind.Finalize(ctx, snapshot); err != nil {
		return Error(errors.Wrapf(err, "failed to finalize %s", snapshot.Key))
	}

	_, err := r.store.Update(ctx, snapshot.WithoutFinalizer(finalizer))

	switch {
	case err == nil:
		log.Info("released finalizer", "finalizer", finalizer)

		return Done()
	case store.IsNotFound(err):
		return Done()
	default:
		return Error(errors.Wrapf(err, "failed to remove finalizer from %s", snapshot.Key))
	}
}

func (r *Reconciler) reconcileNormal(ctx context.Context, log *slog.Logger, snapshot *resource.Snapshot) Result {
	if finalizer := r.kind.Finalizer(); finalizer != "" && !snapshot.HasFinalizer(finalizer) {
		updated, err := r.store.Update(ctx, snapshot.WithFinalizer(finalizer))
		if err != nil {
			if store.IsNotFound(err) {
				return Done()
			}

			return Error(errors.Wrapf(err, "failed to add finalizer to %s", snapshot.Key))
		}

		log.Debug("added finalizer", "finalizer", finalizer)

		snapshot = updated
	}

	plan, err := r.kind.Diff(ctx, snapshot, r.reader)
	if err != nil {
		err = errors.Wrapf(err, "failed to compute actions for %s", snapshot.Key)

		return Error(multierr.Append(err, r.writeStatus(ctx, snapshot, Outcome{Err: err})))
	}

	outcome := r.apply(ctx, log, snapshot, plan)

	if statusErr := r.writeStatus(ctx, snapshot, outcome); statusErr != nil {
		return Error(multierr.Append(outcome.Err, statusErr))
	}

	if outcome.Err != nil {
		return Error(outcome.Err)
	}

	if plan.RequeueAfter > 0 {
		return RequeueAfter(min(plan.RequeueAfter, r.maxRequeueAfter))
	}

	return Done()
}

func (r *Reconciler) apply(ctx context.Context, log *slog.Logger, snapshot *resource.Snapshot, plan Plan) Outcome {
	outcome := Outcome{Plan: plan}

	for _, action := range plan.Actions {
		if ctx.Err() != nil {
			outcome.Err = multierr.Append(outcome.Err, errors.Wrap(ctx.Err(), "run interrupted"))

			break
		}

		if err := r.kind.Apply(ctx, snapshot, action); err != nil {
			outcome.Failed = append(outcome.Failed, ActionError{Action: action, Err: err})
			outcome.Err = multierr.Append(outcome.Err,
				errors.Wrapf(err, "failed to %s %s", action.Op, action.Target))

			continue
		}

		log.Debug("applied action", "op", string(action.Op), "target", action.Target)

		outcome.Applied = append(outcome.Applied, action)
	}

	return outcome
}

// writeStatus writes the kind's status view conditioned on the version that
// was read. A conflict surfaces as a transient error.
func (r *Reconciler) writeStatus(ctx context.Context, snapshot *resource.Snapshot, outcome Outcome) error {
	status, write := r.kind.StatusMap(snapshot, outcome)
	if !write || bytes.Equal(status, snapshot.Status) {
		return nil
	}

	next := snapshot.DeepCopy()
	next.Status = status

	_, err := r.store.UpdateStatus(ctx, next)

	switch {
	case err == nil, store.IsNotFound(err):
		return nil
	default:
		return errors.Wrapf(err, "failed to write status of %s", snapshot.Key)
	}
}
