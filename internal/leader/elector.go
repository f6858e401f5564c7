package leader

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/nais/hahaha/internal/logging"
	"github.com/nais/hahaha/internal/metrics"
	"github.com/nais/hahaha/internal/store"
)

// Defaults match the client-go leader election defaults used by most
// controllers.
const (
	DefaultLeaseDuration = 15 * time.Second
	DefaultRenewDeadline = 10 * time.Second
	DefaultRetryPeriod   = 2 * time.Second

	// JitterFactor spreads acquisition attempts of competing replicas.
	JitterFactor = 1.2

	releasedLeaseDuration = time.Second
)

// Gate runs work only while leading.
type Gate interface {
	// Run blocks until ctx is done. onStarted is called with a context that
	// is cancelled when leadership ends; onStopped is called after onStarted
	// has returned.
	Run(ctx context.Context, onStarted func(ctx context.Context), onStopped func()) error

	// IsLeader reports whether onStarted is currently allowed to run.
	IsLeader() bool
}

// Config configures an Elector.
type Config struct {
	Client   LeaseClient
	Identity string

	// LeaseDuration is how long non-holders wait after the last observed
	// change before they may take the Lease.
	LeaseDuration time.Duration

	// RenewDeadline is how long the holder keeps retrying a renewal before
	// it gives up leadership. Must be shorter than LeaseDuration.
	RenewDeadline time.Duration

	// RetryPeriod is the interval between acquisition and renewal attempts.
	RetryPeriod time.Duration

	// ReleaseOnCancel clears the holder when ctx is cancelled so another
	// replica can take over without waiting for expiry.
	ReleaseOnCancel bool

	Clock   clock.Clock
	Metrics metrics.Collector
	Logger  *slog.Logger
}

type attempt int

const (
	attemptFailed attempt = iota
	attemptAcquired
	attemptHeldByOther
)

// Elector campaigns for a Lease and gates work on holding it.
type Elector struct {
	cfg     Config
	logger  *slog.Logger
	leading atomic.Bool

	mu         sync.Mutex
	observed   *Lease
	observedAt time.Time
}

var _ Gate = (*Elector)(nil)

// New validates cfg and returns an Elector.
func New(cfg Config) (*Elector, error) {
	if cfg.Client == nil {
		return nil, errors.New("lease client is required")
	}

	if cfg.Identity == "" {
		return nil, errors.New("identity is required")
	}

	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}

	if cfg.RenewDeadline == 0 {
		cfg.RenewDeadline = DefaultRenewDeadline
	}

	if cfg.RetryPeriod == 0 {
		cfg.RetryPeriod = DefaultRetryPeriod
	}

	if cfg.LeaseDuration <= cfg.RenewDeadline {
		return nil, errors.Newf("lease duration %s must be greater than renew deadline %s",
			cfg.LeaseDuration, cfg.RenewDeadline)
	}

	if float64(cfg.RenewDeadline) <= JitterFactor*float64(cfg.RetryPeriod) {
		return nil, errors.Newf("renew deadline %s must be greater than %.1f * retry period %s",
			cfg.RenewDeadline, JitterFactor, cfg.RetryPeriod)
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

	return &Elector{
		cfg:    cfg,
		logger: logging.Module(cfg.Logger, "leader").With("lease", cfg.Client.Describe(), "identity", cfg.Identity),
	}, nil
}

// DefaultIdentity returns hostname_uuid, unique per process.
func DefaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "hahaha"
	}

	return host + "_" + uuid.NewString()
}

// IsLeader implements Gate.
func (e *Elector) IsLeader() bool {
	return e.leading.Load()
}

// Run implements Gate. It campaigns until it holds the Lease, runs
// onStarted while renewing, and campaigns again after a loss. If onStarted
// returns on its own the Lease is released and Run returns.
func (e *Elector) Run(ctx context.Context, onStarted func(ctx context.Context), onStopped func()) error {
	for {
		if !e.acquire(ctx) {
			return nil
		}

		selfExit := e.lead(ctx, onStarted)

		if onStopped != nil {
			onStopped()
		}

		if ctx.Err() != nil {
			if e.cfg.ReleaseOnCancel {
				e.release(ctx)
			}

			return nil
		}

		if selfExit {
			e.release(ctx)

			return nil
		}
	}
}

func (e *Elector) acquire(ctx context.Context) bool {
	e.logger.Info("attempting to acquire lease")

	for {
		switch e.tryAcquireOrRenew(ctx) {
		case attemptAcquired:
			e.setLeading(ctx, true)
			e.logger.Info("acquired lease")

			return true
		case attemptHeldByOther:
			e.logger.Debug("lease is held by another replica", "holder", e.holder())
		case attemptFailed:
		}

		select {
		case <-ctx.Done():
			return false
		case <-e.cfg.Clock.After(wait.Jitter(e.cfg.RetryPeriod, JitterFactor)):
		}
	}
}

// lead runs onStarted until leadership ends. Leadership is reported as lost
// immediately, but lead only returns once onStarted has returned. The result
// is true if onStarted returned while the Lease was still held.
func (e *Elector) lead(ctx context.Context, onStarted func(ctx context.Context)) bool {
	leadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		onStarted(leadCtx)
	}()

	selfExit := e.renew(leadCtx, stopped)

	e.setLeading(ctx, false)
	cancel()
	<-stopped

	if ctx.Err() == nil && !selfExit {
		e.logger.Warn("lost lease")
	}

	return selfExit
}

// renew keeps the Lease fresh. It returns when ctx is done, when a renewal
// attempt fails for longer than RenewDeadline, when another holder is
// observed, or when stopped is closed. The result is true only in the last
// case.
func (e *Elector) renew(ctx context.Context, stopped <-chan struct{}) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-stopped:
			return true
		case <-e.cfg.Clock.After(e.cfg.RetryPeriod):
		}

		deadline := e.cfg.Clock.Now().Add(e.cfg.RenewDeadline)

		for renewed := false; !renewed; {
			attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.RenewDeadline)
			outcome := e.tryAcquireOrRenew(attemptCtx)

			cancel()

			switch outcome {
			case attemptAcquired:
				renewed = true

				continue
			case attemptHeldByOther:
				e.logger.Warn("lease was taken by another replica", "holder", e.holder())

				return false
			case attemptFailed:
			}

			if !e.cfg.Clock.Now().Add(e.cfg.RetryPeriod).Before(deadline) {
				e.logger.Error("failed to renew lease before deadline", "renewDeadline", e.cfg.RenewDeadline)

				return false
			}

			select {
			case <-ctx.Done():
				return false
			case <-stopped:
				return true
			case <-e.cfg.Clock.After(e.cfg.RetryPeriod):
			}
		}
	}
}

// tryAcquireOrRenew makes one conditional write. Expiry of a foreign Lease
// is judged by when this replica last saw the record change, not by the
// holder's clock.
func (e *Elector) tryAcquireOrRenew(ctx context.Context) attempt {
	now := e.cfg.Clock.Now()
	desired := &Lease{
		Holder:     e.cfg.Identity,
		AcquiredAt: now,
		RenewTime:  now,
		Duration:   e.cfg.LeaseDuration,
	}

	current, err := e.cfg.Client.Get(ctx)
	if err != nil {
		if !store.IsNotFound(err) {
			e.logger.Error("failed to get lease", "error", err)

			return attemptFailed
		}

		created, createErr := e.cfg.Client.Create(ctx, desired)
		if createErr != nil {
			e.logger.Warn("failed to create lease", "error", createErr)

			return attemptFailed
		}

		e.observe(created, now)

		return attemptAcquired
	}

	e.mu.Lock()
	if !current.Equal(e.observed) {
		e.observed = current
		e.observedAt = now
	}
	observedAt := e.observedAt
	e.mu.Unlock()

	foreign := current.Holder != "" && current.Holder != e.cfg.Identity
	if foreign && observedAt.Add(current.Duration).After(now) {
		return attemptHeldByOther
	}

	if current.Holder == e.cfg.Identity {
		desired.AcquiredAt = current.AcquiredAt
		desired.Transitions = current.Transitions
	} else {
		desired.Transitions = current.Transitions + 1
	}

	desired.Version = current.Version

	updated, err := e.cfg.Client.Update(ctx, desired)
	if err != nil {
		if store.IsConflict(err) {
			e.logger.Debug("lease changed during update", "error", err)
		} else {
			e.logger.Error("failed to update lease", "error", err)
		}

		return attemptFailed
	}

	e.observe(updated, now)

	return attemptAcquired
}

// release clears the holder so the next replica need not wait for expiry.
func (e *Elector) release(ctx context.Context) {
	e.mu.Lock()
	observed := e.observed
	e.mu.Unlock()

	if observed == nil || observed.Holder != e.cfg.Identity {
		return
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RenewDeadline)
	defer cancel()

	now := e.cfg.Clock.Now()

	released, err := e.cfg.Client.Update(releaseCtx, &Lease{
		RenewTime:   now,
		Duration:    releasedLeaseDuration,
		Transitions: observed.Transitions,
		Version:     observed.Version,
	})
	if err != nil {
		e.logger.Error("failed to release lease", "error", err)

		return
	}

	e.observe(released, now)
	e.logger.Info("released lease")
}

func (e *Elector) observe(lease *Lease, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.observed = lease
	e.observedAt = at
}

func (e *Elector) holder() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.observed == nil {
		return ""
	}

	return e.observed.Holder
}

func (e *Elector) setLeading(ctx context.Context, leading bool) {
	e.leading.Store(leading)
	e.cfg.Metrics.RecordLeader(ctx, leading)
}

// AlwaysLeader is a Gate for single-replica deployments.
type AlwaysLeader struct {
	leading atomic.Bool
	metrics metrics.Collector
}

var _ Gate = (*AlwaysLeader)(nil)

// NewAlwaysLeader returns a Gate that leads for as long as Run runs.
func NewAlwaysLeader(collector metrics.Collector) *AlwaysLeader {
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}

	return &AlwaysLeader{metrics: collector}
}

// Run implements Gate.
func (a *AlwaysLeader) Run(ctx context.Context, onStarted func(ctx context.Context), onStopped func()) error {
	a.leading.Store(true)
	a.metrics.RecordLeader(ctx, true)

	onStarted(ctx)

	a.leading.Store(false)
	a.metrics.RecordLeader(ctx, false)

	if onStopped != nil {
		onStopped()
	}

	return nil
}

// IsLeader implements Gate.
func (a *AlwaysLeader) IsLeader() bool {
	return a.leading.Load()
}
