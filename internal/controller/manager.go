package controller

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/nais/hahaha/internal/cache"
	"github.com/nais/hahaha/internal/config"
	"github.com/nais/hahaha/internal/health"
	"github.com/nais/hahaha/internal/leader"
	"github.com/nais/hahaha/internal/logging"
	"github.com/nais/hahaha/internal/metrics"
	"github.com/nais/hahaha/internal/queue"
	"github.com/nais/hahaha/internal/reconcile"
	"github.com/nais/hahaha/internal/resource"
	"github.com/nais/hahaha/internal/sidecar"
	"github.com/nais/hahaha/internal/store"
	"github.com/nais/hahaha/internal/worker"
)

// DefaultLabelSelector selects the pods that opted in.
const DefaultLabelSelector = "nais.io/ginuudan=enabled"

const serviceAccountNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// Config holds all configuration options for the controller.
// Values are typically populated from CLI flags or environment variables.
type Config struct {
	Logger *slog.Logger

	// HealthAddr serves /healthz, /readyz and /metrics.
	HealthAddr string

	// Workers is the number of concurrent reconciles.
	Workers int

	// ResyncPeriod re-enqueues every cached pod periodically. Zero disables it.
	ResyncPeriod time.Duration

	// BackoffBase and BackoffMax bound per-key retry delays.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxPermanentRetries is how often a key failing permanently is retried
	// before it is parked.
	MaxPermanentRetries int

	// QPS and Burst limit error retries across all keys.
	QPS   float64
	Burst int

	// DrainTimeout bounds how long in-flight reconciles get on shutdown.
	DrainTimeout time.Duration

	// LeaderElect enables leader election for high availability.
	// Required when running multiple replicas.
	LeaderElect bool

	// LeaderElectNS is the namespace for the leader election lease.
	// Defaults to the namespace the controller runs in.
	LeaderElectNS string

	// LeaderElectName is the name of the leader election lease.
	LeaderElectName string

	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration

	// Identity names this replica in the lease. Defaults to hostname_uuid.
	Identity string

	// LabelSelector and Namespace select the managed pods.
	LabelSelector string
	Namespace     string

	// ActionsFile extends or replaces the built-in sidecar actions and is
	// reloaded when it changes.
	ActionsFile string

	// Instance is the reporting instance on published events.
	Instance string
}

// deps are the external systems Run talks to.
type deps struct {
	store      store.Store
	leases     leader.LeaseClient
	shutdowner sidecar.Shutdowner
	recorder   sidecar.Recorder
	registry   prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// Run builds Kubernetes clients for the current context and runs the
// controller until ctx is cancelled. Errors returned are fatal.
func Run(ctx context.Context, cfg *Config) error {
	logger := logging.Module(orDefault(cfg.Logger), "controller")
	logger.Info("initializing controller")

	restConfig, err := ctrlconfig.GetConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load kubeconfig")
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return errors.Wrap(err, "failed to create kubernetes client")
	}

	dynamicClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return errors.Wrap(err, "failed to create dynamic client")
	}

	serverVersion, err := CheckServerVersion(clientset.Discovery())
	if err != nil {
		return err
	}

	logger.Info("connected to API server", "host", restConfig.Host, "version", serverVersion)

	d := deps{
		store: store.NewKube(dynamicClient, store.KubeConfig{
			Resource:      schema.GroupVersionResource{Version: "v1", Resource: "pods"},
			Namespace:     cfg.Namespace,
			LabelSelector: cfg.LabelSelector,
		}),
		shutdowner: sidecar.NewKubeShutdowner(restConfig, clientset),
		recorder:   sidecar.NewKubeRecorder(clientset.EventsV1(), cfg.Instance),
		registry:   ctrlmetrics.Registry,
		gatherer:   ctrlmetrics.Registry,
	}

	if cfg.LeaderElect {
		d.leases = leader.NewKubeLeaseClient(clientset.CoordinationV1(), leaseNamespace(cfg.LeaderElectNS), cfg.LeaderElectName)
	}

	return run(ctx, cfg, d)
}

//nolint:funlen // wiring
func run(ctx context.Context, cfg *Config, d deps) error {
	base := orDefault(cfg.Logger)
	logger := logging.Module(base, "controller")
	collector := metrics.NewCollector(d.registry)

	actions, err := config.LoadActions(cfg.ActionsFile)
	if err != nil {
		return errors.Wrap(err, "failed to load sidecar actions")
	}

	registry := config.NewRegistry(actions)
	logger.Info("loaded sidecar actions", "sidecars", registry.Names())

	work := queue.New(queue.Config{
		BackoffBase:         cfg.BackoffBase,
		BackoffMax:          cfg.BackoffMax,
		MaxPermanentRetries: cfg.MaxPermanentRetries,
		QPS:                 cfg.QPS,
		Burst:               cfg.Burst,
		Metrics:             collector,
		Logger:              base,
	})

	pods := cache.New(cache.Config{
		Store:        d.store,
		Handler:      enqueueHandler(work),
		ResyncPeriod: cfg.ResyncPeriod,
		Metrics:      collector,
		Logger:       base,
	})

	kind := sidecar.NewKind(sidecar.Config{
		Actions:    registry,
		Shutdowner: d.shutdowner,
		Recorder:   d.recorder,
		Metrics:    collector,
		Logger:     base,
	})

	reconciler := reconcile.New(reconcile.Config{
		Kind:   kind,
		Reader: pods,
		Store:  d.store,
		Logger: base,
	})

	pool := worker.New(worker.Config{
		Queue:        work,
		Reconciler:   reconciler,
		Workers:      cfg.Workers,
		DrainTimeout: cfg.DrainTimeout,
		Metrics:      collector,
		Logger:       base,
	})

	gate, err := newGate(cfg, d.leases, collector, base)
	if err != nil {
		return err
	}

	server := health.New(health.Config{
		Addr:     cfg.HealthAddr,
		Liveness: work,
		Leader:   gate,
		Synced:   pods,
		Gatherer: d.gatherer,
		Logger:   base,
	})

	group, groupCtx := errgroup.WithContext(ctx)

	// Workers that outlive a drain would overlap with the next term's, so a
	// drain timeout stops the whole controller.
	groupCtx, abort := context.WithCancelCause(groupCtx)
	defer abort(nil)

	group.Go(func() error {
		return server.Run(groupCtx)
	})

	// The cache runs on every replica so a new leader starts warm.
	group.Go(func() error {
		return pods.Run(groupCtx)
	})

	if cfg.ActionsFile != "" {
		watcher := config.NewWatcher(cfg.ActionsFile, registry, 0, base)

		group.Go(func() error {
			return watcher.Run(groupCtx)
		})
	}

	group.Go(func() error {
		defer work.ShutDown()

		err := gate.Run(groupCtx, func(leadCtx context.Context) {
			if !pods.WaitForSync(leadCtx) {
				return
			}

			logger.Info("leading, starting workers")

			if err := pool.Run(leadCtx); err != nil {
				logger.Error("workers stopped uncleanly", "error", err)

				if errors.Is(err, worker.ErrDrainTimeout) {
					abort(err)
				}
			}
		}, func() {
			logger.Info("stopped leading")
		})
		if err != nil {
			return err
		}

		if cause := context.Cause(groupCtx); errors.Is(cause, worker.ErrDrainTimeout) {
			return cause
		}

		return nil
	})

	if err := group.Wait(); err != nil {
		return errors.Wrap(err, "controller failed")
	}

	logger.Info("controller stopped")

	return nil
}

func newGate(cfg *Config, leases leader.LeaseClient, collector metrics.Collector, logger *slog.Logger) (leader.Gate, error) {
	if !cfg.LeaderElect {
		return leader.NewAlwaysLeader(collector), nil
	}

	if leases == nil {
		return nil, errors.New("leader election needs a lease client")
	}

	identity := cfg.Identity
	if identity == "" {
		identity = leader.DefaultIdentity()
	}

	elector, err := leader.New(leader.Config{
		Client:          leases,
		Identity:        identity,
		LeaseDuration:   cfg.LeaseDuration,
		RenewDeadline:   cfg.RenewDeadline,
		RetryPeriod:     cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Metrics:         collector,
		Logger:          logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "invalid leader election settings")
	}

	return elector, nil
}

// enqueueHandler forwards cache changes to the queue.
func enqueueHandler(work *queue.Queue) cache.Handler {
	return cache.HandlerFunc(func(key resource.Key, kind cache.ChangeKind) {
		work.Enqueue(key, queue.Reason(kind))
	})
}

// leaseNamespace falls back to the namespace the pod runs in.
func leaseNamespace(configured string) string {
	if configured != "" {
		return configured
	}

	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}

	if data, err := os.ReadFile(serviceAccountNamespaceFile); err == nil {
		if ns := strings.TrimSpace(string(data)); ns != "" {
			return ns
		}
	}

	return "default"
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}

	return logger
}
