package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nais/hahaha/internal/controller"
	"github.com/nais/hahaha/internal/leader"
	"github.com/nais/hahaha/internal/logging"
	"github.com/nais/hahaha/internal/queue"
	"github.com/nais/hahaha/internal/worker"
)

//nolint:gochecknoglobals // set by SetVersion from main
var (
	version = "development"
	gitsha  = "development"
)

func SetVersion(ver, sha string) {
	version = ver
	gitsha = sha
}

//nolint:gochecknoglobals // cobra command pattern
var rootCmd = &cobra.Command{
	Use:   "hahaha",
	Short: "Shuts down sidecars of finished Kubernetes jobs",
	Long: `hahaha watches pods labelled nais.io/ginuudan=enabled. Once the main
container of such a pod has terminated it shuts down the sidecars that are
still running so the pod, and the job owning it, can complete.`,
	RunE:          runController,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log", logging.DefaultFilter, "Log filter, e.g. info,queue=debug,kube=off")
	rootCmd.PersistentFlags().String("log-format", logging.FormatJSON, "Log format (json, text, console)")

	rootCmd.Flags().String("health-addr", ":8999", "Address for health probes and metrics")
	rootCmd.Flags().Int("workers", worker.DefaultWorkers, "Number of concurrent reconciles")
	rootCmd.Flags().Duration("resync-period", 0, "Re-enqueue every cached pod this often (0 disables)")
	rootCmd.Flags().Duration("backoff-base", queue.DefaultBackoffBase, "First retry delay after a failed reconcile")
	rootCmd.Flags().Duration("backoff-max", queue.DefaultBackoffMax, "Cap on the retry delay")
	rootCmd.Flags().Int("max-permanent-retries", queue.DefaultMaxPermanentRetries,
		"Retries of a permanently failing pod before it is parked")
	rootCmd.Flags().Float64("qps", queue.DefaultQPS, "Overall retry rate limit")
	rootCmd.Flags().Int("burst", queue.DefaultBurst, "Overall retry burst")
	rootCmd.Flags().Duration("drain-timeout", worker.DefaultDrainTimeout, "Time in-flight reconciles get on shutdown")

	// Leader election flags
	rootCmd.Flags().Bool("leader-elect", false, "Enable leader election for high availability")
	rootCmd.Flags().String("leader-election-namespace", "", "Namespace for leader election lease (defaults to controller namespace)")
	rootCmd.Flags().String("leader-election-name", "hahaha", "Name of the leader election lease")
	rootCmd.Flags().Duration("lease-duration", leader.DefaultLeaseDuration, "How long a lease is valid without renewal")
	rootCmd.Flags().Duration("renew-deadline", leader.DefaultRenewDeadline, "How long the leader retries renewing before stepping down")
	rootCmd.Flags().Duration("retry-period", leader.DefaultRetryPeriod, "Interval between lease acquire or renew attempts")
	rootCmd.Flags().String("identity", "", "Identity in the lease (defaults to hostname_uuid)")

	// Pod selection and sidecar flags
	rootCmd.Flags().String("label-selector", controller.DefaultLabelSelector, "Label selector for managed pods")
	rootCmd.Flags().String("namespace", "", "Only manage pods in this namespace (defaults to all)")
	rootCmd.Flags().String("actions-file", "", "YAML or JSON file with additional sidecar shutdown actions")
	rootCmd.Flags().String("instance", defaultInstance(), "Reporting instance on published events")

	_ = viper.BindPFlags(rootCmd.Flags())
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	viper.SetEnvPrefix("HAHAHA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("log", logging.DefaultFilter)
	viper.SetDefault("log-format", logging.FormatJSON)
	viper.SetDefault("health-addr", ":8999")
	viper.SetDefault("leader-elect", false)
	viper.SetDefault("leader-election-name", "hahaha")
	viper.SetDefault("label-selector", controller.DefaultLabelSelector)
}

func Execute() error {
	return errors.Wrap(rootCmd.Execute(), "command execution failed")
}

func setupLogger(v *viper.Viper) (*slog.Logger, error) {
	filter, err := logging.ParseFilter(v.GetString("log"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid --log")
	}

	logger, err := logging.New(os.Stdout, v.GetString("log-format"), filter)
	if err != nil {
		return nil, errors.Wrap(err, "invalid --log-format")
	}

	return logger, nil
}

// defaultInstance names this replica on events. The API server rejects
// events without a reporting instance.
func defaultInstance() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}

	return "hahaha"
}

// loadConfig reads the controller settings from v.
func loadConfig(v *viper.Viper) (*controller.Config, error) {
	cfg := &controller.Config{
		HealthAddr:          v.GetString("health-addr"),
		Workers:             v.GetInt("workers"),
		ResyncPeriod:        v.GetDuration("resync-period"),
		BackoffBase:         v.GetDuration("backoff-base"),
		BackoffMax:          v.GetDuration("backoff-max"),
		MaxPermanentRetries: v.GetInt("max-permanent-retries"),
		QPS:                 v.GetFloat64("qps"),
		Burst:               v.GetInt("burst"),
		DrainTimeout:        v.GetDuration("drain-timeout"),

		LeaderElect:     v.GetBool("leader-elect"),
		LeaderElectNS:   v.GetString("leader-election-namespace"),
		LeaderElectName: v.GetString("leader-election-name"),
		LeaseDuration:   v.GetDuration("lease-duration"),
		RenewDeadline:   v.GetDuration("renew-deadline"),
		RetryPeriod:     v.GetDuration("retry-period"),
		Identity:        v.GetString("identity"),

		LabelSelector: v.GetString("label-selector"),
		Namespace:     v.GetString("namespace"),
		ActionsFile:   v.GetString("actions-file"),
		Instance:      v.GetString("instance"),
	}

	if cfg.Instance == "" {
		cfg.Instance = defaultInstance()
	}

	if cfg.Workers < 1 {
		return nil, errors.Newf("workers must be at least 1, got %d", cfg.Workers)
	}

	if cfg.BackoffMax > 0 && cfg.BackoffBase > cfg.BackoffMax {
		return nil, errors.Newf("backoff-base %s exceeds backoff-max %s", cfg.BackoffBase, cfg.BackoffMax)
	}

	if cfg.LeaderElect && cfg.LeaderElectName == "" {
		return nil, errors.New("leader-election-name is required when leader-elect is enabled")
	}

	if cfg.LabelSelector == "" {
		return nil, errors.New("label-selector must not be empty")
	}

	return cfg, nil
}

//nolint:noinlineerr // inline error handling is fine here
func runController(_ *cobra.Command, _ []string) error {
	logger, err := setupLogger(viper.GetViper())
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)

		return err
	}

	logging.Install(logger)

	logger.Info("starting hahaha",
		"version", version,
		"gitsha", gitsha,
	)

	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		logger.Error("invalid configuration", "error", err)

		return err
	}

	cfg.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := controller.Run(ctx, cfg); err != nil {
		logger.Error("controller failed", "error", err)

		return errors.Wrap(err, "failed to run controller")
	}

	return nil
}
