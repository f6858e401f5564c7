package cmd

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nais/hahaha/internal/controller"
)

func defaults() *viper.Viper {
	v := viper.New()
	v.Set("health-addr", ":8999")
	v.Set("workers", 2)
	v.Set("backoff-base", time.Second)
	v.Set("backoff-max", time.Minute)
	v.Set("leader-election-name", "hahaha")
	v.Set("label-selector", controller.DefaultLabelSelector)
	v.Set("log", "info")
	v.Set("log-format", "json")

	return v
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	v := defaults()
	v.Set("leader-elect", true)
	v.Set("namespace", "team")
	v.Set("lease-duration", "20s")

	cfg, err := loadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, ":8999", cfg.HealthAddr)
	assert.Equal(t, 2, cfg.Workers)
	assert.True(t, cfg.LeaderElect)
	assert.Equal(t, "team", cfg.Namespace)
	assert.Equal(t, 20*time.Second, cfg.LeaseDuration)
	assert.Equal(t, controller.DefaultLabelSelector, cfg.LabelSelector)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     string
		value   any
		wantErr string
	}{
		{name: "no workers", key: "workers", value: 0, wantErr: "workers must be at least 1"},
		{name: "inverted backoff", key: "backoff-base", value: 2 * time.Minute, wantErr: "exceeds backoff-max"},
		{name: "empty selector", key: "label-selector", value: "", wantErr: "label-selector"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v := defaults()
			v.Set(tt.key, tt.value)

			_, err := loadConfig(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_LeaseNameRequired(t *testing.T) {
	t.Parallel()

	v := defaults()
	v.Set("leader-elect", true)
	v.Set("leader-election-name", "")

	_, err := loadConfig(v)
	require.Error(t, err)
}

func TestSetupLogger(t *testing.T) {
	t.Parallel()

	v := defaults()
	v.Set("log", "warn,queue=debug")

	logger, err := setupLogger(v)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	v.Set("log", "queue=loud")

	_, err = setupLogger(v)
	require.Error(t, err)

	v = defaults()
	v.Set("log-format", "xml")

	_, err = setupLogger(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log-format")
}

func TestFlagsAreBound(t *testing.T) {
	t.Parallel()

	for _, name := range []string{
		"log", "log-format", "health-addr", "workers", "resync-period", "backoff-base", "backoff-max",
		"max-permanent-retries", "qps", "burst", "drain-timeout", "leader-elect",
		"leader-election-namespace", "leader-election-name", "lease-duration", "renew-deadline",
		"retry-period", "identity", "label-selector", "namespace", "actions-file", "instance",
	} {
		assert.NotNil(t, rootCmd.Flag(name), name)
	}
}

func TestLoadConfig_EmptyInstanceFallsBack(t *testing.T) {
	t.Parallel()

	v := defaults()
	v.Set("instance", "")

	cfg, err := loadConfig(v)
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Instance)
	assert.Equal(t, defaultInstance(), cfg.Instance)
	assert.Equal(t, defaultInstance(), rootCmd.Flag("instance").DefValue)
}
