package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		expr        string
		wantDefault slog.Level
		wantModules map[string]slog.Level
		wantErr     bool
	}{
		{
			name:        "empty expression",
			expr:        "",
			wantDefault: slog.LevelInfo,
			wantModules: map[string]slog.Level{},
		},
		{
			name:        "default filter",
			expr:        DefaultFilter,
			wantDefault: slog.LevelInfo,
			wantModules: map[string]slog.Level{"kube": slog.LevelWarn},
		},
		{
			name:        "several modules with spaces",
			expr:        " debug , kube=error, cache = trace ",
			wantDefault: slog.LevelDebug,
			wantModules: map[string]slog.Level{"kube": slog.LevelError, "cache": LevelTrace},
		},
		{
			name:        "later entries win",
			expr:        "warn,info,queue=debug,queue=off",
			wantDefault: slog.LevelInfo,
			wantModules: map[string]slog.Level{"queue": LevelOff},
		},
		{
			name:    "unknown level",
			expr:    "loud",
			wantErr: true,
		},
		{
			name:    "unknown module level",
			expr:    "info,kube=chatty",
			wantErr: true,
		},
		{
			name:    "missing module name",
			expr:    "=debug",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			filter, err := ParseFilter(tt.expr)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantDefault, filter.Default)
			assert.Equal(t, tt.wantModules, filter.Modules)
		})
	}
}

func TestFilterLevel(t *testing.T) {
	t.Parallel()

	filter, err := ParseFilter("warn,cache=debug,cache.watch=error")
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, filter.Level("cache"))
	assert.Equal(t, slog.LevelError, filter.Level("cache.watch"))
	assert.Equal(t, slog.LevelDebug, filter.Level("cache.relist"), "falls back to parent module")
	assert.Equal(t, slog.LevelWarn, filter.Level("queue"))
	assert.Equal(t, slog.LevelWarn, filter.Level(""))
	assert.Equal(t, slog.LevelDebug, filter.Lowest())
}

func TestFilterString(t *testing.T) {
	t.Parallel()

	filter, err := ParseFilter("info,queue=trace,kube=warn")
	require.NoError(t, err)

	assert.Equal(t, "info,kube=warn,queue=trace", filter.String())

	again, err := ParseFilter(filter.String())
	require.NoError(t, err)
	assert.Equal(t, filter, again)
}
