package sidecar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nais/hahaha/internal/config"
	"github.com/nais/hahaha/internal/resource"
)

func TestSendRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		wantErr string
	}{
		{name: "ok", status: http.StatusOK},
		{name: "accepted is not ok", status: http.StatusAccepted, wantErr: "returned 202"},
		{name: "server error", status: http.StatusServiceUnavailable, wantErr: "returned 503: draining"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var gotMethod, gotPath, gotHost string

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotMethod, gotPath, gotHost = r.Method, r.URL.Path, r.Host

				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("draining\n"))
			}))
			defer server.Close()

			action := config.Action{Type: config.ActionPortForward, Method: http.MethodPost, Path: "/quitquitquit", Port: 15000}
			err := SendRequest(context.Background(), strings.TrimPrefix(server.URL, "http://"), action)

			assert.Equal(t, http.MethodPost, gotMethod)
			assert.Equal(t, "/quitquitquit", gotPath)
			assert.Equal(t, "127.0.0.1", gotHost)

			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestKubeShutdowner_UnknownAction(t *testing.T) {
	t.Parallel()

	shutdowner := NewKubeShutdowner(nil, nil)
	err := shutdowner.Shutdown(context.Background(), resource.NewKey("team", "p"), "c", config.Action{Type: "signal"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action type")
}
