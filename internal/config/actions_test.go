package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultActions(t *testing.T) {
	t.Parallel()

	actions := DefaultActions()

	assert.Equal(t, Action{Type: ActionPortForward, Method: "POST", Path: "/quitquitquit", Port: 9091},
		actions["cloudsql-proxy"])
	assert.Equal(t, Action{Type: ActionExec, Command: []string{"/bin/kill", "-s", "INT", "1"}},
		actions["vks-sidecar"])
	assert.Equal(t, Action{Type: ActionPortForward, Method: "POST", Path: "/quitquitquit", Port: 15000},
		actions["istio-proxy"])
	assert.Equal(t, Action{Type: ActionPortForward, Method: "POST", Path: "/shutdown", Port: 4191},
		actions["linkerd-proxy"])
	assert.Len(t, actions, 4)

	for name, action := range actions {
		require.NoError(t, action.Validate(), name)
	}
}

func TestAction_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		action  Action
		wantErr string
	}{
		{name: "exec", action: Action{Type: ActionExec, Command: []string{"true"}}},
		{name: "exec without command", action: Action{Type: ActionExec}, wantErr: "needs a command"},
		{
			name:   "portforward",
			action: Action{Type: ActionPortForward, Method: "POST", Path: "/quit", Port: 80},
		},
		{
			name:    "port out of range",
			action:  Action{Type: ActionPortForward, Method: "POST", Path: "/quit", Port: 70000},
			wantErr: "invalid port",
		},
		{
			name:    "relative path",
			action:  Action{Type: ActionPortForward, Method: "POST", Path: "quit", Port: 80},
			wantErr: "must start with /",
		},
		{
			name:    "missing method",
			action:  Action{Type: ActionPortForward, Path: "/quit", Port: 80},
			wantErr: "needs a method",
		},
		{name: "unknown type", action: Action{Type: "signal"}, wantErr: "unknown action type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.action.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAction_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "exec `/bin/kill -s INT 1`", DefaultActions()["vks-sidecar"].String())
	assert.Equal(t, "POST /shutdown on port 4191", DefaultActions()["linkerd-proxy"].String())
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	defaults := DefaultActions()
	registry := NewRegistry(defaults)

	delete(defaults, "istio-proxy")

	_, ok := registry.Lookup("istio-proxy")
	assert.True(t, ok, "registry keeps its own copy")

	_, ok = registry.Lookup("unknown")
	assert.False(t, ok)

	assert.Equal(t, []string{"cloudsql-proxy", "istio-proxy", "linkerd-proxy", "vks-sidecar"}, registry.Names())

	registry.Replace(map[string]Action{"only": {Type: ActionExec, Command: []string{"true"}}})
	assert.Equal(t, []string{"only"}, registry.Names())
}
