// Package config resolves how each sidecar container is shut down.
package config

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// ActionType selects the shutdown mechanism.
type ActionType string

// Action types.
const (
	// ActionExec runs a command inside the container.
	ActionExec ActionType = "exec"
	// ActionPortForward sends an HTTP request to a container port.
	ActionPortForward ActionType = "portforward"
)

// Action describes how to ask one sidecar to exit.
type Action struct {
	Type ActionType `json:"type" yaml:"type"`

	// Command is the argv for ActionExec.
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	// Method, Path and Port configure ActionPortForward.
	Method string `json:"method,omitempty" yaml:"method,omitempty"`
	Path   string `json:"path,omitempty"   yaml:"path,omitempty"`
	Port   int32  `json:"port,omitempty"   yaml:"port,omitempty"`
}

// String renders the action for logs and events.
func (a Action) String() string {
	switch a.Type {
	case ActionExec:
		return "exec `" + strings.Join(a.Command, " ") + "`"
	case ActionPortForward:
		return a.Method + " " + a.Path + " on port " + strconv.Itoa(int(a.Port))
	default:
		return string(a.Type)
	}
}

// Validate reports whether the action can be executed.
//
//nolint:wrapcheck // errors.Newf creates new errors
func (a Action) Validate() error {
	switch a.Type {
	case ActionExec:
		if len(a.Command) == 0 {
			return errors.New("exec action needs a command")
		}
	case ActionPortForward:
		if a.Port <= 0 || a.Port > 65535 {
			return errors.Newf("portforward action has invalid port %d", a.Port)
		}

		if !strings.HasPrefix(a.Path, "/") {
			return errors.Newf("portforward action path %q must start with /", a.Path)
		}

		if a.Method == "" {
			return errors.New("portforward action needs a method")
		}
	default:
		return errors.Newf("unknown action type %q", a.Type)
	}

	return nil
}

// DefaultActions returns the built-in shutdown table.
func DefaultActions() map[string]Action {
	return map[string]Action{
		"cloudsql-proxy": {Type: ActionPortForward, Method: "POST", Path: "/quitquitquit", Port: 9091},
		"vks-sidecar":    {Type: ActionExec, Command: []string{"/bin/kill", "-s", "INT", "1"}},
		"istio-proxy":    {Type: ActionPortForward, Method: "POST", Path: "/quitquitquit", Port: 15000},
		"linkerd-proxy":  {Type: ActionPortForward, Method: "POST", Path: "/shutdown", Port: 4191},
	}
}

// Registry maps container names to actions. It is safe for concurrent use
// and can be swapped atomically on reload.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry returns a registry holding actions.
func NewRegistry(actions map[string]Action) *Registry {
	return &Registry{actions: maps.Clone(actions)}
}

// Lookup returns the action for container.
func (r *Registry) Lookup(container string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[container]

	return action, ok
}

// Replace swaps the whole table.
func (r *Registry) Replace(actions map[string]Action) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.actions = maps.Clone(actions)
}

// Names returns the supported container names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.actions))
}
