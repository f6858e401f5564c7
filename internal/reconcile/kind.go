package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nais/hahaha/internal/resource"
)

// Reader is a read-only view of cached state.
type Reader interface {
	Get(key resource.Key) (*resource.Snapshot, bool)
	List() []*resource.Snapshot
}

// Op names what an action does to a dependent. Kinds may define their own.
type Op string

// Common operations.
const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Action is one corrective step computed by Diff. Applying the same action
// twice must have the same effect as applying it once.
type Action struct {
	Op Op
	// Target names the dependent the action works on.
	Target string
	// Data carries kind-specific parameters.
	Data any
}

// Plan is the outcome of Diff.
type Plan struct {
	Actions []Action
	// RequeueAfter asks for a re-check once the actions have been applied,
	// for dependents that take time to settle. Zero means none.
	RequeueAfter time.Duration
}

// ActionError pairs a failed action with its error.
type ActionError struct {
	Action Action
	Err    error
}

// Outcome describes a run to StatusMap.
type Outcome struct {
	Plan    Plan
	Applied []Action
	Failed  []ActionError
	// Err is the combined error of the run, if any.
	Err error
}

// Kind holds everything that varies per resource kind.
type Kind interface {
	// Finalizer returns the finalizer this controller owns on resources of
	// this kind, or "" when it does not use one.
	Finalizer() string

	// Diff computes the actions that move snapshot toward its desired state.
	// Actual state must be read from reader.
	Diff(ctx context.Context, snapshot *resource.Snapshot, reader Reader) (Plan, error)

	// Apply performs one action. It must be idempotent.
	Apply(ctx context.Context, snapshot *resource.Snapshot, action Action) error

	// StatusMap returns the status to write after a run, and whether to write
	// it at all.
	StatusMap(snapshot *resource.Snapshot, outcome Outcome) (json.RawMessage, bool)

	// Finalize cleans up external side effects before the finalizer is
	// released. It must be idempotent.
	Finalize(ctx context.Context, snapshot *resource.Snapshot) error
}
