package store

import (
	"context"

	"github.com/nais/hahaha/internal/resource"
)

// EventType tags an entry on a watch stream.
type EventType string

// Watch event types.
const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"
	Bookmark EventType = "BOOKMARK"
	Error    EventType = "ERROR"
)

// Event is one entry on a watch stream. Bookmark events carry a snapshot with
// only ResourceVersion set. Error events carry Err and end the stream.
type Event struct {
	Type     EventType
	Snapshot *resource.Snapshot
	Err      error
}

// ListResult is a full collection read plus the watermark to watch from.
type ListResult struct {
	Items           []*resource.Snapshot
	ResourceVersion string
}

// Watch is an open event stream. The channel is closed when the stream ends,
// either because Stop was called, the context was cancelled, or the store
// terminated it.
type Watch interface {
	Events() <-chan Event
	Stop()
}

// Store is the remote resource store protocol.
type Store interface {
	// List returns every resource in scope with the collection resourceVersion.
	List(ctx context.Context) (*ListResult, error)

	// Watch streams changes newer than resourceVersion. An empty version
	// watches from "now". Returns ErrVersionTooOld when the store no longer
	// has history for the requested version.
	Watch(ctx context.Context, resourceVersion string) (Watch, error)

	// Get reads one resource.
	Get(ctx context.Context, key resource.Key) (*resource.Snapshot, error)

	// Update writes metadata and spec. It fails with ErrConflict when
	// snapshot.ResourceVersion is not the stored version.
	Update(ctx context.Context, snapshot *resource.Snapshot) (*resource.Snapshot, error)

	// UpdateStatus writes only the status payload, with the same precondition
	// as Update.
	UpdateStatus(ctx context.Context, snapshot *resource.Snapshot) (*resource.Snapshot, error)

	// Delete requests deletion. A missing resource is not an error.
	Delete(ctx context.Context, key resource.Key) error
}
