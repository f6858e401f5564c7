// Package resource defines the identity and versioned snapshot types shared by
// the cache, queue, and reconciler.
//
// A Key names one resource in the remote store. A Snapshot is an immutable copy
// of that resource at one resourceVersion. Neither type knows anything about the
// schema of the resource: spec and status are opaque JSON payloads that only the
// per-kind reconcile logic decodes.
package resource
