// Package reconcile drives one resource key toward its desired state.
//
// The Reconciler is schema-agnostic. Everything that varies per resource kind
// sits behind the Kind interface, chosen when the Reconciler is built: how to
// compute the actions a snapshot needs, how to apply one, what status to write
// afterwards, and how to clean up before a finalizer is released.
//
// Actual state is always read from the cache, never fetched fresh, so a run
// sees the same world as the notification that triggered it.
package reconcile
