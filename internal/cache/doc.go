// Package cache mirrors a collection from a store.Store in memory.
//
// The cache lists the collection once, then follows a watch from the list's
// resourceVersion. Every snapshot it accepts must be strictly newer than the
// one it holds for the key, so stale or duplicated watch events are no-ops.
// When the store has compacted past the watch position the cache relists and
// diffs the result against what it held, so no transition is lost.
//
// The watch loop is the only writer. Readers get deep copies.
package cache
