// Package store defines the contract between the reconciliation engine and the
// remote, versioned system of record for managed resources.
//
// The contract mirrors the Kubernetes API server: list returns a collection
// watermark, watch streams events from a resourceVersion, updates are
// conditional on the resourceVersion last read, status has its own write path,
// and delete is idempotent.
//
// Two implementations are provided:
//
//   - Kube talks to an API server through the dynamic client for a single
//     GroupVersionResource.
//   - Memory is an in-process store with compaction and finalizer semantics,
//     used by tests throughout the module.
package store
