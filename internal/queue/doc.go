// Package queue schedules reconcile work per resource key.
//
// A key is in one of four states: absent, queued, processing, or processing
// and dirty. Enqueueing a key that is already queued keeps a single entry;
// enqueueing a key that is being processed marks it dirty so that exactly one
// more run follows the current one. Get never hands the same key to two
// workers at once.
//
// Failed runs are retried with per-key exponential backoff. Runs that ask for
// a later re-check become ready after exactly the requested delay.
package queue
