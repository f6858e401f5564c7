package reconcile

import (
	"time"
)

// Result is the outcome of one reconcile run. It drives the queue's next
// scheduling decision for the key.
//
// The zero value means Done. A non-nil Err means Error and takes precedence
// over RequeueAfter.
type Result struct {
	RequeueAfter time.Duration
	Err          error
}

// Done means no further work is needed until the next change.
func Done() Result {
	return Result{}
}

// RequeueAfter asks for another run after d, independent of error backoff.
func RequeueAfter(d time.Duration) Result {
	return Result{RequeueAfter: d}
}

// Error reports a failed run. The queue retries the key with backoff.
func Error(err error) Result {
	return Result{Err: err}
}

// IsDone reports whether the run finished with nothing left to do.
func (r Result) IsDone() bool {
	return r.Err == nil && r.RequeueAfter <= 0
}

// IsError reports whether the run failed.
func (r Result) IsError() bool {
	return r.Err != nil
}

// String returns a short label suitable for logs and metrics.
func (r Result) String() string {
	switch {
	case r.IsError():
		return "error"
	case r.RequeueAfter > 0:
		return "requeue"
	default:
		return "done"
	}
}
