package reconcile

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/nais/hahaha/internal/store"
)

// ErrPermanent marks errors that will not go away by retrying the same input,
// such as a spec the kind cannot act on. Such keys are retried a bounded number
// of times and then parked until they change.
var ErrPermanent = errors.New("permanent reconcile error")

// ErrInvariant marks an internal invariant violation detected during a run.
var ErrInvariant = errors.New("reconcile invariant violated")

// Permanent marks err as permanent. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return errors.Mark(err, ErrPermanent)
}

// IsPermanent reports whether err was marked with Permanent or was rejected by
// the store as invalid.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrPermanent) || store.IsInvalid(err)
}

// IsCancelled reports whether err stems from the run's context being
// cancelled. Such runs are interrupted rather than failed.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
