package store

import (
	"context"
	"net"

	"github.com/cockroachdb/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Sentinel errors. Implementations mark their native errors with these so
// callers can classify with errors.Is regardless of transport.
var (
	// ErrNotFound indicates the resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrConflict indicates an optimistic-concurrency precondition failed or
	// the resource already exists.
	ErrConflict = errors.New("resource version conflict")

	// ErrVersionTooOld indicates the store compacted history past the
	// requested resourceVersion.
	ErrVersionTooOld = errors.New("resource version too old")

	// ErrUnavailable indicates a timeout, throttling, or server-side failure.
	ErrUnavailable = errors.New("resource store unavailable")

	// ErrInvalid indicates the store rejected the request as malformed or
	// forbidden. Retrying the same request will not succeed.
	ErrInvalid = errors.New("resource store rejected request")
)

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a precondition failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsVersionTooOld reports whether err means the watch must relist.
func IsVersionTooOld(err error) bool {
	return errors.Is(err, ErrVersionTooOld)
}

// IsInvalid reports whether err is a permanent rejection.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalid)
}

// IsTransient reports whether err is worth retrying unchanged.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

// FromAPIError marks an API server error with the matching sentinel. Errors
// that match no category are returned unchanged.
func FromAPIError(err error) error {
	switch {
	case err == nil:
		return nil
	case apierrors.IsNotFound(err):
		return errors.Mark(err, ErrNotFound)
	case apierrors.IsConflict(err), apierrors.IsAlreadyExists(err):
		return errors.Mark(err, ErrConflict)
	case apierrors.IsResourceExpired(err), apierrors.IsGone(err):
		return errors.Mark(err, ErrVersionTooOld)
	case apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err),
		apierrors.IsUnexpectedServerError(err):
		return errors.Mark(err, ErrUnavailable)
	case apierrors.IsInvalid(err),
		apierrors.IsBadRequest(err),
		apierrors.IsForbidden(err),
		apierrors.IsMethodNotSupported(err):
		return errors.Mark(err, ErrInvalid)
	default:
		return err
	}
}
