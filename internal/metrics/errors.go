package metrics

import (
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/nais/hahaha/internal/store"
)

// Error type constants for metrics labels.
const (
	ErrorTypeAuth          = "auth"
	ErrorTypeRateLimit     = "rate_limit"
	ErrorTypeServerError   = "server_error"
	ErrorTypeClientError   = "client_error"
	ErrorTypeConflict      = "conflict"
	ErrorTypeNotFound      = "not_found"
	ErrorTypeVersionTooOld = "version_too_old"
	ErrorTypeInvalid       = "invalid"
	ErrorTypeUnavailable   = "unavailable"
	ErrorTypeTimeout       = "timeout"
	ErrorTypeNetwork       = "network"
	ErrorTypeUnknown       = "unknown"
)

// ClassifyError classifies an error from the resource store or the API server
// for metrics labeling. Returns an empty string for nil errors.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, store.ErrConflict):
		return ErrorTypeConflict
	case errors.Is(err, store.ErrNotFound):
		return ErrorTypeNotFound
	case errors.Is(err, store.ErrVersionTooOld):
		return ErrorTypeVersionTooOld
	}

	// Status errors from client-go carry the HTTP code, which is finer grained
	// than the store categories.
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return classifyByStatusCode(int(status.Status().Code))
	}

	switch {
	case errors.Is(err, store.ErrInvalid):
		return ErrorTypeInvalid
	case errors.Is(err, store.ErrUnavailable):
		return ErrorTypeUnavailable
	}

	// Fallback for non-API errors based on error message
	return classifyByErrorMessage(err.Error())
}

func classifyByStatusCode(statusCode int) string {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ErrorTypeAuth
	case statusCode == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case statusCode >= http.StatusInternalServerError && statusCode < 600:
		return ErrorTypeServerError
	case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
		return ErrorTypeClientError
	default:
		return ErrorTypeUnknown
	}
}

func classifyByErrorMessage(errStr string) string {
	errLower := strings.ToLower(errStr)

	switch {
	case strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline"):
		return ErrorTypeTimeout
	case strings.Contains(errLower, "connection refused") || strings.Contains(errLower, "no such host"):
		return ErrorTypeNetwork
	default:
		return ErrorTypeUnknown
	}
}
