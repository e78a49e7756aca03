package filtering

import (
	"errors"
	"net/http"

	"github.com/spigell/hh-sieve/internal/posting"
)

var (
	// ErrConfig means the engine itself is misconfigured.
	ErrConfig = errors.New("configuration error")
	// ErrInvalidRequest means the request is malformed.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound means the policy or the source does not exist.
	ErrNotFound = posting.ErrNotFound
	// ErrUnavailable means the record store could not be reached.
	ErrUnavailable = errors.New("store unavailable")
)

// StatusCode maps a Run error to the HTTP status reported to callers.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Reason names the error class in responses.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "configuration"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}
