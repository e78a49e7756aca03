package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// Kind is a coarse classification of a failed attempt.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindRateLimit
	KindServer
	KindClient
	KindPayloadTooLarge
	KindInvalidOutput
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRateLimit:
		return "rate_limit"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindInvalidOutput:
		return "invalid_output"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Failure is the tagged error the executor reasons about. Status is zero when
// the failure carries no status code (network level, invalid output and so on).
// RetryAfter holds a raw server hint: seconds or an HTTP date.
type Failure struct {
	Status     int
	Kind       Kind
	Message    string
	RetryAfter string
	Err        error
}

func (f *Failure) Error() string {
	if f.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", f.Kind, f.Status, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// HasStatus reports whether the failure was classified with a status code.
func (f *Failure) HasStatus() bool { return f.Status != 0 }

var tooLargePattern = regexp.MustCompile(`(?i)(payload|entity|request|prompt|input)\s+(is\s+)?too\s+(large|long)`)

// TooLarge reports whether the failure means the request payload was too large.
func (f *Failure) TooLarge() bool {
	return f.Kind == KindPayloadTooLarge || tooLargePattern.MatchString(f.Message)
}

// KindForStatus maps an HTTP status code to a failure kind.
func KindForStatus(status int) Kind {
	switch {
	case status == 0:
		return KindTransport
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestEntityTooLarge:
		return KindPayloadTooLarge
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindClient
	default:
		return KindUnknown
	}
}

// NewFailure builds a failure for an HTTP-like status code.
func NewFailure(status int, message string, err error) *Failure {
	return &Failure{Status: status, Kind: KindForStatus(status), Message: message, Err: err}
}

// InvalidOutput builds a failure for a response that violates the expected contract.
func InvalidOutput(format string, args ...any) *Failure {
	return &Failure{Kind: KindInvalidOutput, Message: "invalid classifier output: " + fmt.Sprintf(format, args...)}
}

// Classify converts any error into a Failure. Errors that already wrap a
// Failure are returned as is.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}

	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: KindCanceled, Message: err.Error(), Err: err}
	}

	return &Failure{Kind: KindUnknown, Message: err.Error(), Err: err}
}
