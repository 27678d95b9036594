package sandbox

import (
	"context"
	"errors"
)

// Request-level failures. Everything else a submission can do (time out, crash, print the
// wrong thing) is reported as a verdict, never as one of these.
var (
	// ErrAdmissionRejected is returned when the pool already holds its maximum number of
	// live instances. Callers should retry later.
	ErrAdmissionRejected = errors.New("admission rejected: sandbox pool at capacity")

	// ErrImageUnavailable is returned when the execution image cannot be provisioned
	// after the configured number of retries.
	ErrImageUnavailable = errors.New("execution image unavailable")

	// ErrInfrastructure covers an unreachable engine or an instance that became unusable.
	ErrInfrastructure = errors.New("sandbox infrastructure failure")

	// ErrUnsupportedLanguage is returned for languages missing from the language table.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrNotFound is returned by engines when a handle no longer exists.
	ErrNotFound = errors.New("sandbox instance not found")
)

// Error kinds as reported by transports.
const (
	KindAdmissionRejected   = "admission_rejected"
	KindImageUnavailable    = "image_unavailable"
	KindInfrastructure      = "infrastructure_failure"
	KindUnsupportedLanguage = "unsupported_language"
	KindInternal            = "internal_error"
)

// Kind maps an error to a stable string for API responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAdmissionRejected):
		return KindAdmissionRejected
	case errors.Is(err, ErrImageUnavailable):
		return KindImageUnavailable
	case errors.Is(err, ErrUnsupportedLanguage):
		return KindUnsupportedLanguage
	case errors.Is(err, ErrInfrastructure), errors.Is(err, ErrNotFound):
		return KindInfrastructure
	default:
		return KindInternal
	}
}

// IsDeadline reports whether err was caused by an expired execution deadline.
func IsDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
