package core

import "errors"

var (
	ErrConnectionFailure  = errors.New("memory store connection failure")
	ErrTimeout            = errors.New("operation timed out")
	ErrTransactionFailure = errors.New("batch transaction failed")
	ErrResourceExhaustion = errors.New("host resources exhausted")
	ErrServiceUnavailable = errors.New("external service unavailable")
	ErrDataCorruption     = errors.New("malformed memory trace")
	ErrConfiguration      = errors.New("invalid configuration")

	ErrCircuitOpen     = errors.New("circuit breaker open")
	ErrVersionConflict = errors.New("trace version conflict")
	ErrTraceNotFound   = errors.New("trace not found")
)

// IsRetryable reports whether err is worth retrying with backoff.
// Only transient infrastructure failures qualify; conflicts and corrupt
// data would fail the same way again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionFailure) || errors.Is(err, ErrTimeout)
}

// IsSkippable reports whether a cycle should be marked skipped rather than failed.
func IsSkippable(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrResourceExhaustion)
}
