package types

import "errors"

// Error kinds surfaced to callers. Everything that affects a specific
// execution is captured in its record instead; only these escape as
// synchronous errors.
var (
	// ErrDuplicateID is returned when a submission reuses a task id.
	ErrDuplicateID = errors.New("duplicate task id")

	// ErrStorageFailure means the durable store could not record a
	// submission. The submission must not be acknowledged.
	ErrStorageFailure = errors.New("storage failure")

	// ErrKernelUnavailable means the interpreter subprocess cannot be
	// started or has been lost.
	ErrKernelUnavailable = errors.New("kernel unavailable")

	// ErrResourceExhausted means a submission queue is above its cap or
	// asset storage is full. Retryable by the caller.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrNotFound is returned for unknown task ids, sessions, or assets.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned by the store for a status change
	// that would move backward or across non-adjacent states.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrBadRequest marks a malformed or incomplete client request.
	ErrBadRequest = errors.New("bad request")
)
