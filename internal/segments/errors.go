package segments

import "errors"

var (
	// ErrStorageFull is returned when the capacity policy rejects an upload.
	ErrStorageFull = errors.New("storage capacity exceeded")

	// ErrNotRetryable is returned when an operator retries a segment that is
	// not in the failed state.
	ErrNotRetryable = errors.New("segment is not in a retryable state")
)
