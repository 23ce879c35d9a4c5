package provider

import "errors"

// Error classification for provider failures. Transient errors (I/O, 5xx,
// timeouts) are retriable when the check allows; permanent errors
// (validation, 4xx, parse) surface as fatal issues.

// TransientError wraps a temporary failure that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }

func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError marks an error as retryable.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// PermanentError wraps a failure that retrying cannot fix.
type PermanentError struct {
	err error
}

func (e *PermanentError) Error() string { return e.err.Error() }

func (e *PermanentError) Unwrap() error { return e.err }

// NewPermanentError marks an error as non-retryable.
func NewPermanentError(err error) error {
	return &PermanentError{err: err}
}

// IsTransient reports whether the error should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsPermanent reports whether the error is explicitly non-retryable.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
