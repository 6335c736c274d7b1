package oracle

import "errors"

// Class tells the retry loop how to treat a failed oracle call.
type Class string

const (
	// ClassTransient failures (timeouts, 5xx, rate limits) are retried.
	ClassTransient Class = "transient"
	// ClassMalformed replies parsed or validated badly; retried on the same
	// budget as transient failures.
	ClassMalformed Class = "malformed"
	// ClassFatal failures (bad credentials, invalid request shape) are never retried.
	ClassFatal Class = "fatal"
)

// Error attaches a retry classification to a cause.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string { return string(e.Class) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassTransient, Err: err}
}

// Malformed marks err as a bad oracle reply.
func Malformed(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassMalformed, Err: err}
}

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassFatal, Err: err}
}

// ClassOf returns the classification of err. Unclassified errors count as
// transient, so unknown failure modes stay retryable.
func ClassOf(err error) Class {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Class
	}
	return ClassTransient
}
