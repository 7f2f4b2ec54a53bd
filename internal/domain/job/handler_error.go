package job

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass partitions handler failures into the two outcomes the engine
// understands: transient failures go back through the retry policy, permanent
// failures terminate the run immediately.
type ErrorClass string

const (
	// ErrorClassTransient marks a recoverable failure (network/timeout class).
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassPermanent marks a failure not worth retrying (bad input/logic class).
	ErrorClassPermanent ErrorClass = "permanent"
)

// ClassifiedError wraps a handler error with an explicit retry classification.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

// Unwrap returns the wrapped error.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a recoverable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ErrorClassTransient, Err: err}
}

// Permanent wraps err as a failure that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ErrorClassPermanent, Err: err}
}

// Permanentf wraps a formatted error as permanent.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Classify resolves the retry class of a handler error. Unclassified errors
// default to transient so an unannotated failure is retried rather than
// silently dropped. Deadline expiry is always transient regardless of any
// wrapper the handler added.
func Classify(err error) ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Class
	}
	return ErrorClassTransient
}
