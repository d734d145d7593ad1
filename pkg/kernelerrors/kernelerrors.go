// Package kernelerrors defines the step/invocation error taxonomy used by
// the executor's retry loop and surfaced on failed step results.
package kernelerrors

import (
	"context"
	"errors"
	"time"
)

// Class partitions step and tool-invocation failures. The executor keys
// retry behavior off the class, never off the message.
type Class string

const (
	ClassTransientNetwork Class = "transient_network"
	ClassRateLimited      Class = "rate_limited"
	ClassAuth             Class = "auth"
	ClassInvalidInput     Class = "invalid_input"
	ClassNotFound         Class = "not_found"
	ClassConflict         Class = "conflict"
	ClassPolicyDenied     Class = "policy_denied"
	ClassIdempotency      Class = "idempotency"
	ClassBudgetExceeded   Class = "budget_exceeded"
	ClassTimeout          Class = "timeout"
	ClassInternal         Class = "internal"
)

// nonRetryable classes fail fast regardless of the action's retry class.
var nonRetryable = map[Class]bool{
	ClassAuth:           true,
	ClassInvalidInput:   true,
	ClassPolicyDenied:   true,
	ClassIdempotency:    true,
	ClassBudgetExceeded: true,
	ClassConflict:       true,
}

// Retryable reports whether a failure of this class may be retried.
func (c Class) Retryable() bool { return !nonRetryable[c] }

// Valid reports whether c is a known taxonomy class.
func (c Class) Valid() bool {
	switch c {
	case ClassTransientNetwork, ClassRateLimited, ClassAuth, ClassInvalidInput,
		ClassNotFound, ClassConflict, ClassPolicyDenied, ClassIdempotency,
		ClassBudgetExceeded, ClassTimeout, ClassInternal:
		return true
	}
	return false
}

// StepError is a classified failure of one step attempt.
type StepError struct {
	Class   Class
	Message string
	// RetryAfter is a server-provided backoff hint, honored for
	// rate_limited failures.
	RetryAfter time.Duration
	Cause      error
}

func (e *StepError) Error() string {
	if e.Message != "" {
		return string(e.Class) + ": " + e.Message
	}
	return string(e.Class)
}

func (e *StepError) Unwrap() error { return e.Cause }

// New builds a StepError with the given class and message.
func New(class Class, msg string) *StepError {
	return &StepError{Class: class, Message: msg}
}

// Wrap classifies an underlying error.
func Wrap(class Class, err error) *StepError {
	if err == nil {
		return nil
	}
	return &StepError{Class: class, Message: err.Error(), Cause: err}
}

// Classify maps an arbitrary error to a taxonomy class. StepErrors keep
// their class; context deadline and cancellation map to timeout; anything
// else is internal.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTimeout
	}
	return ClassInternal
}

// AsStepError converts err into a StepError, classifying it if needed.
func AsStepError(err error) *StepError {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	return &StepError{Class: Classify(err), Message: err.Error(), Cause: err}
}
