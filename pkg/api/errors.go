package api

import (
	"context"
	"errors"
	"fmt"
)

// Stable error classification strings. A failed run records exactly one of
// these on Run.Error so callers can explain the failure from status + error
// alone, without inspecting logs.
const (
	ClassTransientProvider  = "transient_provider_error"
	ClassPermanentProvider  = "permanent_provider_error"
	ClassMaxRetriesExceeded = "max_retries_exceeded"
	ClassProviderNotFound   = "provider_not_found"
	ClassAdmissionDenied    = "admission_denied"
	ClassStageFailed        = "stage_failed"
)

var (
	// ErrRunNotFound is returned for status, cancel, and subscribe requests
	// naming an unknown (or already evicted) workflow id.
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrProviderNotFound is returned when a provider name has no
	// registration. It is a misconfiguration and never retried.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrAdmissionDenied is returned when a client exceeds its concurrent
	// event-stream connection cap. It affects no workflow.
	ErrAdmissionDenied = errors.New("connection admission denied")

	// ErrPipelineNotFound is returned by Start for an unregistered kind.
	ErrPipelineNotFound = errors.New("pipeline not found")
)

// ProviderError is a classified failure from a provider call. Transient
// errors (timeouts, rate limits, connection resets) are retryable; permanent
// errors (validation, malformed responses) abort the run immediately.
type ProviderError struct {
	Classification string
	Message        string
	Transient      bool
	Err            error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Classification, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewTransientError builds a retryable ProviderError.
func NewTransientError(msg string, cause error) *ProviderError {
	return &ProviderError{
		Classification: ClassTransientProvider,
		Message:        msg,
		Transient:      true,
		Err:            cause,
	}
}

// NewPermanentError builds a non-retryable ProviderError.
func NewPermanentError(msg string, cause error) *ProviderError {
	return &ProviderError{
		Classification: ClassPermanentProvider,
		Message:        msg,
		Transient:      false,
		Err:            cause,
	}
}

// MaxRetriesError is the terminal failure recorded when a stage's retry
// budget for a provider call is exhausted.
type MaxRetriesError struct {
	Retries int
	Last    error
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d retries: %v", e.Retries, e.Last)
}

func (e *MaxRetriesError) Unwrap() error { return e.Last }

// IsTransient reports whether err should be retried. Provider call timeouts
// count as transient; everything not explicitly classified transient is
// treated as permanent.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// Classify maps err to its stable classification string.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProviderNotFound):
		return ClassProviderNotFound
	case errors.Is(err, ErrAdmissionDenied):
		return ClassAdmissionDenied
	}
	var mre *MaxRetriesError
	if errors.As(err, &mre) {
		return ClassMaxRetriesExceeded
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Classification
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransientProvider
	}
	return ClassStageFailed
}
