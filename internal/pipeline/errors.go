package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError marks bad input. Jobs failing validation are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NotFoundError marks a missing entity. Never retried.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// ExternalServiceError wraps a failure of an external provider (embedding
// API, crawl target). Retried at the queue level per backoff policy.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// RateLimitedError signals a "try again later" condition distinct from a
// generic failure.
type RateLimitedError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter <= 0 {
		return fmt.Sprintf("%s rate limited, try again later", e.Resource)
	}
	return fmt.Sprintf("%s rate limited, try again in %s", e.Resource, e.RetryAfter.Round(time.Second))
}

// ErrBrokerUnavailable is returned when the cache/broker circuit is open.
// Callers on the cache path treat it as a miss; security-sensitive checks
// treat it as a denial.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Retryable classifies whether an error should be retried by the queue.
// Validation, not-found, and rate-limit errors are permanent from the job's
// point of view; everything else is assumed transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		ve *ValidationError
		nf *NotFoundError
		rl *RateLimitedError
	)
	if errors.As(err, &ve) || errors.As(err, &nf) || errors.As(err, &rl) {
		return false
	}
	return true
}
