// Package engine implements the task orchestration engine: the priority task
// queue, per-type worker pools, the workflow coordinator, and the glue that
// binds them to the result store and step registry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sitesmith/sitesmith/pkg/models"
)

// ErrMissingUpstream is returned when a step's required upstream result is
// not present. It is a fatal precondition failure, never retried: the engine
// guarantees step N's output is persisted before N+1 dispatches, so a missing
// upstream result means the caller skipped a prerequisite, not a race.
var ErrMissingUpstream = errors.New("missing upstream result")

// RateLimitError is returned by submission when a tenant exceeds the
// fixed-window submission limit. Non-retryable by definition; the caller
// must wait for a new window.
type RateLimitError struct {
	// TenantID is the rate-limited tenant.
	TenantID string
	// RetryAfter is how long until the current window resets.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("tenant %s rate limited, retry after %s", e.TenantID, e.RetryAfter.Round(time.Millisecond))
}

// QuotaError is returned by submission when a tenant's monthly quota for a
// task type is exhausted. Non-retryable until the next billing period.
type QuotaError struct {
	// TenantID is the over-quota tenant.
	TenantID string
	// TaskType is the capped task type.
	TaskType models.TaskType
	// Limit is the monthly cap that was hit.
	Limit int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("tenant %s exceeded monthly quota (%d) for %s tasks", e.TenantID, e.Limit, e.TaskType)
}

// StepErrorCode is a short machine-readable failure code carried on task
// records. Stack traces never leave the engine.
type StepErrorCode string

const (
	// CodeUpstreamRateLimited indicates the generation service rate-limited us.
	CodeUpstreamRateLimited StepErrorCode = "upstream_rate_limited"
	// CodeTimeout indicates the step timed out.
	CodeTimeout StepErrorCode = "timeout"
	// CodeServiceUnavailable indicates a transient external-service failure.
	CodeServiceUnavailable StepErrorCode = "service_unavailable"
	// CodeMissingUpstream indicates a required upstream result was absent.
	CodeMissingUpstream StepErrorCode = "missing_upstream"
	// CodeValidation indicates the step rejected its input.
	CodeValidation StepErrorCode = "validation"
	// CodeCancelled indicates the task was cancelled while executing.
	CodeCancelled StepErrorCode = "cancelled"
	// CodeInternal covers unclassified failures. Always fatal.
	CodeInternal StepErrorCode = "internal"
)

// StepError wraps a step function failure with its classification. Retryable
// failures trigger automatic backoff-retry; fatal failures terminate the task.
type StepError struct {
	Code      StepErrorCode
	Retryable bool
	Err       error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// RetryableError wraps err as a transient failure with the given code.
// Only the closed set of transient codes should be used here.
func RetryableError(code StepErrorCode, err error) *StepError {
	return &StepError{Code: code, Retryable: true, Err: err}
}

// FatalError wraps err as a terminal failure with the given code.
func FatalError(code StepErrorCode, err error) *StepError {
	return &StepError{Code: code, Retryable: false, Err: err}
}

// ClassifyStepError normalizes an arbitrary step function error into a
// StepError. Retryable is the small closed set of transient conditions:
// upstream rate limit, timeout, external-service unavailability. Everything
// else, including missing upstream input, is fatal.
func ClassifyStepError(err error) *StepError {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr
	}

	if errors.Is(err, ErrMissingUpstream) {
		return FatalError(CodeMissingUpstream, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return RetryableError(CodeTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return FatalError(CodeCancelled, err)
	}

	return FatalError(CodeInternal, err)
}

// taskError converts a StepError into the caller-facing TaskError recorded
// on the task.
func taskError(e *StepError) *models.TaskError {
	msg := string(e.Code)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return &models.TaskError{
		Message:   msg,
		Code:      string(e.Code),
		Retryable: e.Retryable,
	}
}
