package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyStepError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  StepErrorCode
		retryable bool
	}{
		{
			name:      "explicit retryable",
			err:       RetryableError(CodeUpstreamRateLimited, errors.New("429")),
			wantCode:  CodeUpstreamRateLimited,
			retryable: true,
		},
		{
			name:      "explicit fatal",
			err:       FatalError(CodeValidation, errors.New("bad brief")),
			wantCode:  CodeValidation,
			retryable: false,
		},
		{
			name:      "wrapped step error",
			err:       fmt.Errorf("call failed: %w", RetryableError(CodeServiceUnavailable, errors.New("503"))),
			wantCode:  CodeServiceUnavailable,
			retryable: true,
		},
		{
			name:      "missing upstream is fatal",
			err:       fmt.Errorf("design step: %w", ErrMissingUpstream),
			wantCode:  CodeMissingUpstream,
			retryable: false,
		},
		{
			name:      "deadline is retryable timeout",
			err:       context.DeadlineExceeded,
			wantCode:  CodeTimeout,
			retryable: true,
		},
		{
			name:      "cancellation is fatal",
			err:       context.Canceled,
			wantCode:  CodeCancelled,
			retryable: false,
		},
		{
			name:      "unknown is fatal internal",
			err:       errors.New("boom"),
			wantCode:  CodeInternal,
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyStepError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", got.Code, tt.wantCode)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.retryable)
			}
		})
	}
}

func TestStepErrorUnwrap(t *testing.T) {
	inner := errors.New("upstream busy")
	err := RetryableError(CodeServiceUnavailable, inner)

	if !errors.Is(err, inner) {
		t.Error("StepError should unwrap to its cause")
	}
}
