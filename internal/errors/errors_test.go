package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrDatabase, Message: "query failed", Err: errors.New("connection lost")},
			want:     "[DATABASE_ERROR] query failed: connection lost",
		},
		{
			name:     "not found helper",
			appError: NotFound("document", "doc-1"),
			want:     "[NOT_FOUND] document not found: doc-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestWrap verifies error wrapping and unwrapping.
func TestWrap(t *testing.T) {
	underlying := errors.New("underlying")

	err := Wrap(ErrDatabase, "query failed", underlying)
	if err.Code != ErrDatabase {
		t.Errorf("Wrap() code = %q, want %q", err.Code, ErrDatabase)
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is(Wrap(..., underlying), underlying) = false, want true")
	}
	if err.Unwrap() != underlying {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), underlying)
	}
}

// TestIs verifies error code checking through wrapped chains.
func TestIs(t *testing.T) {
	notFound := NotFound("action", "a-1")

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching AppError", notFound, ErrNotFound, true},
		{"non-matching AppError", notFound, ErrInternal, false},
		{"non-AppError", errors.New("standard error"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
		{"fmt wrapped", fmt.Errorf("update: %w", notFound), ErrNotFound, true},
		{"nested AppError inner code", Wrap(ErrSyncFailed, "pass", notFound), ErrNotFound, true},
		{"nested AppError outer code", Wrap(ErrSyncFailed, "pass", notFound), ErrSyncFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCodeOf verifies code extraction.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("x: %w", New(ErrRateLimited, "slow down"))); got != ErrRateLimited {
		t.Errorf("CodeOf() = %q, want %q", got, ErrRateLimited)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %q, want %q", got, ErrInternal)
	}
}

// TestNewf verifies formatted messages.
func TestNewf(t *testing.T) {
	err := Newf(ErrInvalid, "unknown kind %q", "merge")
	if err.Message != `unknown kind "merge"` {
		t.Errorf("Newf() message = %q", err.Message)
	}
	if err.Err != nil {
		t.Error("Newf() should not wrap an error")
	}
}
