package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesCategoryAndSeverity(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		category Category
		severity Severity
		retry    bool
	}{
		{"config", ErrCodeConfigInvalid, CategoryConfig, SeverityError, false},
		{"store busy", ErrCodeStoreBusy, CategoryStore, SeverityWarning, true},
		{"store corrupt", ErrCodeStoreCorrupt, CategoryStore, SeverityFatal, false},
		{"index corrupt", ErrCodeIndexCorrupt, CategoryIndex, SeverityFatal, false},
		{"validation", ErrCodeInvalidQuery, CategoryValidation, SeverityError, false},
		{"internal", ErrCodeMassRunFailed, CategoryInternal, SeverityError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.severity, err.Severity)
			assert.Equal(t, tt.retry, err.Retryable)
		})
	}
}

func TestError_UnwrapAndIs(t *testing.T) {
	// Given: an error wrapping an underlying cause
	cause := fmt.Errorf("disk on fire")
	err := Wrap(ErrCodeIndexWrite, cause)

	// Then: errors.Is matches by code, errors.Unwrap reaches the cause
	require.NotNil(t, err)
	assert.True(t, stderrors.Is(err, New(ErrCodeIndexWrite, "other message", nil)))
	assert.False(t, stderrors.Is(err, New(ErrCodeIndexOpen, "other", nil)))
	assert.Equal(t, cause, stderrors.Unwrap(err))
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestError_WithDetailAndSuggestion(t *testing.T) {
	err := StoreError("query failed", nil).
		WithDetail("kind", "products").
		WithSuggestion("check the store path")

	assert.Equal(t, "products", err.Details["kind"])
	assert.Equal(t, "check the store path", err.Suggestion)
}

func TestUnknownKindError(t *testing.T) {
	err := UnknownKindError("widgets")
	assert.Equal(t, ErrCodeUnknownKind, err.Code)
	assert.Contains(t, err.Message, "widgets")
	assert.NotEmpty(t, err.Suggestion)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrCodeStoreBusy, "locked", nil)))
	assert.False(t, IsRetryable(New(ErrCodeIndexWrite, "failed", nil)))
	assert.False(t, IsRetryable(fmt.Errorf("plain error")))
	assert.False(t, IsRetryable(nil))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(New(ErrCodeStoreCorrupt, "bad page", nil)))
	assert.False(t, IsFatal(New(ErrCodeStoreQuery, "no rows", nil)))
	assert.False(t, IsFatal(nil))
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	// Given: a function that fails twice then succeeds
	attempts := 0
	fn := func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	}

	cfg := RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}

	// When: retrying
	err := Retry(context.Background(), cfg, fn)

	// Then: should eventually succeed
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return fmt.Errorf("still broken")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial + 2 retries
	assert.Contains(t, err.Error(), "still broken")
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), func() error {
		return fmt.Errorf("should not matter")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryIf_StopsOnPermanentError(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}

	permanent := fmt.Errorf("no such table: products")
	err := RetryIf(context.Background(), cfg, IsBusy, func() error {
		attempts++
		return permanent
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, permanent, err)
}

func TestRetryIf_RetriesMatchingErrors(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}

	err := RetryIf(context.Background(), cfg, IsBusy, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("SQLITE_BUSY: database is locked")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}

	got, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, fmt.Errorf("not yet")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestIsBusy(t *testing.T) {
	assert.True(t, IsBusy(fmt.Errorf("SQLITE_BUSY: database is locked")))
	assert.True(t, IsBusy(fmt.Errorf("database is locked (5)")))
	assert.False(t, IsBusy(fmt.Errorf("no such table: products")))
	assert.False(t, IsBusy(nil))
}
