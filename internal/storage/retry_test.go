package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/julianstephens/cadence/internal/errors"
)

var fastPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

func TestRetrySucceedsImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy, "test", func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryPermanentErrorNoRetry(t *testing.T) {
	calls := 0
	permanent := apperrors.Validationf("value", "bad")
	err := Retry(context.Background(), fastPolicy, "test", func() error {
		calls++
		return permanent
	})
	if err != permanent {
		t.Errorf("expected the validation error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy, "test", func() error {
		calls++
		if calls < 3 {
			return &apperrors.TransientStorageError{Op: "insert", Err: errors.New("database is locked")}
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy, "test", func() error {
		calls++
		return &apperrors.TransientStorageError{Op: "insert", Err: errors.New("busy")}
	})
	if !apperrors.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
	if calls != fastPolicy.MaxRetries+1 {
		t.Errorf("expected %d calls, got %d", fastPolicy.MaxRetries+1, calls)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour}
	calls := 0
	err := Retry(ctx, policy, "test", func() error {
		calls++
		cancel()
		return &apperrors.TransientStorageError{Op: "insert", Err: errors.New("busy")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryDelayCapped(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
	for attempt := 0; attempt < 10; attempt++ {
		d := policy.delay(attempt)
		if d > policy.MaxDelay+policy.BaseDelay {
			t.Errorf("attempt %d: delay %v exceeds cap", attempt, d)
		}
	}
}
