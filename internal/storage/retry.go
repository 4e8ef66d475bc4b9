package storage

import (
	"context"
	"math/rand"
	"time"

	apperrors "github.com/julianstephens/cadence/internal/errors"
	"github.com/julianstephens/cadence/internal/logger"
)

// RetryPolicy bounds how often a unit of work is re-run after a transient
// storage error.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Retry runs fn until it succeeds, fails with an error that is not a
// TransientStorageError, or exhausts the policy. fn must be safe to re-run,
// which holds for anything wrapped in a single InTx.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err = fn()
		if err == nil || !apperrors.IsTransient(err) {
			return err
		}
		if attempt == policy.MaxRetries {
			break
		}

		delay := policy.delay(attempt)
		logger.Warn("Retrying after transient storage error", "op", op, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// delay is BaseDelay * 2^attempt capped at MaxDelay, plus up to BaseDelay of jitter.
func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << uint(attempt)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d + time.Duration(rand.Int63n(int64(p.BaseDelay)))
}
