package store

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/pkg/logger"
)

// RetryPolicy bounds how long a driver keeps retrying transient backend
// failures before surfacing STORAGE_UNAVAILABLE.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy matches the database config defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 50 * time.Millisecond}
}

// WithRetry runs op under bounded exponential backoff. The op marks transient
// failures with retry.RetryableError; anything else aborts immediately. Once
// the budget is exhausted the last error is wrapped as STORAGE_UNAVAILABLE.
func WithRetry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	if policy.Attempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy().BaseDelay
	}
	backoff := retry.WithMaxRetries(uint64(policy.Attempts), retry.NewExponential(policy.BaseDelay))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := fn(ctx); err != nil {
			if attempt > 1 {
				logger.FromContext(ctx).Debug("store operation retry", "op", op, "attempt", attempt, "error", err)
			}
			return err
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return core.NewError(err, core.CodeCancelled, map[string]any{"operation": op})
	}
	if core.CodeOf(err) != core.CodeInternal {
		// Domain errors (NOT_FOUND, CONFLICT, ...) pass through unchanged.
		return err
	}
	return core.NewError(err, core.CodeStorageUnavailable, map[string]any{
		"operation": op,
		"attempts":  attempt,
	})
}
