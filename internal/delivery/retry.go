package delivery

import (
	"context"
	"errors"
	"math"
	"net"
	"time"

	"github.com/user/rollcall/internal/types"
)

// RetryPolicy controls how failed remote writes are retried with
// exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration

	// Retryable overrides the default error classification.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns a RetryPolicy with sensible defaults:
// 3 attempts, 1s initial delay, 2x multiplier, 30s max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// TransientPolicy retries reads and archive moves while the remote is
// briefly unreachable. attempts counts the first try.
func TransientPolicy(attempts int, initial, max time.Duration) *RetryPolicy {
	p := DefaultRetryPolicy()
	if attempts > 0 {
		p.MaxAttempts = attempts
	}
	if initial > 0 {
		p.InitialDelay = initial
	}
	if max > 0 {
		p.MaxDelay = max
	}
	return p
}

// ConflictPolicy retries only version conflicts, re-fetching the version
// token each attempt. conflictRetries is the number of retries after the
// first attempt.
func ConflictPolicy(conflictRetries int, initial, max time.Duration) *RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = conflictRetries + 1
	if initial > 0 {
		p.InitialDelay = initial
	}
	if max > 0 {
		p.MaxDelay = max
	}
	p.Retryable = func(err error) bool {
		return errors.Is(err, types.ErrVersionConflict)
	}
	return p
}

// ShouldRetry returns true if the error is retryable and the attempt count
// has not exceeded MaxAttempts.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt > p.MaxAttempts {
		return false
	}
	if p.Retryable != nil {
		return err != nil && p.Retryable(err)
	}
	return p.isRetryable(err)
}

// isRetryable is the transient classification: an unreachable remote or a
// network error is retried; conflicts, missing objects, validation errors
// and cancellation are not.
func (p *RetryPolicy) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, types.ErrValidation), errors.Is(err, types.ErrVersionConflict), errors.Is(err, types.ErrNotFound):
		return false
	case errors.Is(err, types.ErrRemoteUnavailable):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn up to MaxAttempts times, sleeping between retries with
// exponential backoff. Returns nil on success or the last error if all
// attempts fail, the error is non-retryable, or ctx is done.
func (p *RetryPolicy) Execute(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		if attempt < p.MaxAttempts {
			timer := time.NewTimer(p.NextDelay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}
		}
	}
	return lastErr
}
