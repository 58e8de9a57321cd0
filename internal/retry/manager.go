// Package retry runs whole operations again with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/forest6511/offline/pkg/errors"
)

// RetryManager manages retry attempts with configurable backoff.
//
// Chunked downloads hand the entire multi-chunk operation to the manager, so a
// single failed range restarts the whole attempt (stored chunks are skipped on
// the next pass, but the probe and every missing range run again).
type RetryManager struct {
	MaxAttempts   int           // Total attempts including the first one
	BaseDelay     time.Duration // Delay before the second attempt
	MaxDelay      time.Duration // Upper bound for any single delay
	BackoffFactor float64       // Multiplier applied per attempt
	Jitter        bool          // Whether to add up to ±5% jitter

	// Classify reports whether err is worth another attempt.
	// Defaults to retrying everything except cancellation.
	Classify func(err error) bool

	// sleep waits for d or until ctx is done; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryManager creates a RetryManager with the download defaults:
// three attempts, 5s base delay doubling per attempt, no jitter.
func NewRetryManager() *RetryManager {
	return &RetryManager{
		MaxAttempts:   3,
		BaseDelay:     5 * time.Second,
		MaxDelay:      5 * time.Minute,
		BackoffFactor: 2.0,
		Jitter:        false,
	}
}

// NewRetryManagerWithConfig creates a new RetryManager with the specified configuration.
func NewRetryManagerWithConfig(
	maxAttempts int,
	baseDelay, maxDelay time.Duration,
	backoffFactor float64,
	jitter bool,
) *RetryManager {
	return &RetryManager{
		MaxAttempts:   maxAttempts,
		BaseDelay:     baseDelay,
		MaxDelay:      maxDelay,
		BackoffFactor: backoffFactor,
		Jitter:        jitter,
	}
}

// ShouldRetry determines whether another attempt follows a failure on the
// given zero-based attempt.
func (rm *RetryManager) ShouldRetry(err error, attempt int) bool {
	if attempt+1 >= rm.MaxAttempts {
		return false
	}

	if errors.IsCancellation(err) {
		return false
	}

	if rm.Classify != nil {
		return rm.Classify(err)
	}

	return true
}

// NextDelay calculates the delay after the given zero-based attempt.
func (rm *RetryManager) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		return rm.BaseDelay
	}

	// For very large attempt numbers, avoid overflow by returning MaxDelay early
	if attempt > 50 {
		return rm.withJitter(rm.MaxDelay)
	}

	power := math.Pow(rm.BackoffFactor, float64(attempt))

	if rm.BaseDelay > 0 && power > float64(rm.MaxDelay)/float64(rm.BaseDelay) {
		return rm.withJitter(rm.MaxDelay)
	}

	delay := time.Duration(float64(rm.BaseDelay) * power)
	if delay > rm.MaxDelay || delay < 0 {
		delay = rm.MaxDelay
	}

	return rm.withJitter(delay)
}

func (rm *RetryManager) withJitter(delay time.Duration) time.Duration {
	if !rm.Jitter {
		return delay
	}

	// #nosec G404 -- Jitter for retry delays doesn't require cryptographic randomness
	jitter := time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1))
	if delay+jitter < 0 {
		return delay
	}

	return delay + jitter
}

// ExecuteWithRetry executes an operation with retry logic using the manager's configuration.
func (rm *RetryManager) ExecuteWithRetry(ctx context.Context, operation func(ctx context.Context) error) error {
	_, err := rm.ExecuteWithRetryAndStats(ctx, operation, nil)
	return err
}

// ExecuteWithRetryCallback executes an operation and calls onRetry before each wait.
func (rm *RetryManager) ExecuteWithRetryCallback(
	ctx context.Context,
	operation func(ctx context.Context) error,
	onRetry func(attempt int, err error, nextDelay time.Duration),
) error {
	_, err := rm.ExecuteWithRetryAndStats(ctx, operation, onRetry)
	return err
}

// Stats holds statistics about retry operations.
type Stats struct {
	TotalAttempts int           // Total number of attempts made
	TotalDelay    time.Duration // Total time spent waiting between retries
	LastError     error         // The last error encountered
	Succeeded     bool          // Whether the operation ultimately succeeded
}

// ExecuteWithRetryAndStats executes an operation with retry logic and returns
// detailed statistics. Exhausting every attempt yields a DownloadError with
// CodeRetriesExhausted wrapping the last cause.
func (rm *RetryManager) ExecuteWithRetryAndStats(
	ctx context.Context,
	operation func(ctx context.Context) error,
	onRetry func(attempt int, err error, nextDelay time.Duration),
) (*Stats, error) {
	stats := &Stats{}
	maxAttempts := rm.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			stats.LastError = err
			return stats, err
		}

		stats.TotalAttempts++

		err := operation(ctx)
		if err == nil {
			stats.Succeeded = true
			stats.LastError = nil
			return stats, nil
		}

		stats.LastError = err

		if errors.IsCancellation(err) || ctx.Err() != nil {
			return stats, err
		}

		if !rm.ShouldRetry(err, attempt) {
			break
		}

		delay := rm.NextDelay(attempt)
		stats.TotalDelay += delay

		if onRetry != nil {
			onRetry(attempt+1, err, delay)
		}

		if err := rm.wait(ctx, delay); err != nil {
			stats.LastError = err
			return stats, err
		}
	}

	de := errors.WrapError(
		stats.LastError,
		errors.CodeRetriesExhausted,
		fmt.Sprintf("operation failed after %d attempt(s)", stats.TotalAttempts),
	)
	de.Retryable = false
	de.Attempts = stats.TotalAttempts

	return stats, de
}

func (rm *RetryManager) wait(ctx context.Context, d time.Duration) error {
	if rm.sleep != nil {
		return rm.sleep(ctx, d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WithMaxAttempts returns a new RetryManager with the specified attempt budget.
func (rm *RetryManager) WithMaxAttempts(maxAttempts int) *RetryManager {
	newManager := *rm
	newManager.MaxAttempts = maxAttempts

	return &newManager
}

// WithBaseDelay returns a new RetryManager with the specified base delay.
func (rm *RetryManager) WithBaseDelay(baseDelay time.Duration) *RetryManager {
	newManager := *rm
	newManager.BaseDelay = baseDelay

	return &newManager
}

// WithMaxDelay returns a new RetryManager with the specified maximum delay.
func (rm *RetryManager) WithMaxDelay(maxDelay time.Duration) *RetryManager {
	newManager := *rm
	newManager.MaxDelay = maxDelay

	return &newManager
}

// WithBackoffFactor returns a new RetryManager with the specified backoff factor.
func (rm *RetryManager) WithBackoffFactor(factor float64) *RetryManager {
	newManager := *rm
	newManager.BackoffFactor = factor

	return &newManager
}

// WithJitter returns a new RetryManager with jitter enabled or disabled.
func (rm *RetryManager) WithJitter(enabled bool) *RetryManager {
	newManager := *rm
	newManager.Jitter = enabled

	return &newManager
}

// WithSleep returns a new RetryManager that waits using fn.
func (rm *RetryManager) WithSleep(fn func(ctx context.Context, d time.Duration) error) *RetryManager {
	newManager := *rm
	newManager.sleep = fn

	return &newManager
}
