// Package ratelimit caps the bandwidth shared by every chunk fetch of an
// engine.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter throttles byte transfers.
type Limiter interface {
	// Wait blocks until n bytes may be transferred or ctx is done.
	Wait(ctx context.Context, n int) error

	// Rate returns the limit in bytes per second; 0 means unlimited.
	Rate() int64
}

// BandwidthLimiter is a token bucket holding one second of transfer.
type BandwidthLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	maxRate int64
}

// NewBandwidthLimiter creates a limiter of maxRate bytes per second. Zero or
// a negative rate means unlimited.
func NewBandwidthLimiter(maxRate int64) *BandwidthLimiter {
	bl := &BandwidthLimiter{}
	bl.SetRate(maxRate)
	return bl
}

// Wait blocks until n bytes may be transferred. Requests larger than one
// second of budget are admitted in burst-sized steps, so a chunk bigger than
// the rate still goes through instead of failing.
func (bl *BandwidthLimiter) Wait(ctx context.Context, n int) error {
	bl.mu.RLock()
	limiter := bl.limiter
	bl.mu.RUnlock()

	if limiter == nil {
		return ctx.Err()
	}

	burst := limiter.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// Rate returns the limit in bytes per second.
func (bl *BandwidthLimiter) Rate() int64 {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return bl.maxRate
}

// SetRate changes the limit. Waiters blocked on the old bucket finish on it.
func (bl *BandwidthLimiter) SetRate(bytesPerSec int64) {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	if bytesPerSec <= 0 {
		bl.maxRate = 0
		bl.limiter = nil
		return
	}

	bl.maxRate = bytesPerSec
	bl.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
}
