// Package resource provides process-wide throttling for disk-backed log
// engines: an IO byte-rate limit and a bound on concurrent fetches.
package resource

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// IOLimitBytesPerSec caps read/write throughput. 0 means unlimited.
	IOLimitBytesPerSec int64

	// MaxConcurrentFetches bounds fetches running at once.
	// 0 means unlimited.
	MaxConcurrentFetches int64
}

// Controller enforces the configured limits. A nil Controller enforces
// nothing, so callers can thread it through unconditionally.
type Controller struct {
	ioLimiter *rate.Limiter
	fetchSem  *semaphore.Weighted
}

// NewController creates a Controller for cfg.
func NewController(cfg Config) *Controller {
	c := &Controller{}
	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}
	if cfg.MaxConcurrentFetches > 0 {
		c.fetchSem = semaphore.NewWeighted(cfg.MaxConcurrentFetches)
	}
	return c
}

// AcquireIO waits until the IO limit allows bytes more bytes.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil || bytes <= 0 {
		return nil
	}
	// WaitN rejects bursts larger than the limiter allows; clamp instead
	// of failing on a single oversized frame.
	if burst := c.ioLimiter.Burst(); bytes > burst {
		bytes = burst
	}
	return c.ioLimiter.WaitN(ctx, bytes)
}

// AcquireFetch reserves a fetch slot, blocking while all are busy.
func (c *Controller) AcquireFetch(ctx context.Context) error {
	if c == nil || c.fetchSem == nil {
		return nil
	}
	return c.fetchSem.Acquire(ctx, 1)
}

// ReleaseFetch releases a fetch slot.
func (c *Controller) ReleaseFetch() {
	if c == nil || c.fetchSem == nil {
		return
	}
	c.fetchSem.Release(1)
}
