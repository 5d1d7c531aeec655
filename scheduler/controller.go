package scheduler

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ControllerConfig holds limits for background maintenance work
// (compaction, index builds).
type ControllerConfig struct {
	// MaxBackgroundJobs is the maximum number of concurrent background jobs.
	// If 0, defaults to 1.
	MaxBackgroundJobs int64

	// IOLimitBytesPerSec is the maximum IO throughput for background tasks.
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller gates background maintenance so it cannot starve foreground
// operations sharing the pool.
type Controller struct {
	bgSem     *semaphore.Weighted
	ioLimiter *rate.Limiter
}

// NewController creates a controller with the given limits.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.MaxBackgroundJobs <= 0 {
		cfg.MaxBackgroundJobs = 1
	}

	c := &Controller{
		bgSem: semaphore.NewWeighted(cfg.MaxBackgroundJobs),
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// AcquireBackground reserves a background job slot, blocking while all slots
// are busy.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.bgSem.Acquire(ctx, 1)
}

// TryAcquireBackground reserves a slot without blocking.
func (c *Controller) TryAcquireBackground() bool {
	if c == nil {
		return true
	}
	return c.bgSem.TryAcquire(1)
}

// ReleaseBackground releases a background job slot.
func (c *Controller) ReleaseBackground() {
	if c == nil {
		return
	}
	c.bgSem.Release(1)
}

// AcquireIO waits until the IO limit allows the given number of bytes.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	return c.ioLimiter.WaitN(ctx, bytes)
}
