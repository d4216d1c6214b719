package loader

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle bounds the loader's global fetch rate. Per-host politeness is the
// queue's job; this only caps total throughput.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle allows pagesPerMinute fetches per minute. Zero or less means
// unlimited.
func NewThrottle(pagesPerMinute int) *Throttle {
	if pagesPerMinute <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	interval := time.Minute / time.Duration(pagesPerMinute)
	return &Throttle{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next fetch may start
func (t *Throttle) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Unlimited reports whether the throttle never waits
func (t *Throttle) Unlimited() bool {
	return t.limiter.Limit() == rate.Inf
}
