package collab

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter bounds the in-flight calls and request rate against one external
// collaborator. Exactly one Limiter exists per collaborator type and is
// shared across all document pipelines in the process.
type Limiter struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewLimiter creates a limiter allowing at most maxInFlight concurrent
// calls and ratePerSec requests per second. ratePerSec <= 0 disables rate
// limiting.
func NewLimiter(maxInFlight int64, ratePerSec float64) *Limiter {
	if maxInFlight < 1 {
		maxInFlight = 1
	}

	var rl *rate.Limiter
	if ratePerSec > 0 {
		rl = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	}

	return &Limiter{
		sem:     semaphore.NewWeighted(maxInFlight),
		limiter: rl,
	}
}

// Acquire blocks until a slot is available or ctx is done. Every
// successful Acquire must be paired with Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			l.sem.Release(1)
			return err
		}
	}
	return nil
}

// Release frees a slot acquired with Acquire.
func (l *Limiter) Release() {
	l.sem.Release(1)
}
