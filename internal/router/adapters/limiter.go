package adapters

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// limiter caps in-flight calls to one provider. A nil semaphore means unbounded.
type limiter struct {
	sem *semaphore.Weighted
}

func newLimiter(maxConcurrent int) limiter {
	if maxConcurrent <= 0 {
		return limiter{}
	}
	return limiter{sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// acquire blocks until a slot is free or ctx is done. The returned func
// releases the slot and is safe to call more than once.
func (l limiter) acquire(ctx context.Context) (func(), error) {
	if l.sem == nil {
		return func() {}, nil
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { l.sem.Release(1) }) }, nil
}
