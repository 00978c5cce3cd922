package quota

import (
	"context"
	"errors"
	"time"
)

// ErrLimitReached is returned when the monthly call ceiling has been hit.
var ErrLimitReached = errors.New("monthly quota limit reached")

// Period identifies a calendar month, formatted "YYYY-MM" in UTC.
type Period string

// PeriodOf returns the quota period containing t.
func PeriodOf(t time.Time) Period {
	return Period(t.UTC().Format("2006-01"))
}

// Record is the single shared usage counter.
type Record struct {
	CallCount   int64  `json:"callCount"`
	ResetPeriod Period `json:"resetPeriod"`
}

// Store persists the quota record. Implementations must make Reserve a single
// atomic step: roll the period over if it changed, check the limit, increment.
type Store interface {
	// Reserve resets the record to {1, period} when the stored period differs,
	// returns ErrLimitReached without mutating when CallCount >= limit, and
	// otherwise increments CallCount.
	Reserve(ctx context.Context, key string, period Period, limit int64) (Record, error)
	// Release decrements CallCount if the stored period still equals period
	// and the count is positive.
	Release(ctx context.Context, key string, period Period) (Record, error)
	// Get returns the stored record, or a zero Record if none exists.
	Get(ctx context.Context, key string) (Record, error)
	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}
