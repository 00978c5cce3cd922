package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMonthlyLimit int64 = 500000
	DefaultRecordKey          = "ai_usage"
)

// EventRecorder receives quota accounting events ("reserved", "released",
// "limit_reached", "error").
type EventRecorder interface {
	RecordQuotaEvent(event string)
}

// Reservation is a tentative increment of the shared counter.
type Reservation struct {
	ID     string
	Period Period
	Count  int64

	released atomic.Bool
}

// Released reports whether the reservation has been compensated.
func (r *Reservation) Released() bool { return r.released.Load() }

// Usage is a point-in-time view of the shared counter.
type Usage struct {
	CallCount    int64  `json:"callCount"`
	MonthlyLimit int64  `json:"monthlyLimit"`
	Remaining    int64  `json:"remaining"`
	ResetPeriod  Period `json:"resetPeriod"`
}

// Tracker gates provider calls against a single monthly ceiling.
type Tracker struct {
	store   Store
	limit   int64
	key     string
	now     func() time.Time
	logger  *slog.Logger
	metrics EventRecorder
}

type Option func(*Tracker)

// WithClock overrides time.Now, mainly for period rollover tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

func WithMetrics(m EventRecorder) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithKey sets the record key (default "ai_usage").
func WithKey(key string) Option {
	return func(t *Tracker) { t.key = key }
}

func NewTracker(store Store, monthlyLimit int64, opts ...Option) *Tracker {
	if monthlyLimit <= 0 {
		monthlyLimit = DefaultMonthlyLimit
	}
	t := &Tracker{
		store:  store,
		limit:  monthlyLimit,
		key:    DefaultRecordKey,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) MonthlyLimit() int64 { return t.limit }

// CheckAndReserve takes one unit of the monthly quota. It returns
// ErrLimitReached, without mutating the record, when the ceiling is hit.
func (t *Tracker) CheckAndReserve(ctx context.Context) (*Reservation, error) {
	period := PeriodOf(t.now())
	rec, err := t.store.Reserve(ctx, t.key, period, t.limit)
	if errors.Is(err, ErrLimitReached) {
		t.record("limit_reached")
		t.logger.Warn("monthly quota exhausted",
			"period", string(period),
			"call_count", rec.CallCount,
			"limit", t.limit,
		)
		return nil, ErrLimitReached
	}
	if err != nil {
		t.record("error")
		return nil, fmt.Errorf("reserve quota: %w", err)
	}

	t.record("reserved")
	return &Reservation{
		ID:     uuid.NewString(),
		Period: period,
		Count:  rec.CallCount,
	}, nil
}

// Release compensates a reservation whose attempt did not succeed.
// Only the first call for a given reservation has any effect.
func (t *Tracker) Release(ctx context.Context, res *Reservation) error {
	if res == nil || !res.released.CompareAndSwap(false, true) {
		return nil
	}
	// A cancelled request must still give its unit back.
	ctx = context.WithoutCancel(ctx)
	if _, err := t.store.Release(ctx, t.key, res.Period); err != nil {
		t.record("error")
		t.logger.Error("failed to release quota reservation",
			"reservation_id", res.ID,
			"period", string(res.Period),
			"error", err,
		)
		return fmt.Errorf("release quota: %w", err)
	}
	t.record("released")
	return nil
}

// Usage reports the counter for the current period.
func (t *Tracker) Usage(ctx context.Context) (Usage, error) {
	rec, err := t.store.Get(ctx, t.key)
	if err != nil {
		return Usage{}, fmt.Errorf("get quota record: %w", err)
	}
	period := PeriodOf(t.now())
	if rec.ResetPeriod != period {
		rec = Record{ResetPeriod: period}
	}
	remaining := t.limit - rec.CallCount
	if remaining < 0 {
		remaining = 0
	}
	return Usage{
		CallCount:    rec.CallCount,
		MonthlyLimit: t.limit,
		Remaining:    remaining,
		ResetPeriod:  rec.ResetPeriod,
	}, nil
}

// Ping checks the backing store.
func (t *Tracker) Ping(ctx context.Context) error {
	return t.store.Ping(ctx)
}

func (t *Tracker) record(event string) {
	if t.metrics != nil {
		t.metrics.RecordQuotaEvent(event)
	}
}
