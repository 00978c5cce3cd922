package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventCounter struct {
	mu     sync.Mutex
	events map[string]int
}

func (e *eventCounter) RecordQuotaEvent(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.events == nil {
		e.events = map[string]int{}
	}
	e.events[event]++
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestPeriodOf(t *testing.T) {
	ts := time.Date(2026, time.March, 31, 23, 30, 0, 0, time.FixedZone("UTC-2", -2*3600))
	assert.Equal(t, Period("2026-04"), PeriodOf(ts))
}

func TestCheckAndReserve_FirstAccessCreatesRecord(t *testing.T) {
	store := NewMemoryStore()
	tr := NewTracker(store, 10, WithClock(fixedClock(time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC))))

	res, err := tr.CheckAndReserve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Period("2026-01"), res.Period)
	assert.EqualValues(t, 1, res.Count)
	assert.NotEmpty(t, res.ID)

	rec, _ := store.Get(context.Background(), DefaultRecordKey)
	assert.Equal(t, Record{CallCount: 1, ResetPeriod: "2026-01"}, rec)
}

func TestCheckAndReserve_LimitReachedDoesNotMutate(t *testing.T) {
	store := NewMemoryStore()
	store.Seed(DefaultRecordKey, Record{CallCount: 3, ResetPeriod: "2026-01"})
	metrics := &eventCounter{}
	tr := NewTracker(store, 3,
		WithClock(fixedClock(time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC))),
		WithMetrics(metrics),
	)

	_, err := tr.CheckAndReserve(context.Background())
	require.ErrorIs(t, err, ErrLimitReached)

	rec, _ := store.Get(context.Background(), DefaultRecordKey)
	assert.EqualValues(t, 3, rec.CallCount)
	assert.Equal(t, 1, metrics.events["limit_reached"])
}

func TestCheckAndReserve_PeriodRolloverResets(t *testing.T) {
	store := NewMemoryStore()
	store.Seed(DefaultRecordKey, Record{CallCount: 500000, ResetPeriod: "2026-01"})
	tr := NewTracker(store, 500000, WithClock(fixedClock(time.Date(2026, 2, 1, 0, 0, 1, 0, time.UTC))))

	res, err := tr.CheckAndReserve(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Count)

	rec, _ := store.Get(context.Background(), DefaultRecordKey)
	assert.Equal(t, Record{CallCount: 1, ResetPeriod: "2026-02"}, rec)
}

func TestRelease_Idempotent(t *testing.T) {
	store := NewMemoryStore()
	metrics := &eventCounter{}
	tr := NewTracker(store, 10, WithMetrics(metrics))
	ctx := context.Background()

	first, err := tr.CheckAndReserve(ctx)
	require.NoError(t, err)
	_, err = tr.CheckAndReserve(ctx)
	require.NoError(t, err)

	require.NoError(t, tr.Release(ctx, first))
	require.NoError(t, tr.Release(ctx, first))
	assert.True(t, first.Released())

	rec, _ := store.Get(ctx, DefaultRecordKey)
	assert.EqualValues(t, 1, rec.CallCount)
	assert.Equal(t, 1, metrics.events["released"])
	assert.Equal(t, 2, metrics.events["reserved"])
}

func TestRelease_CancelledContextStillReleases(t *testing.T) {
	store := NewMemoryStore()
	tr := NewTracker(store, 10)

	res, err := tr.CheckAndReserve(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, tr.Release(ctx, res))

	rec, _ := store.Get(context.Background(), DefaultRecordKey)
	assert.EqualValues(t, 0, rec.CallCount)
}

func TestRelease_AfterRolloverLeavesNewPeriodAlone(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC)
	tr := NewTracker(store, 10, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	old, err := tr.CheckAndReserve(ctx)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = tr.CheckAndReserve(ctx)
	require.NoError(t, err)

	require.NoError(t, tr.Release(ctx, old))
	rec, _ := store.Get(ctx, DefaultRecordKey)
	assert.Equal(t, Record{CallCount: 1, ResetPeriod: "2026-02"}, rec)
}

func TestRelease_NilReservation(t *testing.T) {
	tr := NewTracker(NewMemoryStore(), 10)
	assert.NoError(t, tr.Release(context.Background(), nil))
}

func TestCheckAndReserve_ConcurrentNeverExceedsLimit(t *testing.T) {
	const limit = 50
	const workers = 200

	store := NewMemoryStore()
	tr := NewTracker(store, limit)

	var ok atomic.Int64
	var limited atomic.Int64
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.CheckAndReserve(context.Background())
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrLimitReached):
				limited.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, _ := store.Get(context.Background(), DefaultRecordKey)
	assert.EqualValues(t, limit, ok.Load())
	assert.EqualValues(t, workers-limit, limited.Load())
	assert.EqualValues(t, limit, rec.CallCount)
}

func TestCheckAndReserve_ConcurrentReserveRelease(t *testing.T) {
	store := NewMemoryStore()
	tr := NewTracker(store, 1000)
	ctx := context.Background()

	var kept atomic.Int64
	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := tr.CheckAndReserve(ctx)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if i%2 == 0 {
				_ = tr.Release(ctx, res)
				return
			}
			kept.Add(1)
		}()
	}
	wg.Wait()

	rec, _ := store.Get(ctx, DefaultRecordKey)
	assert.Equal(t, kept.Load(), rec.CallCount)
}

func TestUsage(t *testing.T) {
	store := NewMemoryStore()
	store.Seed(DefaultRecordKey, Record{CallCount: 7, ResetPeriod: "2026-03"})

	tr := NewTracker(store, 10, WithClock(fixedClock(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC))))
	u, err := tr.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Usage{CallCount: 7, MonthlyLimit: 10, Remaining: 3, ResetPeriod: "2026-03"}, u)

	stale := NewTracker(store, 10, WithClock(fixedClock(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))))
	u, err = stale.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Usage{CallCount: 0, MonthlyLimit: 10, Remaining: 10, ResetPeriod: "2026-04"}, u)
}

func TestNewTracker_DefaultLimit(t *testing.T) {
	tr := NewTracker(NewMemoryStore(), 0)
	assert.Equal(t, DefaultMonthlyLimit, tr.MonthlyLimit())
}
