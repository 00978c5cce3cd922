//go:build integration

package redisstore_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florejun0824/srcslmsstable-sub009/internal/quota"
	"github.com/florejun0824/srcslmsstable-sub009/internal/quota/redisstore"
)

func newTestStore(t *testing.T) *redisstore.Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	prefix := "test:" + t.Name() + ":"
	t.Cleanup(func() {
		client.Del(context.Background(), prefix+quota.DefaultRecordKey)
		client.Close()
	})
	return redisstore.New(client, redisstore.WithKeyPrefix(prefix))
}

func TestReserveRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Reserve(ctx, quota.DefaultRecordKey, "2026-05", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.CallCount)

	rec, err = s.Reserve(ctx, quota.DefaultRecordKey, "2026-05", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec.CallCount)

	_, err = s.Reserve(ctx, quota.DefaultRecordKey, "2026-05", 2)
	require.ErrorIs(t, err, quota.ErrLimitReached)

	rec, err = s.Release(ctx, quota.DefaultRecordKey, "2026-05")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.CallCount)

	got, err := s.Get(ctx, quota.DefaultRecordKey)
	require.NoError(t, err)
	assert.Equal(t, quota.Record{CallCount: 1, ResetPeriod: "2026-05"}, got)
}

func TestReserve_PeriodRollover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for range 3 {
		_, err := s.Reserve(ctx, quota.DefaultRecordKey, "2026-05", 3)
		require.NoError(t, err)
	}
	_, err := s.Reserve(ctx, quota.DefaultRecordKey, "2026-05", 3)
	require.ErrorIs(t, err, quota.ErrLimitReached)

	rec, err := s.Reserve(ctx, quota.DefaultRecordKey, "2026-06", 3)
	require.NoError(t, err)
	assert.Equal(t, quota.Record{CallCount: 1, ResetPeriod: "2026-06"}, rec)

	rec, err = s.Release(ctx, quota.DefaultRecordKey, "2026-05")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.CallCount, "stale-period release must not touch the new period")
}

func TestReserve_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Reserve(ctx, quota.DefaultRecordKey, "2026-05", 25); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	rec, err := s.Get(ctx, quota.DefaultRecordKey)
	require.NoError(t, err)
	assert.Equal(t, 25, ok)
	assert.EqualValues(t, 25, rec.CallCount)
}
