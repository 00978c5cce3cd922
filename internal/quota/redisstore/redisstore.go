// Package redisstore keeps the quota record in a Redis hash and updates it
// with Lua scripts, so every gateway instance shares one atomic counter.
package redisstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/florejun0824/srcslmsstable-sub009/internal/quota"
)

// Store is a Redis-backed quota.Store.
type Store struct {
	client    redis.Cmdable
	keyPrefix string
}

var _ quota.Store = (*Store)(nil)

type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "aigw:quota:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New wraps a connected *redis.Client or *redis.ClusterClient.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, keyPrefix: "aigw:quota:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) recordKey(key string) string {
	return s.keyPrefix + key
}

// reserveScript
// KEYS[1] = record hash
// ARGV[1] = current period
// ARGV[2] = limit
//
// Returns {status, callCount}: status 1 = reserved, 0 = limit reached.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local period = ARGV[1]
local limit = tonumber(ARGV[2])

local stored = redis.call("HGET", key, "resetPeriod")
if stored ~= period then
    redis.call("HSET", key, "callCount", "1", "resetPeriod", period)
    return {1, 1}
end

local count = tonumber(redis.call("HGET", key, "callCount") or "0")
if count >= limit then
    return {0, count}
end

count = redis.call("HINCRBY", key, "callCount", 1)
return {1, count}
`)

// releaseScript
// KEYS[1] = record hash
// ARGV[1] = reservation period
//
// Returns the callCount after the (possibly skipped) decrement.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local period = ARGV[1]

local count = tonumber(redis.call("HGET", key, "callCount") or "0")
if redis.call("HGET", key, "resetPeriod") ~= period or count <= 0 then
    return count
end
return redis.call("HINCRBY", key, "callCount", -1)
`)

func (s *Store) Reserve(ctx context.Context, key string, period quota.Period, limit int64) (quota.Record, error) {
	res, err := reserveScript.Run(ctx, s.client, []string{s.recordKey(key)}, string(period), limit).Int64Slice()
	if err != nil {
		return quota.Record{}, fmt.Errorf("redis reserve: %w", err)
	}
	if len(res) != 2 {
		return quota.Record{}, fmt.Errorf("redis reserve: unexpected result %v", res)
	}

	rec := quota.Record{CallCount: res[1], ResetPeriod: period}
	if res[0] == 0 {
		return rec, quota.ErrLimitReached
	}
	return rec, nil
}

func (s *Store) Release(ctx context.Context, key string, period quota.Period) (quota.Record, error) {
	count, err := releaseScript.Run(ctx, s.client, []string{s.recordKey(key)}, string(period)).Int64()
	if err != nil {
		return quota.Record{}, fmt.Errorf("redis release: %w", err)
	}
	return quota.Record{CallCount: count, ResetPeriod: period}, nil
}

func (s *Store) Get(ctx context.Context, key string) (quota.Record, error) {
	vals, err := s.client.HGetAll(ctx, s.recordKey(key)).Result()
	if err != nil {
		return quota.Record{}, fmt.Errorf("redis get: %w", err)
	}
	if len(vals) == 0 {
		return quota.Record{}, nil
	}

	count, err := strconv.ParseInt(vals["callCount"], 10, 64)
	if err != nil {
		return quota.Record{}, fmt.Errorf("redis get: parse callCount: %w", err)
	}
	return quota.Record{CallCount: count, ResetPeriod: quota.Period(vals["resetPeriod"])}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
