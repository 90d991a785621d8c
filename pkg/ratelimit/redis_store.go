package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces the shared slot schedule.
const DefaultRedisKeyPrefix = "avela:rate_limit"

// reserveScript atomically computes max(now, next_slot, blocked_until),
// advances next_slot by the interval and returns the slot (unix micros).
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local nextSlot = tonumber(redis.call('GET', KEYS[1]) or '0')
local blocked = tonumber(redis.call('GET', KEYS[2]) or '0')
local slot = math.max(now, nextSlot, blocked)
redis.call('SET', KEYS[1], string.format('%d', slot + interval))
return slot
`)

// blockScript only ever extends blocked_until.
var blockScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local until_ = tonumber(ARGV[1])
if until_ > current then
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// releaseScript rewinds next_slot to the released slot only while no later
// reservation has been made.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local slot = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
if current == slot + interval then
  redis.call('SET', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// RedisStore shares the slot schedule between processes that call the API
// from the same IP, so together they stay inside one quota.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store. An empty prefix uses
// DefaultRedisKeyPrefix.
func NewRedisStore(redisClient *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *RedisStore) nextSlotKey() string {
	return s.prefix + ":next_slot"
}

func (s *RedisStore) blockedUntilKey() string {
	return s.prefix + ":blocked_until"
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, now time.Time, interval time.Duration) (time.Time, error) {
	slot, err := reserveScript.Run(ctx, s.redis,
		[]string{s.nextSlotKey(), s.blockedUntilKey()},
		now.UnixMicro(), interval.Microseconds(),
	).Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("reserve slot in redis: %w", err)
	}
	return time.UnixMicro(slot), nil
}

// Block implements Store.
func (s *RedisStore) Block(ctx context.Context, until time.Time) error {
	err := blockScript.Run(ctx, s.redis,
		[]string{s.blockedUntilKey()},
		until.UnixMicro(),
	).Err()
	if err != nil {
		return fmt.Errorf("store block in redis: %w", err)
	}
	return nil
}

// BlockedUntil implements Store.
func (s *RedisStore) BlockedUntil(ctx context.Context) (time.Time, error) {
	micros, err := s.redis.Get(ctx, s.blockedUntilKey()).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get blocked until: %w", err)
	}
	return time.UnixMicro(micros), nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, slot time.Time, interval time.Duration) error {
	err := releaseScript.Run(ctx, s.redis,
		[]string{s.nextSlotKey()},
		slot.UnixMicro(), interval.Microseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("release slot in redis: %w", err)
	}
	return nil
}
