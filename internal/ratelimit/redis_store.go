package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// reserveScript trims the sliding log, admits when under capacity and
// otherwise reports the milliseconds until the oldest entry expires.
// Timestamps come from the server clock so every writer shares one ordering.
//
// KEYS[1] = zset; ARGV = period_ms, capacity, member
var reserveScript = redis.NewScript(`
if redis.replicate_commands then
  redis.replicate_commands()
end
local key = KEYS[1]
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local period = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - period)
local n = redis.call('ZCARD', key)
if n < capacity then
  redis.call('ZADD', key, now, ARGV[3])
  redis.call('PEXPIRE', key, period)
  return {1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = period
if oldest[2] then
  wait = tonumber(oldest[2]) + period - now
end
if wait < 1 then
  wait = 1
end
return {0, wait}
`)

// RedisStore keeps sliding logs in Redis sorted sets so several processes
// share one budget.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix + "ratelimit:"}
}

func (s *RedisStore) Reserve(ctx context.Context, key string, capacity int, period time.Duration) (bool, time.Duration, error) {
	res, err := reserveScript.Run(ctx, s.rdb, []string{s.prefix + key},
		period.Milliseconds(), capacity, uuid.NewString()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit reserve %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit reserve %s: unexpected reply %v", key, res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}
