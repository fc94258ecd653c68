package throttle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fields are float seconds except exceeded_count.
const (
	fieldRate     = "rate_limit"
	fieldDelta    = "delta"
	fieldLastCall = "last_call"
	fieldExceeded = "exceeded_count"
)

// checkAndSetScript is the atomic variant of evaluate.
//
// KEYS[1] = hash; ARGV = now (s), rate (s), ttl (ms)
var checkAndSetScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])

local last = redis.call('HGET', key, 'last_call')
local exceeded = tonumber(redis.call('HGET', key, 'exceeded_count') or '0') or 0
local delta = 0
if last then
  delta = now - tonumber(last)
end

local allowed = (not last) or delta >= rate or delta <= 0
if allowed then
  exceeded = 1
else
  exceeded = exceeded + 1
end

redis.call('HSET', key,
  'rate_limit', ARGV[2],
  'delta', string.format('%.6f', delta),
  'last_call', ARGV[1],
  'exceeded_count', tostring(exceeded))
redis.call('PEXPIRE', key, ARGV[3])

local ok = 0
if allowed then
  ok = 1
end
return {ok, string.format('%.6f', delta), exceeded}
`)

type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func secs(d time.Duration) string { return strconv.FormatFloat(d.Seconds(), 'f', 6, 64) }

func unixSecs(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}

func parseSecs(s string) time.Duration {
	f, _ := strconv.ParseFloat(s, 64)
	return time.Duration(f * float64(time.Second))
}

func (s *RedisStore) Get(ctx context.Context, key string) (State, bool, error) {
	m, err := s.rdb.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return State{}, false, err
	}
	last, ok := m[fieldLastCall]
	if !ok {
		return State{}, false, nil
	}
	n, _ := strconv.ParseInt(m[fieldExceeded], 10, 64)
	lastF, _ := strconv.ParseFloat(last, 64)
	return State{
		RateLimit:     parseSecs(m[fieldRate]),
		Delta:         parseSecs(m[fieldDelta]),
		LastCall:      time.UnixMicro(int64(lastF * 1e6)),
		ExceededCount: n,
	}, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, st State, ttl time.Duration) error {
	k := s.prefix + key
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, k,
		fieldRate, secs(st.RateLimit),
		fieldDelta, secs(st.Delta),
		fieldLastCall, unixSecs(st.LastCall),
		fieldExceeded, st.ExceededCount,
	)
	pipe.PExpire(ctx, k, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) CheckAndSet(ctx context.Context, key string, rate time.Duration, now time.Time, ttl time.Duration) (Decision, error) {
	res, err := checkAndSetScript.Run(ctx, s.rdb, []string{s.prefix + key},
		unixSecs(now), secs(rate), ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected reply %v", res)
	}
	ok, _ := res[0].(int64)
	deltaS, _ := res[1].(string)
	exceeded, _ := res[2].(int64)
	if deltaS == "" {
		return Decision{}, errors.New("missing delta in reply")
	}
	d := Decision{Allowed: ok == 1, Exceeded: exceeded}
	if !d.Allowed {
		d.Wait = rate - parseSecs(deltaS)
	}
	return d, nil
}
