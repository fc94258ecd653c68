package jobqueue

import "github.com/redis/go-redis/v9"

// KEYS: job, queue, abort; ARGV: id, name, args, token, enqueued_ms, fire_ms, ttl_ms
var enqueueScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
  'name', ARGV[2], 'args', ARGV[3], 'token', ARGV[4],
  'tries', '0', 'enqueued_at', ARGV[5], 'fire_at', ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[7])
redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`)

// Returns 2 when a waiting job was removed, 1 when a running job was
// flagged, 0 when nothing was found.
//
// KEYS: queue, job, in-progress, abort; ARGV: id, now_ms
var abortScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
  return 1
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('DEL', KEYS[2])
  return 2
end
return 0
`)

// Returns 1 on a successful claim, 0 for an orphaned queue entry (removed),
// -1 when another worker holds the lease, -2 when the job is not due.
//
// KEYS: in-progress, job, queue; ARGV: id, lease_ms, worker_id, now_ms
var claimScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[3], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[4]) then
  return -2
end
if redis.call('EXISTS', KEYS[2]) == 0 then
  redis.call('ZREM', KEYS[3], ARGV[1])
  return 0
end
if not redis.call('SET', KEYS[1], ARGV[3], 'NX', 'PX', ARGV[2]) then
  return -1
end
redis.call('HINCRBY', KEYS[2], 'tries', 1)
return 1
`)

// Removes the job only if its token still matches; a re-enqueued job with
// the same id survives the old run finishing.
//
// KEYS: job, queue, in-progress, abort, aborted; ARGV: id, token, aborted(0|1), marker_ttl_ms
var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') == ARGV[2] then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[1])
  redis.call('ZREM', KEYS[4], ARGV[1])
end
redis.call('DEL', KEYS[3])
if ARGV[3] == '1' then
  redis.call('SET', KEYS[5], '1', 'PX', ARGV[4])
end
return 1
`)

// KEYS: job, queue, in-progress; ARGV: id, token, next_ms, ttl_ms
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') == ARGV[2] then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
redis.call('DEL', KEYS[3])
return 1
`)
