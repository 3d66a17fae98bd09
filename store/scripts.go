package store

import "github.com/redis/go-redis/v9"

// The bucket scripts run atomically on the store and read the server
// clock, so the limiter is immune to client clock skew. Bucket state is
// a hash with fields d (unix-ms of the last drip) and r (remaining
// tokens). A missing key means a full bucket.

// takeScript drips the bucket up to now, then consumes the requested
// tokens when enough are available.
//
// KEYS[1] bucket key
// ARGV[1] tokens per ms (0 for fixed buckets)
// ARGV[2] size
// ARGV[3] tokens to take
// ARGV[4] ttl in seconds
// ARGV[5] drip interval in ms (0 for fixed buckets)
//
// Returns {remaining, conformant, now_ms, reset_ms}; remaining and
// reset_ms as strings to survive fractional rates.
var takeScript = redis.NewScript(`
redis.replicate_commands()

local tokens_per_ms = tonumber(ARGV[1])
local size = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local drip_interval = tonumber(ARGV[5])

local time = redis.call('TIME')
local now_ms = math.floor(time[1] * 1000 + time[2] / 1000)

local state = redis.call('HMGET', KEYS[1], 'd', 'r')
local last_drip = tonumber(state[1])
local remaining = tonumber(state[2])

local new_remaining
if remaining == nil then
  new_remaining = size
elseif tokens_per_ms > 0 then
  local delta = math.max(now_ms - last_drip, 0)
  new_remaining = math.min(remaining + delta * tokens_per_ms, size)
else
  new_remaining = remaining
end

local conformant = 0
if new_remaining >= requested then
  conformant = 1
  new_remaining = math.min(new_remaining - requested, size)
end

redis.call('HMSET', KEYS[1], 'd', now_ms, 'r', tostring(new_remaining))
redis.call('EXPIRE', KEYS[1], ttl)

local reset_ms = 0
if drip_interval > 0 then
  reset_ms = math.ceil(now_ms + (size - new_remaining) * drip_interval)
end

return {tostring(new_remaining), conformant, now_ms, tostring(reset_ms)}
`)

// putScript restores tokens, capped at size. Count may be negative. A
// bucket filled exactly to size is deleted instead of written: absence
// means full, so idle full buckets cost no storage.
//
// KEYS[1] bucket key
// ARGV[1] tokens to add
// ARGV[2] size
// ARGV[3] ttl in seconds
// ARGV[4] drip interval in ms
//
// Returns {remaining, now_ms, reset_ms}.
var putScript = redis.NewScript(`
redis.replicate_commands()

local to_add = tonumber(ARGV[1])
local size = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local drip_interval = tonumber(ARGV[4])

local time = redis.call('TIME')
local now_ms = math.floor(time[1] * 1000 + time[2] / 1000)

local remaining = tonumber(redis.call('HGET', KEYS[1], 'r'))
if remaining == nil then
  remaining = size
end

local new_remaining = math.min(remaining + to_add, size)
if new_remaining < size then
  redis.call('HMSET', KEYS[1], 'd', now_ms, 'r', tostring(new_remaining))
  redis.call('EXPIRE', KEYS[1], ttl)
else
  redis.call('DEL', KEYS[1])
end

local reset_ms = 0
if drip_interval > 0 then
  reset_ms = math.ceil(now_ms + (size - new_remaining) * drip_interval)
end

return {tostring(new_remaining), now_ms, tostring(reset_ms)}
`)
