package redisqueue

import "github.com/redis/go-redis/v9"

// Every state change runs as one script so a job is always in exactly one list.

const pushFn = `
local function push(mode, key, id, score)
  if mode == "zadd" then
    redis.call("ZADD", key, score, id)
  elseif mode == "rpush" then
    redis.call("RPUSH", key, id)
  else
    redis.call("LPUSH", key, id)
  end
end
`

// KEYS: job, dest. ARGV: record, id, mode, score.
var addScript = redis.NewScript(pushFn + `
if redis.call("SETNX", KEYS[1], ARGV[1]) == 0 then
  return 0
end
push(ARGV[3], KEYS[2], ARGV[2], ARGV[4])
return 1
`)

// KEYS: wait, active, paused. ARGV: lock key prefix, token, lock millis.
var claimScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 1 then
  return false
end
local id = redis.call("RPOPLPUSH", KEYS[1], KEYS[2])
if not id then
  return false
end
redis.call("SET", ARGV[1] .. id, ARGV[2], "PX", ARGV[3])
return id
`)

// KEYS: lock. ARGV: token, lock millis.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
return redis.call("PEXPIRE", KEYS[1], ARGV[2])
`)

// KEYS: lock, active, job, dest. ARGV: token, id, record, mode, score.
var finishScript = redis.NewScript(pushFn + `
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
if redis.call("LREM", KEYS[2], 1, ARGV[2]) == 0 then
  return 0
end
redis.call("SET", KEYS[3], ARGV[3])
push(ARGV[4], KEYS[4], ARGV[2], ARGV[5])
redis.call("DEL", KEYS[1])
return 1
`)

// KEYS: lock, active, job, dest. ARGV: id, record, mode, score.
var recoverScript = redis.NewScript(pushFn + `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
if redis.call("LREM", KEYS[2], 1, ARGV[1]) == 0 then
  return 0
end
redis.call("SET", KEYS[3], ARGV[2])
push(ARGV[3], KEYS[4], ARGV[1], ARGV[4])
return 1
`)

// KEYS: src, job, dest. ARGV: id, record, src kind ("zset" or "list"), mode, score.
var moveScript = redis.NewScript(pushFn + `
local removed
if ARGV[3] == "zset" then
  removed = redis.call("ZREM", KEYS[1], ARGV[1])
else
  removed = redis.call("LREM", KEYS[1], 1, ARGV[1])
end
if removed == 0 then
  return 0
end
redis.call("SET", KEYS[2], ARGV[2])
push(ARGV[4], KEYS[3], ARGV[1], ARGV[5])
return 1
`)

// KEYS: list. ARGV: keep, job key prefix.
var pruneScript = redis.NewScript(`
local n = 0
while redis.call("LLEN", KEYS[1]) > tonumber(ARGV[1]) do
  local id = redis.call("RPOP", KEYS[1])
  if not id then
    break
  end
  redis.call("DEL", ARGV[2] .. id)
  n = n + 1
end
return n
`)
