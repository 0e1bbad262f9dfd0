package redis

import goredis "github.com/redis/go-redis/v9"

// HMGET and HDEL are issued in batches so large ranges stay below the Lua stack limit.
const luaBatch = `
local function hmget(key, ids)
  local out = {}
  for i = 1, #ids, 500 do
    local last = math.min(i + 499, #ids)
    local vals = redis.call('HMGET', key, unpack(ids, i, last))
    for j = 1, #vals do out[#out + 1] = vals[j] end
  end
  return out
end

local function hdel(key, fields)
  for i = 1, #fields, 500 do
    local last = math.min(i + 499, #fields)
    redis.call('HDEL', key, unpack(fields, i, last))
  end
end
`

// KEYS: index, data. ARGV: ts, record.
var seriesAdd = goredis.NewScript(`
local added = redis.call('ZADD', KEYS[1], ARGV[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return added
`)

// KEYS: index, data. ARGV: min, max (ZRANGEBYSCORE syntax). Returns ts, record pairs.
var seriesRange = goredis.NewScript(luaBatch + `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[2])
if #ids == 0 then return {} end
local vals = hmget(KEYS[2], ids)
local out = {}
for i, id in ipairs(ids) do
  if vals[i] then
    out[#out + 1] = id
    out[#out + 1] = vals[i]
  end
end
return out
`)

// KEYS: index. Returns first ts, last ts, count or an empty array.
var seriesSpan = goredis.NewScript(`
local n = redis.call('ZCARD', KEYS[1])
if n == 0 then return {} end
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local last = redis.call('ZRANGE', KEYS[1], -1, -1, 'WITHSCORES')
return {first[2], last[2], n}
`)

// KEYS: index. ARGV: start, end (exclusive), interval. Returns every aligned start in the
// range whose interval holds no index entry.
var seriesGaps = goredis.NewScript(`
local start = tonumber(ARGV[1])
local stop = tonumber(ARGV[2])
local step = tonumber(ARGV[3])
local present = {}
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], start, '(' .. ARGV[2])
for _, id in ipairs(ids) do
  local t = tonumber(id)
  present[t - ((t - start) % step)] = true
end
local out = {}
local t = start
while t < stop do
  if not present[t] then out[#out + 1] = tostring(t) end
  t = t + step
end
return out
`)

// KEYS: index, data. ARGV: max (exclusive bound syntax). Returns removed count.
var seriesTrim = goredis.NewScript(luaBatch + `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if #ids == 0 then return 0 end
hdel(KEYS[2], ids)
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
return #ids
`)

// KEYS: rule, index. ARGV: id, createdAt, record. Returns 0 when the rule exists.
var ruleCreate = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('SET', KEYS[1], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS: rule. ARGV: record. Returns 0 when the rule is missing.
var ruleUpdate = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// KEYS: index. ARGV: key prefix of rule records. Returns records ordered by creation time.
var ruleList = goredis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
local out = {}
for _, id in ipairs(ids) do
  local v = redis.call('GET', ARGV[1] .. id)
  if v then out[#out + 1] = v end
end
return out
`)

// KEYS: rule, index, alerts, alerts data. ARGV: id. Returns 0 when nothing was removed.
var ruleDelete = goredis.NewScript(`
local removed = redis.call('DEL', KEYS[1])
removed = removed + redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3], KEYS[4])
return removed
`)

// KEYS: alerts, alerts data. ARGV: id, score, record, channel.
var alertAdd = goredis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('PUBLISH', ARGV[4], ARGV[3])
return 1
`)

// KEYS: alerts, alerts data. ARGV: min, max, limit, reverse. Returns id, record, read, reset
// quadruples.
var alertRange = goredis.NewScript(`
local ids
if ARGV[4] == '1' then
  ids = redis.call('ZREVRANGEBYSCORE', KEYS[1], ARGV[2], ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
else
  ids = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
end
local out = {}
for _, id in ipairs(ids) do
  local rec = redis.call('HGET', KEYS[2], id)
  if rec then
    out[#out + 1] = id
    out[#out + 1] = rec
    out[#out + 1] = redis.call('HGET', KEYS[2], id .. ':read') or ''
    out[#out + 1] = redis.call('HGET', KEYS[2], id .. ':reset') or ''
  end
end
return out
`)

// KEYS: alerts data. ARGV: suffix, value, ids... Returns the number of alerts updated.
var alertFlag = goredis.NewScript(`
local n = 0
for i = 3, #ARGV do
  if redis.call('HEXISTS', KEYS[1], ARGV[i]) == 1 then
    redis.call('HSET', KEYS[1], ARGV[i] .. ARGV[1], ARGV[2])
    n = n + 1
  end
end
return n
`)

// KEYS: alerts, alerts data. ARGV: max (exclusive bound syntax). Returns removed count.
var alertPrune = goredis.NewScript(luaBatch + `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if #ids == 0 then return 0 end
local fields = {}
for _, id in ipairs(ids) do
  fields[#fields + 1] = id
  fields[#fields + 1] = id .. ':read'
  fields[#fields + 1] = id .. ':reset'
end
hdel(KEYS[2], fields)
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
return #ids
`)
