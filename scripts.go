package rocket

import "github.com/BranchIntl/rocket/store"

// Transition result codes shared by the job scripts
const (
	scriptOK          = 1
	scriptNotFound    = -1
	scriptBadStatus   = -2
	scriptNotInSet    = -3
	scriptOtherOwner  = -4
	scriptBadArgument = -5
)

// transitionScript moves a job between status sets and rewrites its hash
// in one step.
//
// KEYS[1] job hash, KEYS[2] destination set, KEYS[3] waiting list,
// KEYS[4] scheduled sorted set, KEYS[5..] source sets (first match wins).
//
// ARGV[1] job id, ARGV[2] allowed statuses separated by spaces (empty for
// any), ARGV[3] owning worker (empty skips the check), ARGV[4] list op
// ("", "remove" or "push"), ARGV[5] field to increment, ARGV[6] sorted set
// op ("", "add" or "rem"), ARGV[7] score, ARGV[8] member, ARGV[9] number
// of field/value pairs n, then n pairs, then fields to delete.
var transitionScript = store.NewScript("transition", -1, `
if redis.call('exists', KEYS[1]) == 0 then
  return {-1, ''}
end
local status = redis.call('hget', KEYS[1], 'status') or ''
if ARGV[2] ~= '' then
  local allowed = false
  for s in string.gmatch(ARGV[2], '%S+') do
    if s == status then
      allowed = true
      break
    end
  end
  if not allowed then
    return {-2, status}
  end
end
if ARGV[3] ~= '' then
  local owner = redis.call('hget', KEYS[1], 'worker_name') or ''
  if owner ~= '' and owner ~= ARGV[3] then
    return {-4, owner}
  end
end
if #KEYS > 4 then
  local moved = false
  for i = 5, #KEYS do
    if redis.call('smove', KEYS[i], KEYS[2], ARGV[1]) == 1 then
      moved = true
      break
    end
  end
  if not moved then
    return {-3, status}
  end
end
if ARGV[4] == 'remove' then
  redis.call('lrem', KEYS[3], 0, ARGV[1])
elseif ARGV[4] == 'push' then
  redis.call('rpush', KEYS[3], ARGV[1])
end
if ARGV[6] == 'add' then
  redis.call('zadd', KEYS[4], ARGV[7], ARGV[8])
elseif ARGV[6] == 'rem' then
  redis.call('zrem', KEYS[4], ARGV[8])
end
if ARGV[5] ~= '' then
  redis.call('hincrby', KEYS[1], ARGV[5], 1)
end
local n = tonumber(ARGV[9])
for i = 0, n - 1 do
  redis.call('hset', KEYS[1], ARGV[10 + 2 * i], ARGV[11 + 2 * i])
end
for i = 10 + 2 * n, #ARGV do
  redis.call('hdel', KEYS[1], ARGV[i])
end
return {1, status}
`)

// moveScript hands a waiting or parked job to another queue.
//
// KEYS[1] job hash, KEYS[2] source set, KEYS[3] destination set,
// KEYS[4] source waiting list, KEYS[5] destination waiting list,
// KEYS[6] job to queue map. ARGV[1] job id, ARGV[2] required status,
// ARGV[3] destination queue, ARGV[4] source queue.
var moveScript = store.NewScript("move", 6, `
if redis.call('exists', KEYS[1]) == 0 then
  return {-1, ''}
end
local status = redis.call('hget', KEYS[1], 'status') or ''
if status ~= ARGV[2] then
  return {-2, status}
end
if redis.call('smove', KEYS[2], KEYS[3], ARGV[1]) == 0 then
  return {-3, status}
end
if status == 'waiting' then
  redis.call('lrem', KEYS[4], 0, ARGV[1])
  redis.call('rpush', KEYS[5], ARGV[1])
end
redis.call('hset', KEYS[1], 'queue_name', ARGV[3], 'prev_queue', ARGV[4])
redis.call('hset', KEYS[6], ARGV[1], ARGV[3])
return {1, status}
`)

// shiftScript repositions a job in the waiting list relative to a pivot.
// The list keeps the same members whatever the outcome.
//
// KEYS[1] waiting list. ARGV[1] job id, ARGV[2] BEFORE or AFTER,
// ARGV[3] pivot id.
var shiftScript = store.NewScript("shift", 1, `
if ARGV[1] == ARGV[3] then
  return -5
end
local hasJob, hasPivot = false, false
for _, v in ipairs(redis.call('lrange', KEYS[1], 0, -1)) do
  if v == ARGV[1] then hasJob = true end
  if v == ARGV[3] then hasPivot = true end
end
if not hasJob then
  return -3
end
if not hasPivot then
  return -5
end
redis.call('lrem', KEYS[1], 0, ARGV[1])
redis.call('linsert', KEYS[1], ARGV[2], ARGV[3], ARGV[1])
return 1
`)

// pumpScript delivers waiting jobs of one queue up to its running limit.
// Stale list entries whose hash is gone or which are not in the waiting
// set are dropped. Each delivered job is pushed to the ready list of its
// type as the JSON pair [queue, id].
//
// KEYS[1] running set, KEYS[2] waiting set, KEYS[3] waiting list,
// KEYS[4] job hash prefix, KEYS[5] ready jobs prefix.
// ARGV[1] max jobs, ARGV[2] running limit, ARGV[3] delivery time,
// ARGV[4] queue name.
var pumpScript = store.NewScript("pump", 5, `
local pumped = {}
local max = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
while #pumped < max
  and redis.call('scard', KEYS[1]) < limit
  and redis.call('scard', KEYS[2]) > 0 do
  local id = redis.call('lpop', KEYS[3])
  if not id then
    break
  end
  local key = KEYS[4] .. id
  if redis.call('exists', key) == 1 and redis.call('smove', KEYS[2], KEYS[1], id) == 1 then
    redis.call('hset', key, 'status', 'delivered', 'deliver_time', ARGV[3])
    local jobType = redis.call('hget', key, 'type')
    if not jobType or jobType == '' then
      jobType = 'default'
    end
    redis.call('rpush', KEYS[5] .. jobType, cjson.encode({ARGV[4], id}))
    table.insert(pumped, id)
  end
end
return pumped
`)

// scheduleScript removes and returns due entries of the scheduled set
// with their scores.
//
// KEYS[1] scheduled sorted set. ARGV[1] now, ARGV[2] max entries.
var scheduleScript = store.NewScript("schedule", 1, `
local due = redis.call('zrangebyscore', KEYS[1], 0, ARGV[1], 'WITHSCORES', 'LIMIT', 0, ARGV[2])
for i = 1, #due, 2 do
  redis.call('zrem', KEYS[1], due[i])
end
return due
`)

// takeFieldScript reads and deletes one hash field.
//
// KEYS[1] hash. ARGV[1] field.
var takeFieldScript = store.NewScript("take_field", 1, `
local v = redis.call('hget', KEYS[1], ARGV[1])
if v then
  redis.call('hdel', KEYS[1], ARGV[1])
end
return v
`)

// deleteQueueScript unregisters an empty queue and drops its structures.
// It returns -2 with the number of jobs found when any status set or the
// waiting list is not empty, and -1 when the queue is not registered.
//
// KEYS[1] queue registry, KEYS[2] waiting list, KEYS[3] paused flag,
// KEYS[4] disabled flag, KEYS[5..] status sets. ARGV[1] queue name.
var deleteQueueScript = store.NewScript("delete_queue", -1, `
local total = redis.call('llen', KEYS[2])
for i = 5, #KEYS do
  total = total + redis.call('scard', KEYS[i])
end
if total > 0 then
  return {-2, tostring(total)}
end
if redis.call('srem', KEYS[1], ARGV[1]) == 0 then
  return {-1, ''}
end
redis.call('del', unpack(KEYS, 2))
return {1, ''}
`)

// withdrawFieldScript deletes a hash field only while it holds the
// expected value.
//
// KEYS[1] hash. ARGV[1] field, ARGV[2] expected value.
var withdrawFieldScript = store.NewScript("withdraw_field", 1, `
if redis.call('hget', KEYS[1], ARGV[1]) == ARGV[2] then
  return redis.call('hdel', KEYS[1], ARGV[1])
end
return 0
`)
