package callqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the durable, crash-tolerant Store implementation backed by
// Redis, grounded on the teacher's pkg/utils/redis.go Lua-script idiom:
// the writes are single atomic script invocations (Release is a single
// SREM). Put, PopReady, PromoteDue and Update do their reads and writes
// inside one script; Enqueue and Schedule first Get the record from Go
// and then run their script, Schedule writing back a record encoded from
// that earlier read. PopReady's active-set ceiling
// and Update's read-merge-write both live entirely inside their scripts
// for this reason, checked against Redis's actual set membership
// (SCARD) rather than a separately-tracked counter that could drift from
// it.
//
// Key layout (SPEC_FULL.md §4.1):
//   callqueue:job:<id>       hash{data, status, priority}
//   callqueue:pending:<prio> list (FIFO via RPUSH/LPOP)
//   callqueue:scheduled      zset, score = scheduled_at unix seconds
//   callqueue:active         set of ids
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

const jobKeyPrefix = "callqueue:job:"

func jobKey(id string) string { return jobKeyPrefix + id }

func pendingKey(p Priority) string { return "callqueue:pending:" + string(p) }

const scheduledKey = "callqueue:scheduled"
const activeKey = "callqueue:active"

var putScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'status', ARGV[2], 'priority', ARGV[3])
return 1
`)

func (s *RedisStore) Put(ctx context.Context, job CallJob) (PutOutcome, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	res, err := putScript.Run(ctx, s.rdb, []string{jobKey(job.ID)}, string(data), string(job.Status), string(job.Priority)).Int()
	if err != nil {
		return "", err
	}
	if res == 1 {
		return PutCreated, nil
	}
	return PutExists, nil
}

var enqueueScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'pending' then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

func (s *RedisStore) Enqueue(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	res, err := enqueueScript.Run(ctx, s.rdb, []string{jobKey(id), pendingKey(job.Priority)}, id).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotPending
	}
	return nil
}

var scheduleScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'status', 'scheduled')
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

func (s *RedisStore) Schedule(ctx context.Context, id string, at time.Time) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	job.Status = StatusScheduled
	job.ScheduledAt = &at
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = scheduleScript.Run(ctx, s.rdb, []string{jobKey(id), scheduledKey}, string(data), at.Unix(), id).Result()
	return err
}

// popReadyScript drains the four priority lists strictly high-to-low,
// respecting the active-set capacity ceiling, and marks each moved id
// Dispatching in the same atomic pass.
var popReadyScript = redis.NewScript(`
local out = {}
local capacity = tonumber(ARGV[2]) - redis.call('SCARD', KEYS[5])
local want = tonumber(ARGV[1])
if capacity < want then want = capacity end
for i = 1, 4 do
  while want > 0 do
    local id = redis.call('LPOP', KEYS[i])
    if not id then break end
    redis.call('SADD', KEYS[5], id)
    local jobKey = ARGV[3] .. id
    local raw = redis.call('HGET', jobKey, 'data')
    if raw then
      local job = cjson.decode(raw)
      job.status = 'dispatching'
      redis.call('HSET', jobKey, 'data', cjson.encode(job), 'status', 'dispatching')
    else
      redis.call('HSET', jobKey, 'status', 'dispatching')
    end
    table.insert(out, id)
    want = want - 1
  end
  if want <= 0 then break end
end
return out
`)

func (s *RedisStore) PopReady(ctx context.Context, n, maxConcurrent int) ([]string, error) {
	keys := []string{
		pendingKey(PriorityUrgent),
		pendingKey(PriorityHigh),
		pendingKey(PriorityNormal),
		pendingKey(PriorityLow),
		activeKey,
	}
	res, err := popReadyScript.Run(ctx, s.rdb, keys, n, maxConcurrent, jobKeyPrefix).StringSlice()
	if err != nil {
		return nil, err
	}
	return res, nil
}

// promoteDueScript only flips status to pending; it does not push onto a
// priority FIFO. The caller enqueues each returned id explicitly, the
// same way it would for any other Pending job — pushing here too would
// double-enqueue every promoted job.
var promoteDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[2] .. id
  local raw = redis.call('HGET', jobKey, 'data')
  if raw then
    local job = cjson.decode(raw)
    job.status = 'pending'
    redis.call('HSET', jobKey, 'data', cjson.encode(job), 'status', 'pending')
  else
    redis.call('HSET', jobKey, 'status', 'pending')
  end
end
return ids
`)

func (s *RedisStore) PromoteDue(ctx context.Context, now time.Time) ([]string, error) {
	res, err := promoteDueScript.Run(ctx, s.rdb, []string{scheduledKey}, now.Unix(), jobKeyPrefix).StringSlice()
	if err != nil {
		return nil, err
	}
	return res, nil
}

// updateScript performs the entire read-merge-write in one atomic round
// trip: it decodes the stored record and the patch with Redis's built-in
// cjson, applies only the fields the patch sets, and writes the merged
// record back — closing the lost-update window a Go-side read-merge-write
// would leave between two concurrent callers (e.g. the Supervisor's own
// status update racing the dispatcher sweeper's force-completion).
var updateScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], 'data')
if raw == false then
  return redis.error_reply('NOTFOUND job does not exist')
end
local job = cjson.decode(raw)
if job.status == 'completed' or job.status == 'failed' or job.status == 'missed' or job.status == 'cancelled' then
  return redis.error_reply('TERMINAL job is already terminal')
end
local patch = cjson.decode(ARGV[1])
if patch.status ~= nil then job.status = patch.status end
if patch.retry_count ~= nil then job.retry_count = patch.retry_count end
if patch.started_at ~= nil then job.started_at = patch.started_at end
if patch.completed_at ~= nil then job.completed_at = patch.completed_at end
if patch.last_error ~= nil then job.last_error = patch.last_error end
if patch.append_attempt ~= nil then
  if job.attempt_log == nil then job.attempt_log = {} end
  table.insert(job.attempt_log, patch.append_attempt)
end
if patch.result ~= nil then job.result = patch.result end
job.updated_at = ARGV[2]
local encoded = cjson.encode(job)
redis.call('HSET', KEYS[1], 'data', encoded, 'status', job.status)
return encoded
`)

// patchDoc is Patch marshaled for the Lua side: only fields the caller
// actually set are present, so the script can tell "leave alone" apart
// from "set to zero value".
type patchDoc struct {
	Status        *Status        `json:"status,omitempty"`
	RetryCount    *int           `json:"retry_count,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	LastError     *string        `json:"last_error,omitempty"`
	AppendAttempt *AttemptRecord `json:"append_attempt,omitempty"`
	Result        *CallResult    `json:"result,omitempty"`
}

func (s *RedisStore) Update(ctx context.Context, id string, patch Patch) (CallJob, error) {
	doc := patchDoc{
		Status:        patch.Status,
		RetryCount:    patch.RetryCount,
		StartedAt:     patch.StartedAt,
		CompletedAt:   patch.CompletedAt,
		LastError:     patch.LastError,
		AppendAttempt: patch.AppendAttempt,
		Result:        patch.Result,
	}
	patchData, err := json.Marshal(doc)
	if err != nil {
		return CallJob{}, err
	}

	updatedAt := time.Now().UTC()
	encoded, err := updateScript.Run(ctx, s.rdb, []string{jobKey(id)}, string(patchData), updatedAt.Format(time.RFC3339Nano)).Text()
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "NOTFOUND"):
			return CallJob{}, ErrNotFound
		case strings.Contains(err.Error(), "TERMINAL"):
			return CallJob{}, ErrTerminal
		default:
			return CallJob{}, err
		}
	}

	var job CallJob
	if err := json.Unmarshal([]byte(encoded), &job); err != nil {
		return CallJob{}, fmt.Errorf("callqueue: corrupt record for %s: %w", id, err)
	}
	return job, nil
}

func (s *RedisStore) Release(ctx context.Context, id string) error {
	return s.rdb.SRem(ctx, activeKey, id).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (CallJob, error) {
	data, err := s.rdb.HGet(ctx, jobKey(id), "data").Result()
	if err == redis.Nil {
		return CallJob{}, ErrNotFound
	}
	if err != nil {
		return CallJob{}, err
	}
	var job CallJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return CallJob{}, fmt.Errorf("callqueue: corrupt record for %s: %w", id, err)
	}
	return job, nil
}

func (s *RedisStore) ScanActive(ctx context.Context, fn func(CallJob) bool) error {
	ids, err := s.rdb.SMembers(ctx, activeKey).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if !fn(job) {
			break
		}
	}
	return nil
}

func (s *RedisStore) Metrics(ctx context.Context) (QueueMetrics, error) {
	m := QueueMetrics{PendingByPriority: make(map[Priority]int)}
	for _, p := range Priorities {
		n, err := s.rdb.LLen(ctx, pendingKey(p)).Result()
		if err != nil {
			return QueueMetrics{}, err
		}
		m.PendingByPriority[p] = int(n)
	}
	sc, err := s.rdb.ZCard(ctx, scheduledKey).Result()
	if err != nil {
		return QueueMetrics{}, err
	}
	m.Scheduled = int(sc)
	ac, err := s.rdb.SCard(ctx, activeKey).Result()
	if err != nil {
		return QueueMetrics{}, err
	}
	m.Active = int(ac)
	return m, nil
}

// terminalStatuses is checked against a job hash's flat status field
// before paying for a full HGET+decode of its data blob.
var terminalStatuses = map[string]bool{
	string(StatusCompleted): true,
	string(StatusFailed):    true,
	string(StatusMissed):    true,
	string(StatusCancelled): true,
}

// EvictTerminalBefore walks callqueue:job:* with SCAN (non-blocking,
// bounded batch size, safe to run against a live keyspace) and deletes
// any terminal record last updated before cutoff. It is a
// maintenance sweep, not part of the hot dispatch path, so an
// unsynchronized read of each key rather than a Lua script is acceptable:
// a job that transitions between the status check and the delete is
// simply picked up on the next run.
func (s *RedisStore) EvictTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var cursor uint64
	n := 0
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, jobKeyPrefix+"*", 200).Result()
		if err != nil {
			return n, err
		}
		for _, key := range keys {
			fields, err := s.rdb.HMGet(ctx, key, "status", "data").Result()
			if err != nil || len(fields) != 2 {
				continue
			}
			status, _ := fields[0].(string)
			if !terminalStatuses[status] {
				continue
			}
			raw, _ := fields[1].(string)
			if raw == "" {
				continue
			}
			var job CallJob
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				continue
			}
			if !job.UpdatedAt.Before(cutoff) {
				continue
			}
			if err := s.rdb.Del(ctx, key).Err(); err == nil {
				n++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return n, nil
}
