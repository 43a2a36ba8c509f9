// Package queue dispatches generation job ids to workers through Redis.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrAlreadyQueued is returned by Enqueue when the job is still ready,
// scheduled or leased.
var ErrAlreadyQueued = errors.New("job already queued")

// Options configures key names and the lease length.
type Options struct {
	Prefix            string
	PriorityQueues    []string
	VisibilityTimeout time.Duration
	DLQKey            string
}

type keyspace struct {
	prefix    string
	inflight  string
	scheduled string
	dlq       string
}

func (k keyspace) ready(priority string) string { return k.prefix + ":ready:" + priority }
func (k keyspace) meta(jobID string) string     { return k.prefix + ":meta:" + jobID }

// RedisQueue dispatches generation job ids through ready lists (one per
// priority), an in-flight lease set and a scheduled set, both scored by unix
// milliseconds. Per-job metadata (priority, system failure count) lives in a
// hash that survives reschedules and is dropped on Ack, Cancel or DeadLetter;
// its presence marks the job as queued.
type RedisQueue struct {
	client     *redis.Client
	keys       keyspace
	priorities []string
	lease      time.Duration
	now        func() time.Time
}

func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	k := keyspace{prefix: opts.Prefix}
	if k.prefix == "" {
		k.prefix = "governance:queue"
	}
	k.inflight = k.prefix + ":inflight"
	k.scheduled = k.prefix + ":scheduled"
	k.dlq = opts.DLQKey
	if k.dlq == "" {
		k.dlq = k.prefix + ":dlq"
	}
	q := &RedisQueue{
		client:     client,
		keys:       k,
		priorities: opts.PriorityQueues,
		lease:      opts.VisibilityTimeout,
		now:        time.Now,
	}
	if len(q.priorities) == 0 {
		q.priorities = []string{"default"}
	}
	if q.lease <= 0 {
		q.lease = 2 * time.Minute
	}
	return q
}

// fallback is the priority used for unknown names: the middle configured one.
func (q *RedisQueue) fallback() string {
	return q.priorities[len(q.priorities)/2]
}

func (q *RedisQueue) normalize(priority string) string {
	for _, known := range q.priorities {
		if known == priority {
			return priority
		}
	}
	return q.fallback()
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Enqueue makes a job ready now, or schedules it when runAt lies in the
// future. A job that is already queued is left where it is and
// ErrAlreadyQueued is returned.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, priority string, runAt time.Time) error {
	priority = q.normalize(priority)
	deferred := "0"
	if runAt.After(q.now()) {
		deferred = "1"
	}
	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.keys.meta(jobID), q.keys.ready(priority), q.keys.scheduled},
		jobID, priority, millis(runAt), deferred,
	).Int()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	if added == 0 {
		return ErrAlreadyQueued
	}
	return nil
}

// Reschedule gives up the lease on an in-flight job and defers it to runAt.
// Metadata, including the failure count, is kept.
func (q *RedisQueue) Reschedule(ctx context.Context, jobID string, runAt time.Time) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.keys.inflight, jobID)
		pipe.ZAdd(ctx, q.keys.scheduled, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
		return nil
	})
	return err
}

// RecordFailure increments and returns the job's system failure count.
func (q *RedisQueue) RecordFailure(ctx context.Context, jobID string) (int, error) {
	n, err := q.client.HIncrBy(ctx, q.keys.meta(jobID), "failures", 1).Result()
	return int(n), err
}

// PromoteScheduled moves up to limit scheduled jobs due at now onto their
// ready lists and reports how many moved.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.moveDue(ctx, q.keys.scheduled, now, limit)
	return len(ids), err
}

// RequeueExpired puts jobs whose lease ran out before now back on their
// ready lists and returns their ids.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.keys.inflight, now, limit)
}

// moveDue runs as one script so concurrent workers never move the same id twice.
func (q *RedisQueue) moveDue(ctx context.Context, from string, now time.Time, limit int64) ([]string, error) {
	args := make([]any, 0, 4+len(q.priorities))
	args = append(args, millis(now), limit, q.keys.prefix, q.fallback())
	for _, p := range q.priorities {
		args = append(args, p)
	}
	ids, err := moveDueScript.Run(ctx, q.client, []string{from}, args...).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("move due jobs from %s: %w", from, err)
	}
	return ids, nil
}

// DequeueWithLease pops the next job, highest priority first, and leases it
// for the visibility timeout. It returns "" when every list is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorities)+1)
	keys = append(keys, q.keys.inflight)
	for _, p := range q.priorities {
		keys = append(keys, q.keys.ready(p))
	}
	jobID, err := dequeueScript.Run(ctx, q.client, keys, millis(q.now().Add(q.lease))).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	return jobID, nil
}

// ExtendLease moves an in-flight job's deadline to now+extension. Jobs no
// longer in flight are not re-added.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.keys.inflight, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack finishes a job.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.forget(ctx, jobID, false)
}

// Cancel withdraws a job wherever it currently sits.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	return q.forget(ctx, jobID, true)
}

func (q *RedisQueue) forget(ctx context.Context, jobID string, everywhere bool) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.keys.inflight, jobID)
		pipe.Del(ctx, q.keys.meta(jobID))
		if everywhere {
			pipe.ZRem(ctx, q.keys.scheduled, jobID)
			for _, p := range q.priorities {
				pipe.LRem(ctx, q.keys.ready(p), 0, jobID)
			}
		}
		return nil
	})
	return err
}

// DeadLetter finishes a job and records its id on the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, jobID string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.keys.inflight, jobID)
		pipe.Del(ctx, q.keys.meta(jobID))
		pipe.RPush(ctx, q.keys.dlq, jobID)
		return nil
	})
	return err
}

// DLQPeek returns up to count dead-lettered ids, oldest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.keys.dlq, 0, count-1).Result()
}

// ReadyDepth sums the ready lists.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	lens := make([]*redis.IntCmd, len(q.priorities))
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, p := range q.priorities {
			lens[i] = pipe.LLen(ctx, q.keys.ready(p))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, l := range lens {
		total += l.Val()
	}
	return total, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// KEYS: meta, ready list, scheduled set. ARGV: job id, priority, run-at ms, deferred flag.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'priority', ARGV[2], 'failures', 0)
if ARGV[4] == '1' then
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
else
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 1
`)

// KEYS: source set. ARGV: now ms, limit, key prefix, fallback priority, known priorities...
var moveDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local known = {}
for i = 5, #ARGV do
  known[ARGV[i]] = true
end
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local p = redis.call('HGET', ARGV[3] .. ':meta:' .. id, 'priority')
  if not p or not known[p] then
    p = ARGV[4]
  end
  redis.call('RPUSH', ARGV[3] .. ':ready:' .. p, id)
end
return due
`)

// KEYS: in-flight set, then ready lists in priority order. ARGV: lease deadline ms.
var dequeueScript = redis.NewScript(`
for i = 2, #KEYS do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', KEYS[1], ARGV[1], id)
    return id
  end
end
return false
`)
