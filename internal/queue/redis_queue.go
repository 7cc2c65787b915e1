package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"media-job-orchestrator/internal/models"
)

// RedisQueue keeps one ready list per kind, task bodies under queue:task:<id>
// and dequeued ids in the queue:inflight set scored by start time.
type RedisQueue struct {
	client      *redis.Client
	kinds       []models.Kind
	inflightKey string
	taskPrefix  string
}

// NewRedisQueue builds a queue that dequeues only the given kinds (all when empty).
func NewRedisQueue(client *redis.Client, kinds []models.Kind) *RedisQueue {
	if len(kinds) == 0 {
		kinds = models.Kinds
	}
	return &RedisQueue{
		client:      client,
		kinds:       kinds,
		inflightKey: "queue:inflight",
		taskPrefix:  "queue:task:",
	}
}

func (q *RedisQueue) readyKey(kind models.Kind) string {
	return fmt.Sprintf("queue:ready:%s", kind)
}

func (q *RedisQueue) taskKey(jobID string) string {
	return q.taskPrefix + jobID
}

// Enqueue stores the task body and appends its id to the kind's ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, task models.Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.taskKey(task.JobID), q.readyKey(task.Kind)},
		task.JobID, body,
	).Int()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.JobID, err)
	}
	if added == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, task.JobID)
	}
	return nil
}

// Dequeue pops the next task across this worker's kinds, in configured order.
func (q *RedisQueue) Dequeue(ctx context.Context) (*models.Task, error) {
	keys := make([]string, 0, len(q.kinds)+1)
	for _, k := range q.kinds {
		keys = append(keys, q.readyKey(k))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, q.taskPrefix, time.Now().UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return nil, fmt.Errorf("unexpected reply from dequeue script: %T", res)
	}
	body, ok := arr[1].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected task body type: %T", arr[1])
	}
	var task models.Task
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		return nil, fmt.Errorf("decode task %v: %w", arr[0], err)
	}
	return &task, nil
}

// Ack removes a task from in-flight tracking and drops its body.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.taskKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Cancel removes a not-yet-dequeued task from every ready list.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, k := range models.Kinds {
		pipe.LRem(ctx, q.readyKey(k), 0, jobID)
	}
	pipe.Del(ctx, q.taskKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the total length of this worker's ready lists.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.kinds))
	for _, k := range q.kinds {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(k)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// InFlight counts dequeued tasks that were never acknowledged. A task stuck
// here belongs to a worker that died mid-execution; it is not redelivered.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var enqueueScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[2]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
local prefix = ARGV[1]
for i=1,#KEYS-1 do
  while true do
    local job = redis.call('LPOP', KEYS[i])
    if not job then break end
    local body = redis.call('GET', prefix .. job)
    if body then
      redis.call('ZADD', inflight, ARGV[2], job)
      return {job, body}
    end
  end
end
return nil
`)
