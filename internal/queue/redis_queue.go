package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"shaggydog/internal/config"
)

// RedisQueue hands generation tasks from API replicas to worker processes.
// A task sits in the ready list until a worker takes it, then in the
// in-flight set until the worker acks it.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	jobMetaPrefix string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.QueueName, cfg.VisibilityTimeout)
}

// NewRedisQueueWithClient uses an existing client; name namespaces the keys.
func NewRedisQueueWithClient(client *redis.Client, name string, visibility time.Duration) *RedisQueue {
	if name == "" {
		name = "generations"
	}
	if visibility == 0 {
		visibility = 15 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      fmt.Sprintf("queue:%s:ready", name),
		inflightKey:   fmt.Sprintf("queue:%s:inflight", name),
		jobMetaPrefix: fmt.Sprintf("queue:%s:meta:", name),
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Enqueue records the task owner and appends the job to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, owner string) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "owner", owner, "enqueued_ms", time.Now().UnixMilli())
	pipe.RPush(ctx, q.readyKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Dequeue pops the oldest ready task and leases it. An empty jobID means
// nothing is waiting.
func (q *RedisQueue) Dequeue(ctx context.Context) (jobID, owner string, err error) {
	keys := []string{q.readyKey, q.inflightKey, q.jobMetaPrefix}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return "", "", fmt.Errorf("unexpected reply from dequeue script: %T", res)
	}
	jobID, _ = arr[0].(string)
	owner, _ = arr[1].(string)
	if jobID == "" {
		return "", "", fmt.Errorf("dequeue script returned empty job id")
	}
	return jobID, owner, nil
}

// Extend pushes a leased job's visibility deadline a full timeout past now.
// Jobs that are no longer in flight are left alone.
func (q *RedisQueue) Extend(ctx context.Context, jobID string) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(q.visibilityTTL).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Depth returns how many tasks are waiting for a worker.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// Expired lists leased jobs whose visibility deadline has passed. Tasks are
// never redelivered; the caller decides what to do with them.
func (q *RedisQueue) Expired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if not job then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], job)
local owner = redis.call('HGET', KEYS[3] .. job, 'owner')
if not owner then owner = '' end
return {job, owner}
`)
