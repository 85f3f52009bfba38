package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T, visibility time.Duration) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueueWithClient(client, "test", visibility)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, mr := newQueue(t, time.Minute)

	require.NoError(t, q.Enqueue(ctx, "job-1", "owner-1"))
	require.NoError(t, q.Enqueue(ctx, "job-2", "owner-2"))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)

	id, owner, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id, "tasks come out in submission order")
	assert.Equal(t, "owner-1", owner)

	members, err := mr.ZMembers("queue:test:inflight")
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, members)

	require.NoError(t, q.Ack(ctx, "job-1"))
	assert.False(t, mr.Exists("queue:test:meta:job-1"))
	assert.False(t, mr.Exists("queue:test:inflight"))

	depth, _ = q.Depth(ctx)
	assert.EqualValues(t, 1, depth)
}

func TestDequeueEmpty(t *testing.T) {
	q, _ := newQueue(t, time.Minute)

	id, owner, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, owner)
}

func TestExpired(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, time.Second)

	require.NoError(t, q.Enqueue(ctx, "job-1", "owner-1"))
	_, _, err := q.Dequeue(ctx)
	require.NoError(t, err)

	ids, err := q.Expired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = q.Expired(ctx, time.Now().Add(2*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, ids)
}

func TestExtendKeepsLeaseAlive(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, time.Minute)

	require.NoError(t, q.Enqueue(ctx, "job-1", "owner-1"))
	_, _, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Extend(ctx, "job-1"))
	expired, err := q.Expired(ctx, time.Now().Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)
	expired, err = q.Expired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, expired)

	// An acked job is not resurrected by a late extend.
	require.NoError(t, q.Ack(ctx, "job-1"))
	require.NoError(t, q.Extend(ctx, "job-1"))
	expired, err = q.Expired(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)
}
