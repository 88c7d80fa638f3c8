package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vespid-ai/gateway/internal/bus"
)

// dedupTTL bounds how long a job id blocks re-enqueueing. It comfortably
// outlives the results-cache window so a retried async dispatch served from
// cache cannot double-continue the workflow.
const dedupTTL = 24 * time.Hour

// RedisQueue produces onto a Redis list consumed by the workflow workers.
type RedisQueue struct {
	client *redis.Client
	name   string
}

func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{client: client, name: name}
}

// Enqueue claims the dedup marker and pushes the payload. The marker is
// claimed first so a crash between the two steps drops the job rather than
// duplicating it; the caller's retry path re-runs the whole dispatch.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, payload []byte) (bool, error) {
	claimed, err := q.client.SetNX(ctx, bus.QueueJobKey(q.name, jobID), 1, dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !claimed {
		return false, nil
	}
	if err := q.client.LPush(ctx, bus.QueueKey(q.name), payload).Err(); err != nil {
		return false, fmt.Errorf("push job %s: %w", jobID, err)
	}
	return true, nil
}
