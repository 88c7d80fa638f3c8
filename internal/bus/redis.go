package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/common/logger"
)

// delEqScript deletes a key only when it still holds the expected value.
var delEqScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisBus implements Bus on Redis streams, strings, and sets.
type RedisBus struct {
	client *redis.Client
	logger *logger.Logger
}

// NewRedisClient connects a go-redis client from a REDIS_URL and verifies it
// with a ping. The returned client is shared by the bus, the scheduler state
// store, and the continuation queue.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedisBus wraps an already-connected client.
func NewRedisBus(client *redis.Client, log *logger.Logger) *RedisBus {
	return &RedisBus{client: client, logger: log.Named("bus.redis")}
}

// Append adds a payload to the tail of a stream.
func (b *RedisBus) Append(ctx context.Context, stream string, payload []byte) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"payload": payload},
	}).Err()
}

// EnsureGroup creates a consumer group at the stream tail, tolerating the
// group already existing.
func (b *RedisBus) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadGroup fetches undelivered entries for a consumer, blocking up to block
// when the stream is idle.
func (b *RedisBus) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Delivery, error) {
	if count <= 0 {
		count = 1
	}
	// go-redis omits BLOCK for negative values; zero would block forever.
	blockArg := block
	if block <= 0 {
		blockArg = -1
	}
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    blockArg,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var ds []Delivery
	for _, s := range streams {
		for _, msg := range s.Messages {
			raw, _ := msg.Values["payload"].(string)
			ds = append(ds, Delivery{ID: msg.ID, Payload: []byte(raw)})
		}
	}
	return ds, nil
}

// Ack marks a delivery processed for the group.
func (b *RedisBus) Ack(ctx context.Context, stream, group, id string) error {
	return b.client.XAck(ctx, stream, group, id).Err()
}

// Set stores a value under key with an optional TTL.
func (b *RedisBus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// SetNX stores a value only when the key is absent.
func (b *RedisBus) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, value, ttl).Result()
}

// Get returns the value at key, or ErrNotFound.
func (b *RedisBus) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Del removes a key.
func (b *RedisBus) Del(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

// DelEq removes a key only when its current value equals expect.
func (b *RedisBus) DelEq(ctx context.Context, key string, expect []byte) (bool, error) {
	n, err := delEqScript.Run(ctx, b.client, []string{key}, string(expect)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Expire refreshes the TTL on an existing key.
func (b *RedisBus) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.client.Expire(ctx, key, ttl).Err()
}

// SAdd inserts a member into a set and refreshes the set's TTL.
func (b *RedisBus) SAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	pipe := b.client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SMembers lists a set's members.
func (b *RedisBus) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := b.client.SMembers(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return members, nil
}

// SRem removes a member from a set.
func (b *RedisBus) SRem(ctx context.Context, key, member string) error {
	return b.client.SRem(ctx, key, member).Err()
}

// Ping verifies connectivity to Redis.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the client. The client is shared; callers own process
// shutdown ordering.
func (b *RedisBus) Close() {
	if err := b.client.Close(); err != nil {
		b.logger.Warn("error closing redis client", zap.Error(err))
	}
}
