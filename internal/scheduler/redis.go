package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/common/logger"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// reserveScript takes one unit of capacity on the executor and the org in a
// single atomic step. Reservations are sorted-set members scored by their
// expiry so expired entries can be pruned before counting; the executor cap
// is checked before the org cap, and a failed check leaves both sets
// untouched.
var reserveScript = redis.NewScript(`
local token = ARGV[1]
local now = tonumber(ARGV[2])
local exp = tonumber(ARGV[3])
local execCap = tonumber(ARGV[4])
local orgCap = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', now)

if execCap > 0 and redis.call('ZCARD', KEYS[1]) >= execCap then
  return 'executor'
end
if orgCap > 0 and redis.call('ZCARD', KEYS[2]) >= orgCap then
  return 'org'
end

redis.call('ZADD', KEYS[1], exp, token)
redis.call('ZADD', KEYS[2], exp, token)
redis.call('PEXPIRE', KEYS[1], exp - now + 60000)
redis.call('PEXPIRE', KEYS[2], exp - now + 60000)
return 'ok'
`)

// lastUsedTTL bounds how long tie-break timestamps outlive their executor.
const lastUsedTTL = 24 * time.Hour

// RedisState implements State on a shared Redis client. Routes are JSON
// strings under TTL'd keys; reservations are expiry-scored sorted sets so a
// crashed holder's units fall out on their own.
type RedisState struct {
	client *redis.Client
	logger *logger.Logger
}

func NewRedisState(client *redis.Client, log *logger.Logger) *RedisState {
	return &RedisState{client: client, logger: log.Named("scheduler.state")}
}

func (s *RedisState) PutRoute(ctx context.Context, route *v1.ExecutorRoute, ttl time.Duration) error {
	data, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("marshal route %s: %w", route.ExecutorID, err)
	}
	return s.client.Set(ctx, bus.RouteKey(route.ExecutorID), data, ttl).Err()
}

func (s *RedisState) GetRoute(ctx context.Context, executorID string) (*v1.ExecutorRoute, error) {
	data, err := s.client.Get(ctx, bus.RouteKey(executorID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRouteNotFound
		}
		return nil, err
	}
	var route v1.ExecutorRoute
	if err := json.Unmarshal(data, &route); err != nil {
		return nil, fmt.Errorf("corrupt route %s: %w", executorID, err)
	}
	return &route, nil
}

func (s *RedisState) DeleteRoute(ctx context.Context, executorID string) error {
	return s.client.Del(ctx, bus.RouteKey(executorID)).Err()
}

// ListRoutes scans the route keyspace. Entries that vanish between the scan
// and the fetch, or that fail to decode, are skipped.
func (s *RedisState) ListRoutes(ctx context.Context) ([]*v1.ExecutorRoute, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, bus.RouteKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan routes: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch routes: %w", err)
	}
	routes := make([]*v1.ExecutorRoute, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var route v1.ExecutorRoute
		if err := json.Unmarshal([]byte(raw), &route); err != nil {
			s.logger.Warn("skipping corrupt route", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		routes = append(routes, &route)
	}
	return routes, nil
}

func (s *RedisState) MarkUsed(ctx context.Context, executorID string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return s.client.Set(ctx, bus.ExecutorLastUsedKey(executorID), now, lastUsedTTL).Err()
}

func (s *RedisState) LastUsed(ctx context.Context, executorID string) (int64, error) {
	raw, err := s.client.Get(ctx, bus.ExecutorLastUsedKey(executorID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	return ms, nil
}

func (s *RedisState) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	token := uuid.NewString()
	now := time.Now()
	keys := []string{
		bus.ExecutorInFlightKey(req.ExecutorID),
		bus.OrgInFlightKey(req.OrganizationID),
	}
	args := []any{
		token,
		now.UnixMilli(),
		now.Add(req.TTL).UnixMilli(),
		req.ExecutorCap,
		req.OrgCap,
	}
	outcome, err := reserveScript.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}
	switch outcome {
	case "ok":
		return &Reservation{
			ExecutorID:     req.ExecutorID,
			OrganizationID: req.OrganizationID,
			Token:          token,
		}, nil
	case "executor":
		return nil, ErrExecutorOverCapacity
	case "org":
		return nil, ErrOrgQuotaExceeded
	default:
		return nil, fmt.Errorf("reserve: unexpected outcome %q", outcome)
	}
}

func (s *RedisState) Release(ctx context.Context, res *Reservation) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, bus.ExecutorInFlightKey(res.ExecutorID), res.Token)
	pipe.ZRem(ctx, bus.OrgInFlightKey(res.OrganizationID), res.Token)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisState) InFlight(ctx context.Context, executorID string) (int, error) {
	return s.countLive(ctx, bus.ExecutorInFlightKey(executorID))
}

func (s *RedisState) OrgInFlight(ctx context.Context, organizationID string) (int, error) {
	return s.countLive(ctx, bus.OrgInFlightKey(organizationID))
}

// countLive counts only reservations whose expiry is still in the future so
// a stale set never inflates the in-flight number between prunes.
func (s *RedisState) countLive(ctx context.Context, key string) (int, error) {
	now := time.Now().UnixMilli()
	n, err := s.client.ZCount(ctx, key, "("+strconv.FormatInt(now, 10), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
