package scheduler

import (
	"context"
	"math"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/common/config"
	"github.com/vespid-ai/gateway/internal/common/logger"
	"github.com/vespid-ai/gateway/internal/store"
)

// QuotaCache resolves an organization's in-flight quota from its settings,
// caching the answer in the bus KV so every brain shares one value and the
// store is read at most once per window. Lookups for the same org collapse
// through a singleflight group.
type QuotaCache struct {
	store  store.Store
	kv     bus.Bus
	cfg    config.SchedulerConfig
	group  singleflight.Group
	logger *logger.Logger
}

func NewQuotaCache(st store.Store, kv bus.Bus, cfg config.SchedulerConfig, log *logger.Logger) *QuotaCache {
	return &QuotaCache{store: st, kv: kv, cfg: cfg, logger: log.Named("scheduler.quota")}
}

// MaxInFlight returns the organization's concurrent-execution cap. A missing
// org, a store failure, or a non-positive configured value all resolve to the
// deployment default; failures still populate the cache so a broken store is
// not hammered on every dispatch.
func (q *QuotaCache) MaxInFlight(ctx context.Context, organizationID string) int {
	key := bus.OrgQuotaKey(organizationID)
	if raw, err := q.kv.Get(ctx, key); err == nil {
		if n, err := strconv.Atoi(string(raw)); err == nil && n > 0 {
			return n
		}
	}

	v, _, _ := q.group.Do(organizationID, func() (any, error) {
		quota := q.load(ctx, organizationID)
		if err := q.kv.Set(ctx, key, []byte(strconv.Itoa(quota)), q.cfg.OrgQuotaCacheTTL()); err != nil {
			q.logger.Warn("quota cache write failed", zap.String("organizationId", organizationID), zap.Error(err))
		}
		return quota, nil
	})
	return v.(int)
}

// Invalidate drops the cached quota, forcing the next lookup to re-read the
// organization's settings.
func (q *QuotaCache) Invalidate(ctx context.Context, organizationID string) {
	if err := q.kv.Del(ctx, bus.OrgQuotaKey(organizationID)); err != nil {
		q.logger.Warn("quota cache invalidate failed", zap.String("organizationId", organizationID), zap.Error(err))
	}
}

func (q *QuotaCache) load(ctx context.Context, organizationID string) int {
	org, err := q.store.GetOrganization(ctx, organizationID)
	if err != nil {
		q.logger.Warn("quota lookup failed, using default",
			zap.String("organizationId", organizationID), zap.Error(err))
		return q.cfg.OrgMaxInFlight
	}
	if n, ok := quotaFromSettings(org.Settings); ok {
		return n
	}
	return q.cfg.OrgMaxInFlight
}

// quotaFromSettings digs execution.quotas.maxExecutorInFlight out of the
// settings document. Only a strictly positive finite number overrides the
// default; zero, negatives, and junk are ignored.
func quotaFromSettings(settings map[string]any) (int, bool) {
	execution, ok := settings["execution"].(map[string]any)
	if !ok {
		return 0, false
	}
	quotas, ok := execution["quotas"].(map[string]any)
	if !ok {
		return 0, false
	}
	switch n := quotas["maxExecutorInFlight"].(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n < 1 {
			return 0, false
		}
		return int(n), true
	case int:
		if n < 1 {
			return 0, false
		}
		return n, true
	case int64:
		if n < 1 {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
