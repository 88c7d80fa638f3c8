package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/common/logger"
	"github.com/vespid-ai/gateway/internal/store"
)

func newQuotaCache(t *testing.T) (*QuotaCache, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewQuotaCache(st, bus.NewMemoryBus(), testConfig(), logger.Default()), st
}

func orgWithQuota(quota any) *store.Organization {
	return &store.Organization{
		Name: "acme",
		Settings: map[string]any{
			"execution": map[string]any{
				"quotas": map[string]any{"maxExecutorInFlight": quota},
			},
		},
	}
}

func TestQuotaDefaultWhenUnset(t *testing.T) {
	q, st := newQuotaCache(t)
	ctx := context.Background()

	org := &store.Organization{Name: "plain"}
	require.NoError(t, st.CreateOrganization(ctx, org))

	assert.Equal(t, 50, q.MaxInFlight(ctx, org.ID))
}

func TestQuotaSettingsOverride(t *testing.T) {
	q, st := newQuotaCache(t)
	ctx := context.Background()

	org := orgWithQuota(float64(7))
	require.NoError(t, st.CreateOrganization(ctx, org))

	assert.Equal(t, 7, q.MaxInFlight(ctx, org.ID))
}

func TestQuotaZeroFallsBackToDefault(t *testing.T) {
	q, st := newQuotaCache(t)
	ctx := context.Background()

	org := orgWithQuota(float64(0))
	require.NoError(t, st.CreateOrganization(ctx, org))

	assert.Equal(t, 50, q.MaxInFlight(ctx, org.ID))
}

func TestQuotaNegativeAndJunkIgnored(t *testing.T) {
	q, st := newQuotaCache(t)
	ctx := context.Background()

	neg := orgWithQuota(float64(-3))
	require.NoError(t, st.CreateOrganization(ctx, neg))
	assert.Equal(t, 50, q.MaxInFlight(ctx, neg.ID))

	junk := orgWithQuota("twelve")
	require.NoError(t, st.CreateOrganization(ctx, junk))
	assert.Equal(t, 50, q.MaxInFlight(ctx, junk.ID))
}

func TestQuotaMissingOrgUsesDefaultAndCaches(t *testing.T) {
	q, st := newQuotaCache(t)
	ctx := context.Background()

	// First read fails the store lookup and caches the default.
	assert.Equal(t, 50, q.MaxInFlight(ctx, "org-late"))

	// The org appears afterwards, but the cached default still serves.
	org := orgWithQuota(float64(9))
	org.ID = "org-late"
	require.NoError(t, st.CreateOrganization(ctx, org))
	assert.Equal(t, 50, q.MaxInFlight(ctx, "org-late"))

	// Invalidation forces a re-read.
	q.Invalidate(ctx, "org-late")
	assert.Equal(t, 9, q.MaxInFlight(ctx, "org-late"))
}
