package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/gateway/internal/common/config"
	"github.com/vespid-ai/gateway/internal/common/logger"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		OrgMaxInFlight:         50,
		ExecutorMaxInFlightCap: 16,
		ReserveTTLMs:           300000,
		OrgQuotaCacheTTLMs:     15000,
		StaleExecutorMs:        60000,
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *MemoryState) {
	t.Helper()
	state := NewMemoryState()
	return New(state, testConfig(), logger.Default()), state
}

func putRoute(t *testing.T, state *MemoryState, route v1.ExecutorRoute) {
	t.Helper()
	if route.MaxInFlight == 0 {
		route.MaxInFlight = 4
	}
	if len(route.Kinds) == 0 {
		route.Kinds = []v1.ExecutorKind{
			v1.ExecutorKindConnectorAction,
			v1.ExecutorKindAgentExecute,
			v1.ExecutorKindAgentRun,
			v1.ExecutorKindAgentSession,
		}
	}
	require.NoError(t, state.PutRoute(context.Background(), &route, time.Minute))
}

func TestSelectReservesLeastLoaded(t *testing.T) {
	s, state := newTestScheduler(t)
	ctx := context.Background()

	putRoute(t, state, v1.ExecutorRoute{ExecutorID: "e1", Pool: v1.PoolManaged, EdgeID: "edge-a"})
	putRoute(t, state, v1.ExecutorRoute{ExecutorID: "e2", Pool: v1.PoolManaged, EdgeID: "edge-b"})

	// Load e1 so e2 scores lower.
	_, err := state.Reserve(ctx, ReserveRequest{ExecutorID: "e1", OrganizationID: "org-1", ExecutorCap: 4, OrgCap: 50, TTL: time.Minute})
	require.NoError(t, err)

	sel, err := s.Select(ctx, SelectionInput{
		OrganizationID: "org-1",
		Kind:           v1.ExecutorKindConnectorAction,
		PoolOrder:      DispatchPoolOrder(),
		OrgCap:         50,
	})
	require.NoError(t, err)
	assert.Equal(t, "e2", sel.Route.ExecutorID)
	require.NotNil(t, sel.Reservation)

	inFlight, err := state.InFlight(ctx, "e2")
	require.NoError(t, err)
	assert.Equal(t, 1, inFlight)
}

func TestSelectTieBreaksByLeastRecentlyUsed(t *testing.T) {
	s, state := newTestScheduler(t)
	ctx := context.Background()

	putRoute(t, state, v1.ExecutorRoute{ExecutorID: "e1", Pool: v1.PoolManaged, EdgeID: "edge-a"})
	putRoute(t, state, v1.ExecutorRoute{ExecutorID: "e2", Pool: v1.PoolManaged, EdgeID: "edge-b"})

	require.NoError(t, state.MarkUsed(ctx, "e1"))

	sel, err := s.Select(ctx, SelectionInput{
		OrganizationID: "org-1",
		Kind:           v1.ExecutorKindAgentRun,
		PoolOrder:      DispatchPoolOrder(),
		OrgCap:         50,
	})
	require.NoError(t, err)
	assert.Equal(t, "e2", sel.Route.ExecutorID, "never-used executor should win the tie")
}

func TestSelectPrefersTenantPoolForSessions(t *testing.T) {
	s, state := newTestScheduler(t)
	ctx := context.Background()

	putRoute(t, state, v1.ExecutorRoute{ExecutorID: "managed-1", Pool: v1.PoolManaged, EdgeID: "edge-a"})
	putRoute(t, state, v1.ExecutorRoute{ExecutorID: "byon-1", Pool: v1.PoolBYON, OrganizationID: "org-1", EdgeID: "edge-b"})

	sel, err := s.Select(ctx, SelectionInput{
		OrganizationID: "org-1",
		Kind:           v1.ExecutorKindAgentSession,
		PoolOrder:      SessionPoolOrder(),
		OrgCap:         50,
	})
	require.NoError(t, err)
	assert.Equal(t, "byon-1", sel.Route.ExecutorID)
}

func TestSelectFallsBackToManagedWhenTenantPoolBusy(t *testing.T) {
	s, state := newTestScheduler(t)
	ctx := context.Background()

	putRoute(t, state, v1.ExecutorRoute{ExecutorID: "byon-1", Pool: v1.PoolBYON, OrganizationID: "org-1", EdgeID: "edge-a", MaxInFlight: 1})
	putRoute(t, state, v1.ExecutorRoute{ExecutorID: "managed-1", Pool: v1.PoolManaged, EdgeID: "edge-b"})

	_, err := state.Reserve(ctx, ReserveRequest{ExecutorID: "byon-1", OrganizationID: "org-1", ExecutorCap: 1, OrgCap: 50, TTL: time.Minute})
	require.NoError(t, err)

	sel, err := s.Select(ctx, SelectionInput{
		OrganizationID: "org-1",
		Kind:           v1.ExecutorKindAgentSession,
		PoolOrder:      SessionPoolOrder(),
		OrgCap:         50,
	})
	require.NoError(t, err)
	assert.Equal(t, "managed-1", sel.Route.ExecutorID)
}

func TestSelectorPoolOverridesDefaultOrder(t *testing.T) {
	s, state := newTestScheduler(t)
	ctx := context.Background()

	putRoute(t, state, v1.ExecutorRoute{ExecutorID: "byon-1", Pool: v1.PoolBYON, OrganizationID: "org-1", EdgeID: "edge-a"})
	putRoute(t, state, v1.ExecutorRoute{ExecutorID: "managed-1", Pool: v1.PoolManaged, EdgeID: "edge-b"})

	sel, err := s.Select(ctx, SelectionInput{
		OrganizationID: "org-1",
		Kind:           v1.ExecutorKindAgentSession,
		Selector:       &v1.Selector{Pool: v1.PoolManaged},
		PoolOrder:      SessionPoolOrder(),
		OrgCap:         50,
	})
	require.NoError(t, err)
	assert.Equal(t, "managed-1", sel.Route.ExecutorID)
}

func TestSelectFiltersForeignTenantRoutes(t *testing.T) {
	s, state := newTestScheduler(t)
	ctx := context.Background()

	putRoute(t, state, v1.ExecutorRoute{ExecutorID: "byon-other", Pool: v1.PoolBYON, OrganizationID: "org-2", EdgeID: "edge-a"})

	_, err := s.Select(ctx, SelectionInput{
		OrganizationID: "org-1",
		Kind:           v1.ExecutorKindAgentSession,
		PoolOrder:      []v1.ExecutorPool{v1.PoolBYON},
		OrgCap:         50,
	})
	assert.ErrorIs(t, err, ErrNoExecutorAvailable)
}

func TestSelectFiltersByKindAndLabels(t *testing.T) {
	s, state := newTestScheduler(t)
	ctx := context.Background()

	putRoute(t, state, v1.ExecutorRoute{
		ExecutorID: "tools-only",
		Pool:       v1.PoolManaged,
		EdgeID:     "edge-a",
		Kinds:      []v1.ExecutorKind{v1.ExecutorKindConnectorAction},
	})
	putRoute(t, state, v1.ExecutorRoute{
		ExecutorID: "gpu",
		Pool:       v1.PoolManaged,
		EdgeID:     "edge-b",
		Labels:     []string{"gpu", "region:eu"},
	})

	_, err := s.Select(ctx, SelectionInput{
		OrganizationID: "org-1",
		Kind:           v1.ExecutorKindAgentRun,
		Selector:       &v1.Selector{Labels: []string{"gpu", "region:us"}},
		PoolOrder:      DispatchPoolOrder(),
		OrgCap:         50,
	})
	assert.ErrorIs(t, err, ErrNoExecutorAvailable, "missing label must exclude the route")

	sel, err := s.Select(ctx, SelectionInput{
		OrganizationID: "org-1",
		Kind:           v1.ExecutorKindAgentRun,
		Selector:       &v1.Selector{Labels: []string{"gpu"}},
		PoolOrder:      DispatchPoolOrder(),
		OrgCap:         50,
	})
	require.NoError(t, err)
	assert.Equal(t, "gpu", sel.Route.ExecutorID)
}

func TestSelectGroupMatchesPlainOrPrefixedLabel(t *testing.T) {
	s, state := newTestScheduler(t)
	ctx := context.Background()

	putRoute(t, state, v1.ExecutorRoute{ExecutorID: "g1", Pool: v1.PoolManaged, EdgeID: "edge-a", Labels: []string{"group:builders"}})

	sel, err := s.Select(ctx, SelectionInput{
		OrganizationID: "org-1",
		Kind:           v1.ExecutorKindAgentRun,
		Selector:       &v1.Selector{Group: "builders"},
		PoolOrder:      DispatchPoolOrder(),
		OrgCap:         50,
	})
	require.NoError(t, err)
	assert.Equal(t, "g1", sel.Route.ExecutorID)
}

func TestSelectExactExecutorMissing(t *testing.T) {
	s, state := newTestScheduler(t)
	ctx := context.Background()

	putRoute(t, state, v1.ExecutorRoute{ExecutorID: "e1", Pool: v1.PoolManaged, EdgeID: "edge-a"})

	_, err := s.Select(ctx, SelectionInput{
		OrganizationID: "org-1",
		Kind:           v1.ExecutorKindAgentRun,
		Selector:       &v1.Selector{ExecutorID: "gone"},
		PoolOrder:      DispatchPoolOrder(),
		OrgCap:         50,
	})
	assert.ErrorIs(t, err, ErrNoExecutorAvailable)
}

func TestSelectOAuthGate(t *testing.T) {
	s, state := newTestScheduler(t)
	ctx := context.Background()

	route := v1.ExecutorRoute{
		ExecutorID:     "e1",
		Pool:           v1.PoolBYON,
		OrganizationID: "org-1",
		EdgeID:         "edge-a",
		EngineAuth:     map[string]v1.EngineAuth{"gateway.codex.v2": {OAuthVerified: false}},
	}
	putRoute(t, state, route)

	in := SelectionInput{
		OrganizationID: "org-1",
		Kind:           v1.ExecutorKindAgentSession,
		PoolOrder:      SessionPoolOrder(),
		OrgCap:         50,
		OAuthEngineID:  "gateway.codex.v2",
	}
	_, err := s.Select(ctx, in)
	assert.ErrorIs(t, err, ErrOAuthNotVerified)

	// A fresh hello flips the grant and the same selection succeeds.
	route.EngineAuth = map[string]v1.EngineAuth{"gateway.codex.v2": {OAuthVerified: true}}
	putRoute(t, state, route)

	sel, err := s.Select(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "e1", sel.Route.ExecutorID)
}

func TestSelectCapacityAndQuotaPrecedence(t *testing.T) {
	s, state := newTestScheduler(t)
	ctx := context.Background()

	putRoute(t, state, v1.ExecutorRoute{ExecutorID: "e1", Pool: v1.PoolManaged, EdgeID: "edge-a", MaxInFlight: 1})

	_, err := state.Reserve(ctx, ReserveRequest{ExecutorID: "e1", OrganizationID: "org-9", ExecutorCap: 1, OrgCap: 50, TTL: time.Minute})
	require.NoError(t, err)

	_, err = s.Select(ctx, SelectionInput{
		OrganizationID: "org-1",
		Kind:           v1.ExecutorKindAgentRun,
		PoolOrder:      DispatchPoolOrder(),
		OrgCap:         50,
	})
	assert.ErrorIs(t, err, ErrExecutorOverCapacity)

	// Org quota is the worst reason and wins even when capacity was also hit.
	putRoute(t, state, v1.ExecutorRoute{ExecutorID: "e2", Pool: v1.PoolManaged, EdgeID: "edge-b", MaxInFlight: 4})
	_, err = state.Reserve(ctx, ReserveRequest{ExecutorID: "e2", OrganizationID: "org-1", ExecutorCap: 4, OrgCap: 1, TTL: time.Minute})
	require.NoError(t, err)

	_, err = s.Select(ctx, SelectionInput{
		OrganizationID: "org-1",
		Kind:           v1.ExecutorKindAgentRun,
		PoolOrder:      DispatchPoolOrder(),
		OrgCap:         1,
	})
	assert.ErrorIs(t, err, ErrOrgQuotaExceeded)
}

func TestOrgQuotasAreIndependent(t *testing.T) {
	s, state := newTestScheduler(t)
	ctx := context.Background()

	putRoute(t, state, v1.ExecutorRoute{ExecutorID: "shared", Pool: v1.PoolManaged, EdgeID: "edge-a", MaxInFlight: 2})

	selA, err := s.Select(ctx, SelectionInput{
		OrganizationID: "org-a",
		Kind:           v1.ExecutorKindAgentRun,
		PoolOrder:      DispatchPoolOrder(),
		OrgCap:         1,
	})
	require.NoError(t, err)

	// Org B shares the executor but has its own counter.
	_, err = s.Select(ctx, SelectionInput{
		OrganizationID: "org-b",
		Kind:           v1.ExecutorKindAgentRun,
		PoolOrder:      DispatchPoolOrder(),
		OrgCap:         1,
	})
	require.NoError(t, err)

	// Org A is now at its quota.
	_, err = s.Select(ctx, SelectionInput{
		OrganizationID: "org-a",
		Kind:           v1.ExecutorKindAgentRun,
		PoolOrder:      DispatchPoolOrder(),
		OrgCap:         1,
	})
	assert.ErrorIs(t, err, ErrOrgQuotaExceeded)

	// Releasing A's reservation restores capacity.
	s.Release(ctx, selA.Reservation)
	_, err = s.Select(ctx, SelectionInput{
		OrganizationID: "org-a",
		Kind:           v1.ExecutorKindAgentRun,
		PoolOrder:      DispatchPoolOrder(),
		OrgCap:         1,
	})
	require.NoError(t, err)
}

func TestReservePinned(t *testing.T) {
	s, state := newTestScheduler(t)
	ctx := context.Background()

	_, err := s.ReservePinned(ctx, "org-1", "gone", "", 50)
	assert.ErrorIs(t, err, ErrNoExecutorAvailable, "missing route falls back to fresh selection")

	putRoute(t, state, v1.ExecutorRoute{ExecutorID: "foreign", Pool: v1.PoolBYON, OrganizationID: "org-2", EdgeID: "edge-a"})
	_, err = s.ReservePinned(ctx, "org-1", "foreign", "", 50)
	assert.ErrorIs(t, err, ErrNoExecutorAvailable)

	putRoute(t, state, v1.ExecutorRoute{
		ExecutorID:     "pinned",
		Pool:           v1.PoolBYON,
		OrganizationID: "org-1",
		EdgeID:         "edge-a",
		EngineAuth:     map[string]v1.EngineAuth{"gateway.claude.v2": {OAuthVerified: false}},
	})
	_, err = s.ReservePinned(ctx, "org-1", "pinned", "gateway.claude.v2", 50)
	assert.ErrorIs(t, err, ErrOAuthNotVerified)

	sel, err := s.ReservePinned(ctx, "org-1", "pinned", "", 50)
	require.NoError(t, err)
	assert.Equal(t, "pinned", sel.Route.ExecutorID)

	inFlight, err := state.InFlight(ctx, "pinned")
	require.NoError(t, err)
	assert.Equal(t, 1, inFlight)
}

func TestMemoryStateReservationExpiry(t *testing.T) {
	state := NewMemoryState()
	ctx := context.Background()

	_, err := state.Reserve(ctx, ReserveRequest{ExecutorID: "e1", OrganizationID: "org-1", ExecutorCap: 1, OrgCap: 1, TTL: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = state.Reserve(ctx, ReserveRequest{ExecutorID: "e1", OrganizationID: "org-1", ExecutorCap: 1, OrgCap: 1, TTL: 10 * time.Millisecond})
	assert.ErrorIs(t, err, ErrExecutorOverCapacity)

	time.Sleep(20 * time.Millisecond)

	// The leaked unit expired, so capacity is available again.
	_, err = state.Reserve(ctx, ReserveRequest{ExecutorID: "e1", OrganizationID: "org-1", ExecutorCap: 1, OrgCap: 1, TTL: time.Minute})
	require.NoError(t, err)

	inFlight, err := state.InFlight(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, inFlight)
}

func TestRouteExpiryHidesExecutor(t *testing.T) {
	s, state := newTestScheduler(t)
	ctx := context.Background()

	route := v1.ExecutorRoute{ExecutorID: "e1", Pool: v1.PoolManaged, EdgeID: "edge-a", MaxInFlight: 4, Kinds: []v1.ExecutorKind{v1.ExecutorKindAgentRun}}
	require.NoError(t, state.PutRoute(ctx, &route, 10*time.Millisecond))

	time.Sleep(20 * time.Millisecond)

	_, err := s.Select(ctx, SelectionInput{
		OrganizationID: "org-1",
		Kind:           v1.ExecutorKindAgentRun,
		PoolOrder:      DispatchPoolOrder(),
		OrgCap:         50,
	})
	assert.ErrorIs(t, err, ErrNoExecutorAvailable)
}
