// Package scheduler selects executors for dispatches and session turns. It
// filters live routes by tenancy, workload kind, labels and OAuth state,
// scores them by load, and reserves capacity atomically against both the
// executor and the organization before handing a route to the caller.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/common/config"
	"github.com/vespid-ai/gateway/internal/common/logger"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// Selection failures. Callers translate these into wire error codes.
var (
	ErrNoExecutorAvailable  = errors.New("no matching executor available")
	ErrExecutorOverCapacity = errors.New("all matching executors at capacity")
	ErrOrgQuotaExceeded     = errors.New("organization in-flight quota exceeded")
	ErrOAuthNotVerified     = errors.New("required engine not oauth-verified on any executor")
)

// ErrorCode maps a selection failure to its wire error code. Unknown errors
// map to NO_EXECUTOR_AVAILABLE so a caller never leaks an internal message
// as a code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrOrgQuotaExceeded):
		return v1.ErrCodeOrgQuotaExceeded
	case errors.Is(err, ErrExecutorOverCapacity):
		return v1.ErrCodeExecutorOverCapacity
	case errors.Is(err, ErrOAuthNotVerified):
		return v1.ErrCodeExecutorOAuthNotVerified
	default:
		return v1.ErrCodeNoExecutorAvailable
	}
}

// SessionPoolOrder is the default pool preference for interactive sessions:
// tenant-owned executors first, shared managed capacity as fallback.
func SessionPoolOrder() []v1.ExecutorPool {
	return []v1.ExecutorPool{v1.PoolBYON, v1.PoolManaged}
}

// DispatchPoolOrder is the default pool preference for workflow dispatches.
func DispatchPoolOrder() []v1.ExecutorPool {
	return []v1.ExecutorPool{v1.PoolManaged}
}

// SelectionInput describes one selection request.
type SelectionInput struct {
	OrganizationID string
	Kind           v1.ExecutorKind
	// Selector narrows the candidate set. A selector pool overrides
	// PoolOrder; an exact ExecutorID restricts to that one route.
	Selector *v1.Selector
	// PoolOrder is the caller's default pool preference, first pool tried
	// first.
	PoolOrder []v1.ExecutorPool
	// OrgCap is the organization's resolved in-flight quota.
	OrgCap int
	// OAuthEngineID, when set, requires candidates to hold a verified
	// OAuth grant for that engine.
	OAuthEngineID string
}

// Selected is a route with capacity reserved on it. The caller owns the
// reservation and must Release it when the work completes.
type Selected struct {
	Route       *v1.ExecutorRoute
	Reservation *Reservation
}

// Scheduler performs executor selection over a shared State.
type Scheduler struct {
	state  State
	cfg    config.SchedulerConfig
	logger *logger.Logger
}

func New(state State, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{state: state, cfg: cfg, logger: log.Named("scheduler")}
}

// State exposes the underlying registry for callers that manage routes
// directly (the executor hub) or need raw in-flight numbers.
func (s *Scheduler) State() State { return s.state }

type candidate struct {
	route    *v1.ExecutorRoute
	limit    int
	inFlight int
	lastUsed int64
}

// Select picks the least-loaded eligible executor and reserves one unit of
// capacity on it. Pools are tried in order; within a pool candidates are
// sorted by inFlight/maxInFlight with least-recently-used winning ties. When
// every reservation attempt fails, the most specific reason seen wins:
// org quota, then executor capacity, then no executor at all.
func (s *Scheduler) Select(ctx context.Context, in SelectionInput) (*Selected, error) {
	routes, err := s.state.ListRoutes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}

	var cands []candidate
	oauthOnly := 0
	for _, pool := range s.poolOrder(in) {
		eligible, filtered := filterPool(routes, pool, in)
		oauthOnly += filtered
		cands = append(cands, s.score(ctx, eligible)...)
	}

	if len(cands) == 0 {
		if oauthOnly > 0 {
			return nil, ErrOAuthNotVerified
		}
		return nil, ErrNoExecutorAvailable
	}

	sawOrgQuota := false
	sawCapacity := false
	for _, c := range cands {
		res, err := s.state.Reserve(ctx, ReserveRequest{
			ExecutorID:     c.route.ExecutorID,
			OrganizationID: in.OrganizationID,
			ExecutorCap:    c.limit,
			OrgCap:         in.OrgCap,
			TTL:            s.cfg.ReserveTTL(),
		})
		switch {
		case err == nil:
			if err := s.state.MarkUsed(ctx, c.route.ExecutorID); err != nil {
				s.logger.Warn("mark used failed", zap.String("executorId", c.route.ExecutorID), zap.Error(err))
			}
			return &Selected{Route: c.route, Reservation: res}, nil
		case errors.Is(err, ErrOrgQuotaExceeded):
			sawOrgQuota = true
		case errors.Is(err, ErrExecutorOverCapacity):
			sawCapacity = true
		default:
			return nil, fmt.Errorf("reserve %s: %w", c.route.ExecutorID, err)
		}
	}

	if sawOrgQuota {
		return nil, ErrOrgQuotaExceeded
	}
	if sawCapacity {
		return nil, ErrExecutorOverCapacity
	}
	return nil, ErrNoExecutorAvailable
}

// ReservePinned reserves capacity on a specific executor a session is pinned
// to, bypassing scoring. A missing or foreign route reports
// ErrNoExecutorAvailable so the caller can fall back to a fresh selection.
func (s *Scheduler) ReservePinned(ctx context.Context, organizationID, executorID, oauthEngineID string, orgCap int) (*Selected, error) {
	route, err := s.state.GetRoute(ctx, executorID)
	if err != nil {
		if errors.Is(err, ErrRouteNotFound) {
			return nil, ErrNoExecutorAvailable
		}
		return nil, err
	}
	if route.Pool == v1.PoolBYON && route.OrganizationID != organizationID {
		return nil, ErrNoExecutorAvailable
	}
	if oauthEngineID != "" && !route.OAuthVerified(oauthEngineID) {
		return nil, ErrOAuthNotVerified
	}

	res, err := s.state.Reserve(ctx, ReserveRequest{
		ExecutorID:     route.ExecutorID,
		OrganizationID: organizationID,
		ExecutorCap:    s.executorCap(route),
		OrgCap:         orgCap,
		TTL:            s.cfg.ReserveTTL(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.state.MarkUsed(ctx, route.ExecutorID); err != nil {
		s.logger.Warn("mark used failed", zap.String("executorId", route.ExecutorID), zap.Error(err))
	}
	return &Selected{Route: route, Reservation: res}, nil
}

// Release returns one unit of capacity. Failures are logged, not returned:
// the reservation TTL reclaims leaked units regardless.
func (s *Scheduler) Release(ctx context.Context, res *Reservation) {
	if res == nil {
		return
	}
	if err := s.state.Release(ctx, res); err != nil {
		s.logger.Warn("release failed",
			zap.String("executorId", res.ExecutorID),
			zap.String("organizationId", res.OrganizationID),
			zap.Error(err))
	}
}

func (s *Scheduler) poolOrder(in SelectionInput) []v1.ExecutorPool {
	if in.Selector != nil && in.Selector.Pool != "" {
		return []v1.ExecutorPool{in.Selector.Pool}
	}
	if len(in.PoolOrder) > 0 {
		return in.PoolOrder
	}
	return DispatchPoolOrder()
}

// executorCap resolves a route's declared concurrency against the configured
// ceiling. Routes that declare nothing get a cap of one.
func (s *Scheduler) executorCap(route *v1.ExecutorRoute) int {
	limit := route.MaxInFlight
	if limit <= 0 {
		limit = 1
	}
	if s.cfg.ExecutorMaxInFlightCap > 0 && limit > s.cfg.ExecutorMaxInFlightCap {
		limit = s.cfg.ExecutorMaxInFlightCap
	}
	return limit
}

// filterPool returns the routes in pool that satisfy every selector
// constraint, plus the count of routes excluded only by the OAuth
// requirement. That count distinguishes "nobody matches" from "somebody
// matches but isn't verified".
func filterPool(routes []*v1.ExecutorRoute, pool v1.ExecutorPool, in SelectionInput) ([]*v1.ExecutorRoute, int) {
	var sel v1.Selector
	if in.Selector != nil {
		sel = *in.Selector
	}

	var eligible []*v1.ExecutorRoute
	oauthOnly := 0
	for _, route := range routes {
		if route.Pool != pool {
			continue
		}
		if pool == v1.PoolBYON && route.OrganizationID != in.OrganizationID {
			continue
		}
		if sel.ExecutorID != "" && route.ExecutorID != sel.ExecutorID {
			continue
		}
		if !route.HasKind(in.Kind) {
			continue
		}
		if !hasAllLabels(route, sel.Labels) {
			continue
		}
		if sel.Group != "" && !route.HasLabel(sel.Group) && !route.HasLabel("group:"+sel.Group) {
			continue
		}
		if sel.Tag != "" && !route.HasLabel(sel.Tag) {
			continue
		}
		if in.OAuthEngineID != "" && !route.OAuthVerified(in.OAuthEngineID) {
			oauthOnly++
			continue
		}
		eligible = append(eligible, route)
	}
	return eligible, oauthOnly
}

func hasAllLabels(route *v1.ExecutorRoute, labels []string) bool {
	for _, label := range labels {
		if !route.HasLabel(label) {
			return false
		}
	}
	return true
}

// score orders candidates by load ratio, then by least recently used.
// Counter reads are best effort; a read failure scores the route as idle
// rather than excluding it.
func (s *Scheduler) score(ctx context.Context, routes []*v1.ExecutorRoute) []candidate {
	cands := make([]candidate, 0, len(routes))
	for _, route := range routes {
		c := candidate{route: route, limit: s.executorCap(route)}
		inFlight, err := s.state.InFlight(ctx, route.ExecutorID)
		if err != nil {
			s.logger.Warn("in-flight read failed", zap.String("executorId", route.ExecutorID), zap.Error(err))
		} else {
			c.inFlight = inFlight
		}
		lastUsed, err := s.state.LastUsed(ctx, route.ExecutorID)
		if err == nil {
			c.lastUsed = lastUsed
		}
		cands = append(cands, c)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		si := float64(cands[i].inFlight) / float64(cands[i].limit)
		sj := float64(cands[j].inFlight) / float64(cands[j].limit)
		if si != sj {
			return si < sj
		}
		return cands[i].lastUsed < cands[j].lastUsed
	})
	return cands
}
