package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// MemoryState is an in-process State for tests and single-node test mode.
// It mirrors the Redis semantics: routes expire, reservations expire, and
// Reserve checks the executor cap before the org cap.
type MemoryState struct {
	mu       sync.Mutex
	routes   map[string]memRoute
	execRes  map[string]map[string]time.Time
	orgRes   map[string]map[string]time.Time
	lastUsed map[string]int64
}

type memRoute struct {
	route     v1.ExecutorRoute
	expiresAt time.Time
}

func NewMemoryState() *MemoryState {
	return &MemoryState{
		routes:   make(map[string]memRoute),
		execRes:  make(map[string]map[string]time.Time),
		orgRes:   make(map[string]map[string]time.Time),
		lastUsed: make(map[string]int64),
	}
}

func (s *MemoryState) PutRoute(ctx context.Context, route *v1.ExecutorRoute, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[route.ExecutorID] = memRoute{route: *route, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryState) GetRoute(ctx context.Context, executorID string) (*v1.ExecutorRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.routes[executorID]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(s.routes, executorID)
		return nil, ErrRouteNotFound
	}
	route := entry.route
	return &route, nil
}

func (s *MemoryState) DeleteRoute(ctx context.Context, executorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, executorID)
	return nil
}

func (s *MemoryState) ListRoutes(ctx context.Context) ([]*v1.ExecutorRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var routes []*v1.ExecutorRoute
	for id, entry := range s.routes {
		if now.After(entry.expiresAt) {
			delete(s.routes, id)
			continue
		}
		route := entry.route
		routes = append(routes, &route)
	}
	return routes, nil
}

func (s *MemoryState) MarkUsed(ctx context.Context, executorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed[executorID] = time.Now().UnixMilli()
	return nil
}

func (s *MemoryState) LastUsed(ctx context.Context, executorID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed[executorID], nil
}

func (s *MemoryState) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()

	execSet := s.liveSet(s.execRes, req.ExecutorID, now)
	orgSet := s.liveSet(s.orgRes, req.OrganizationID, now)

	if req.ExecutorCap > 0 && len(execSet) >= req.ExecutorCap {
		return nil, ErrExecutorOverCapacity
	}
	if req.OrgCap > 0 && len(orgSet) >= req.OrgCap {
		return nil, ErrOrgQuotaExceeded
	}

	token := uuid.NewString()
	expires := now.Add(req.TTL)
	execSet[token] = expires
	orgSet[token] = expires
	return &Reservation{
		ExecutorID:     req.ExecutorID,
		OrganizationID: req.OrganizationID,
		Token:          token,
	}, nil
}

func (s *MemoryState) Release(ctx context.Context, res *Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.execRes[res.ExecutorID]; ok {
		delete(set, res.Token)
	}
	if set, ok := s.orgRes[res.OrganizationID]; ok {
		delete(set, res.Token)
	}
	return nil
}

func (s *MemoryState) InFlight(ctx context.Context, executorID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.liveSet(s.execRes, executorID, time.Now())), nil
}

func (s *MemoryState) OrgInFlight(ctx context.Context, organizationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.liveSet(s.orgRes, organizationID, time.Now())), nil
}

// liveSet returns the reservation set for key with expired tokens pruned,
// creating it when absent. Callers hold s.mu.
func (s *MemoryState) liveSet(sets map[string]map[string]time.Time, key string, now time.Time) map[string]time.Time {
	set, ok := sets[key]
	if !ok {
		set = make(map[string]time.Time)
		sets[key] = set
	}
	for token, expires := range set {
		if now.After(expires) {
			delete(set, token)
		}
	}
	return set
}
