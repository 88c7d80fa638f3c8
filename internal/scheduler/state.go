package scheduler

import (
	"context"
	"errors"
	"time"

	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// ErrRouteNotFound is returned when an executor has no live route key.
var ErrRouteNotFound = errors.New("executor route not found")

// ReserveRequest asks for one unit of capacity on an executor and its
// organization at the same time.
type ReserveRequest struct {
	ExecutorID     string
	OrganizationID string
	// ExecutorCap and OrgCap are the maximum concurrent reservations
	// allowed. A cap of zero or less disables that check.
	ExecutorCap int
	OrgCap      int
	// TTL bounds how long a leaked reservation survives a crashed holder.
	TTL time.Duration
}

// Reservation is one unit of in-flight capacity held against an executor and
// an organization. Token identifies the unit so Release only removes what
// Reserve granted.
type Reservation struct {
	ExecutorID     string
	OrganizationID string
	Token          string
}

// RouteRegistry stores TTL'd executor route records. A route that has not
// been refreshed within the stale window disappears and the executor becomes
// invisible to selection.
type RouteRegistry interface {
	PutRoute(ctx context.Context, route *v1.ExecutorRoute, ttl time.Duration) error
	GetRoute(ctx context.Context, executorID string) (*v1.ExecutorRoute, error)
	DeleteRoute(ctx context.Context, executorID string) error
	ListRoutes(ctx context.Context) ([]*v1.ExecutorRoute, error)

	// MarkUsed records the selection time used for least-recently-used
	// tie-breaking. Best effort.
	MarkUsed(ctx context.Context, executorID string) error
	LastUsed(ctx context.Context, executorID string) (int64, error)
}

// ReservationStore tracks in-flight reservations per executor and per
// organization. Reserve is atomic across both counters: the first counter
// that would exceed its cap fails the whole reservation and leaves neither
// incremented.
type ReservationStore interface {
	Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error)
	Release(ctx context.Context, res *Reservation) error
	InFlight(ctx context.Context, executorID string) (int, error)
	OrgInFlight(ctx context.Context, organizationID string) (int, error)
}

// State is the scheduler's shared view of the cluster: which executors are
// live and how much capacity each one (and each tenant) has in flight.
type State interface {
	RouteRegistry
	ReservationStore
}
