package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist or belongs to a
	// different tenant.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned by CommitWorkspaceVersion when the
	// expected version no longer matches the stored one.
	ErrVersionConflict = errors.New("store: workspace version conflict")

	// ErrDuplicate is returned when a create violates a uniqueness rule.
	ErrDuplicate = errors.New("store: duplicate record")
)

// Store is the gateway's view of the control-plane database. The gateway is
// read-mostly: create operations exist for the few records it owns and for
// seeding in tests and the single-binary build.
type Store interface {
	// Organizations
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	AddOrganizationMember(ctx context.Context, member *OrganizationMember) error
	IsOrganizationMember(ctx context.Context, organizationID, userID string) (bool, error)

	// Executors
	CreateExecutor(ctx context.Context, executor *Executor) error
	GetExecutor(ctx context.Context, id string) (*Executor, error)
	CreateExecutorToken(ctx context.Context, token *ExecutorToken) error
	GetExecutorTokenByHash(ctx context.Context, tokenHash string) (*ExecutorToken, error)
	TouchExecutorToken(ctx context.Context, id string) error

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, organizationID, id string) (*Session, error)
	UpdateSessionPin(ctx context.Context, organizationID, sessionID string, executorID, pool *string) error
	UpdateSessionRuntime(ctx context.Context, organizationID, sessionID string, runtime []byte) error

	// Session events. AppendSessionEvent assigns the next seq under the
	// session's row lock; when an idempotency key matches an existing event
	// the stored event is returned with created=false.
	AppendSessionEvent(ctx context.Context, event *SessionEvent) (*SessionEvent, bool, error)
	ListRecentSessionEvents(ctx context.Context, sessionID string, limit int) ([]*SessionEvent, error)

	// Workspaces
	GetOrCreateWorkspace(ctx context.Context, organizationID string, ownerType OwnerType, ownerID string) (*Workspace, error)
	CommitWorkspaceVersion(ctx context.Context, workspaceID string, expectedVersion int64, objectKey, etag string) (*Workspace, error)

	// Secrets
	CreateSecret(ctx context.Context, secret *Secret) error
	GetSecret(ctx context.Context, organizationID, id string) (*Secret, error)

	// Client sessions
	CreateClientSession(ctx context.Context, session *ClientSession) error
	GetClientSessionByTokenHash(ctx context.Context, tokenHash string) (*ClientSession, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close()
}
