// Package workspace coordinates versioned snapshot access for tool
// invocations. Each (organization, owner) pair has one workspace row whose
// version advances by exactly one per successful commit; an advisory lock on
// the bus KV keeps concurrent invocations from interleaving snapshot writes,
// and pre-signed URLs let executors move archives without holding gateway
// credentials.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/common/logger"
	"github.com/vespid-ai/gateway/internal/store"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// ErrLocked means another invocation currently holds the workspace lock.
var ErrLocked = errors.New("workspace: locked")

// minLockTTL is the lock floor; the TTL always exceeds the tool timeout so a
// crashed holder is force-released after the work could no longer be running.
const minLockTTL = 30 * time.Second

// Lease is a held advisory lock. Release only removes the lock while the
// token still matches, so an expired lease cannot release a successor's lock.
type Lease struct {
	WorkspaceID string
	Token       string
}

// Access is everything an invocation needs to read the current snapshot and
// publish the next one.
type Access struct {
	Ref           *v1.WorkspaceRef
	URLs          *v1.WorkspaceAccess
	NextVersion   int64
	NextObjectKey string
}

// Coordinator owns workspace rows, advisory locks, and snapshot access.
type Coordinator struct {
	store     store.Store
	kv        bus.Bus
	presigner *Presigner
	logger    *logger.Logger
}

// NewCoordinator wires the coordinator. presigner may be nil when no bucket
// is configured; PrepareAccess then fails with ErrS3NotConfigured.
func NewCoordinator(st store.Store, kv bus.Bus, presigner *Presigner, log *logger.Logger) *Coordinator {
	return &Coordinator{store: st, kv: kv, presigner: presigner, logger: log.Named("workspace")}
}

// Ensure loads or creates the workspace for an owner.
func (c *Coordinator) Ensure(ctx context.Context, organizationID string, ownerType store.OwnerType, ownerID string) (*store.Workspace, error) {
	return c.store.GetOrCreateWorkspace(ctx, organizationID, ownerType, ownerID)
}

// Acquire takes the advisory lock for one invocation. toolTimeout sizes the
// TTL; ErrLocked means another invocation holds it.
func (c *Coordinator) Acquire(ctx context.Context, workspaceID string, toolTimeout time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := c.kv.SetNX(ctx, bus.WorkspaceLockKey(workspaceID), []byte(token), LockTTL(toolTimeout))
	if err != nil {
		return nil, fmt.Errorf("acquire workspace lock %s: %w", workspaceID, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lease{WorkspaceID: workspaceID, Token: token}, nil
}

// Release drops the lease if this holder still owns it. Failures are logged;
// the TTL reclaims the lock regardless.
func (c *Coordinator) Release(ctx context.Context, lease *Lease) {
	if lease == nil {
		return
	}
	released, err := c.kv.DelEq(ctx, bus.WorkspaceLockKey(lease.WorkspaceID), []byte(lease.Token))
	if err != nil {
		c.logger.Warn("workspace lock release failed",
			zap.String("workspaceId", lease.WorkspaceID), zap.Error(err))
		return
	}
	if !released {
		c.logger.Warn("workspace lock already taken over",
			zap.String("workspaceId", lease.WorkspaceID))
	}
}

// PrepareAccess computes the next version's object key and signs the URLs an
// executor needs: a download for the current snapshot (when one exists) and
// an upload for the next.
func (c *Coordinator) PrepareAccess(ctx context.Context, ws *store.Workspace) (*Access, error) {
	if c.presigner == nil {
		return nil, ErrS3NotConfigured
	}

	nextVersion := ws.CurrentVersion + 1
	nextKey := ObjectKey(ws.OrganizationID, ws.OwnerType, ws.OwnerID, nextVersion)

	uploadURL, err := c.presigner.PresignUpload(ctx, nextKey)
	if err != nil {
		return nil, err
	}
	urls := &v1.WorkspaceAccess{
		Upload: &v1.WorkspaceUpload{URL: uploadURL, ObjectKey: nextKey, Version: nextVersion},
	}
	if ws.CurrentObjectKey != "" {
		downloadURL, err := c.presigner.PresignDownload(ctx, ws.CurrentObjectKey)
		if err != nil {
			return nil, err
		}
		urls.DownloadURL = downloadURL
	}

	return &Access{
		Ref: &v1.WorkspaceRef{
			WorkspaceID: ws.ID,
			Version:     ws.CurrentVersion,
			ObjectKey:   ws.CurrentObjectKey,
			Etag:        ws.CurrentEtag,
		},
		URLs:          urls,
		NextVersion:   nextVersion,
		NextObjectKey: nextKey,
	}, nil
}

// Commit advances the workspace to the next version if nobody else committed
// first. store.ErrVersionConflict propagates for the caller to surface.
func (c *Coordinator) Commit(ctx context.Context, workspaceID string, expectedVersion int64, objectKey, etag string) (*store.Workspace, error) {
	return c.store.CommitWorkspaceVersion(ctx, workspaceID, expectedVersion, objectKey, etag)
}

// LockTTL sizes the advisory lock to outlive the tool timeout by at least
// thirty seconds, with a thirty-second floor.
func LockTTL(toolTimeout time.Duration) time.Duration {
	if toolTimeout < 0 {
		toolTimeout = 0
	}
	ttl := toolTimeout + minLockTTL
	if ttl < minLockTTL {
		ttl = minLockTTL
	}
	return ttl
}

// ObjectKey is the stable snapshot path for one workspace version.
func ObjectKey(organizationID string, ownerType store.OwnerType, ownerID string, version int64) string {
	return fmt.Sprintf("%s/%s/%s/v%d.tar.zst", organizationID, ownerType, ownerID, version)
}
