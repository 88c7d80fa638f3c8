package workspace

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/gateway/internal/bus"
	"github.com/vespid-ai/gateway/internal/common/config"
	"github.com/vespid-ai/gateway/internal/common/logger"
	"github.com/vespid-ai/gateway/internal/store"
)

func newCoordinator(t *testing.T, presigner *Presigner) *Coordinator {
	t.Helper()
	return NewCoordinator(store.NewMemoryStore(), bus.NewMemoryBus(), presigner, logger.Default())
}

func testPresigner(t *testing.T) *Presigner {
	t.Helper()
	p, err := NewPresigner(context.Background(), config.WorkspaceConfig{
		S3Bucket:          "gw-workspaces",
		S3Region:          "us-east-1",
		S3Endpoint:        "http://127.0.0.1:9000",
		S3AccessKeyID:     "test",
		S3SecretAccessKey: "test",
		S3UsePathStyle:    true,
		PresignExpiresSec: 600,
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func TestEnsureIsStablePerOwner(t *testing.T) {
	c := newCoordinator(t, nil)
	ctx := context.Background()

	first, err := c.Ensure(ctx, "org-1", store.OwnerTypeWorkflowRun, "run-1")
	require.NoError(t, err)
	second, err := c.Ensure(ctx, "org-1", store.OwnerTypeWorkflowRun, "run-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := c.Ensure(ctx, "org-1", store.OwnerTypeSession, "run-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID, "owner type partitions workspaces")
}

func TestAcquireIsExclusive(t *testing.T) {
	c := newCoordinator(t, nil)
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "ws-1", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, lease.Token)

	_, err = c.Acquire(ctx, "ws-1", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	c.Release(ctx, lease)

	_, err = c.Acquire(ctx, "ws-1", time.Minute)
	require.NoError(t, err)
}

func TestReleaseOnlyRemovesOwnLock(t *testing.T) {
	c := newCoordinator(t, nil)
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "ws-1", time.Minute)
	require.NoError(t, err)

	// A stale lease from a previous holder must not free the current lock.
	stale := &Lease{WorkspaceID: "ws-1", Token: "stale-token"}
	c.Release(ctx, stale)

	_, err = c.Acquire(ctx, "ws-1", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	c.Release(ctx, lease)
}

func TestCommitConflict(t *testing.T) {
	c := newCoordinator(t, nil)
	ctx := context.Background()

	ws, err := c.Ensure(ctx, "org-1", store.OwnerTypeWorkflowRun, "run-1")
	require.NoError(t, err)

	committed, err := c.Commit(ctx, ws.ID, 0, ObjectKey("org-1", ws.OwnerType, ws.OwnerID, 1), "etag-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), committed.CurrentVersion)

	// A second commit that read version 0 before the first landed loses.
	_, err = c.Commit(ctx, ws.ID, 0, ObjectKey("org-1", ws.OwnerType, ws.OwnerID, 1), "etag-2")
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestPrepareAccessWithoutS3(t *testing.T) {
	c := newCoordinator(t, nil)
	ws := &store.Workspace{ID: "ws-1", OrganizationID: "org-1", OwnerType: store.OwnerTypeSession, OwnerID: "s-1"}

	_, err := c.PrepareAccess(context.Background(), ws)
	assert.ErrorIs(t, err, ErrS3NotConfigured)
}

func TestPrepareAccessSignsURLs(t *testing.T) {
	c := newCoordinator(t, testPresigner(t))
	ctx := context.Background()

	fresh := &store.Workspace{ID: "ws-1", OrganizationID: "org-1", OwnerType: store.OwnerTypeWorkflowRun, OwnerID: "run-1"}
	access, err := c.PrepareAccess(ctx, fresh)
	require.NoError(t, err)

	assert.Equal(t, int64(1), access.NextVersion)
	assert.Equal(t, "org-1/workflow_run/run-1/v1.tar.zst", access.NextObjectKey)
	assert.Empty(t, access.URLs.DownloadURL, "no snapshot to download at version 0")
	require.NotNil(t, access.URLs.Upload)
	assert.Contains(t, access.URLs.Upload.URL, "gw-workspaces")
	assert.Contains(t, access.URLs.Upload.URL, "X-Amz-Signature")

	committed := &store.Workspace{
		ID:               "ws-1",
		OrganizationID:   "org-1",
		OwnerType:        store.OwnerTypeWorkflowRun,
		OwnerID:          "run-1",
		CurrentVersion:   1,
		CurrentObjectKey: access.NextObjectKey,
		CurrentEtag:      "etag-1",
	}
	access, err = c.PrepareAccess(ctx, committed)
	require.NoError(t, err)
	assert.Equal(t, int64(2), access.NextVersion)
	assert.True(t, strings.Contains(access.URLs.DownloadURL, "v1.tar.zst"))
	assert.Equal(t, int64(1), access.Ref.Version)
}

func TestLockTTLBounds(t *testing.T) {
	assert.Equal(t, 30*time.Second, LockTTL(0))
	assert.Equal(t, 30*time.Second, LockTTL(-time.Minute))
	assert.Equal(t, 90*time.Second, LockTTL(time.Minute))
}
