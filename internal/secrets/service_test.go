package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/gateway/internal/common/logger"
	"github.com/vespid-ai/gateway/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	kekB64, err := GenerateKEK()
	require.NoError(t, err)
	kek, err := NewKEKProvider(kekB64)
	require.NoError(t, err)
	st := store.NewMemoryStore()
	return NewService(st, kek, logger.Default()), st
}

func TestSealAndResolve(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sec, err := svc.Seal(ctx, "org-1", "anthropic-key", "engine", []byte("sk-ant-xyz"))
	require.NoError(t, err)
	assert.NotEmpty(t, sec.Ciphertext)
	assert.NotEmpty(t, sec.Nonce)
	assert.NotContains(t, string(sec.Ciphertext), "sk-ant")

	plaintext, err := svc.Resolve(ctx, "org-1", sec.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-xyz", plaintext)
}

func TestResolveScopedToOrganization(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sec, err := svc.Seal(ctx, "org-1", "key", "engine", []byte("value"))
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, "org-2", sec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolveWithWrongKEKFails(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	sec, err := svc.Seal(ctx, "org-1", "key", "engine", []byte("value"))
	require.NoError(t, err)

	otherB64, err := GenerateKEK()
	require.NoError(t, err)
	otherKEK, err := NewKEKProvider(otherB64)
	require.NoError(t, err)
	other := NewService(st, otherKEK, logger.Default())

	_, err = other.Resolve(ctx, "org-1", sec.ID)
	assert.Error(t, err)
}

func TestNewKEKProviderValidation(t *testing.T) {
	_, err := NewKEKProvider("")
	assert.Error(t, err)

	_, err = NewKEKProvider("not-base64!!!")
	assert.Error(t, err)

	// Wrong length.
	_, err = NewKEKProvider("c2hvcnQ=")
	assert.Error(t, err)
}
