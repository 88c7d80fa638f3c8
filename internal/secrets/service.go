package secrets

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vespid-ai/gateway/internal/common/logger"
	"github.com/vespid-ai/gateway/internal/store"
)

// Service unseals tenant secrets for dispatch payloads. Lookups are scoped
// to the requesting organization; a secret id from another tenant behaves
// like a missing secret.
type Service struct {
	store  store.Store
	kek    *KEKProvider
	logger *logger.Logger
}

// NewService creates a secrets service bound to one KEK.
func NewService(st store.Store, kek *KEKProvider, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		kek:    kek,
		logger: log.Named("secrets"),
	}
}

// Resolve loads and decrypts one secret for the organization.
// The plaintext is never logged.
func (s *Service) Resolve(ctx context.Context, organizationID, secretID string) (string, error) {
	sec, err := s.store.GetSecret(ctx, organizationID, secretID)
	if err != nil {
		return "", fmt.Errorf("load secret %s: %w", secretID, err)
	}
	plaintext, err := Decrypt(sec.Ciphertext, sec.Nonce, s.kek.Key())
	if err != nil {
		s.logger.Error("secret decrypt failed",
			zap.String("secret_id", secretID),
			zap.String("organization_id", organizationID),
			zap.Error(err),
		)
		return "", fmt.Errorf("unseal secret %s: %w", secretID, err)
	}
	return string(plaintext), nil
}

// Seal encrypts a plaintext value and stores it for the organization.
// The gateway itself only writes secrets in test fixtures and seed tooling;
// production rows come from the control plane using the same KEK.
func (s *Service) Seal(ctx context.Context, organizationID, name, category string, plaintext []byte) (*store.Secret, error) {
	ciphertext, nonce, err := Encrypt(plaintext, s.kek.Key())
	if err != nil {
		return nil, fmt.Errorf("seal secret %s: %w", name, err)
	}
	sec := &store.Secret{
		OrganizationID: organizationID,
		Name:           name,
		Category:       category,
		Ciphertext:     ciphertext,
		Nonce:          nonce,
	}
	if err := s.store.CreateSecret(ctx, sec); err != nil {
		return nil, err
	}
	return sec, nil
}
