// Package secrets seals and unseals tenant secrets. Values are encrypted
// with AES-256-GCM under a key-encryption-key (KEK) supplied through the
// environment; plaintext only exists in memory on its way into an invoke
// payload.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// KEKSize is the key size in bytes (AES-256).
const KEKSize = 32

// KEKProvider holds the decoded key-encryption-key.
type KEKProvider struct {
	key []byte
}

// NewKEKProvider decodes the base64 KEK from GATEWAY_KEK_BASE64.
func NewKEKProvider(kekBase64 string) (*KEKProvider, error) {
	if kekBase64 == "" {
		return nil, fmt.Errorf("kek is not configured")
	}
	key, err := base64.StdEncoding.DecodeString(kekBase64)
	if err != nil {
		return nil, fmt.Errorf("decode kek: %w", err)
	}
	if len(key) != KEKSize {
		return nil, fmt.Errorf("kek must be %d bytes, got %d", KEKSize, len(key))
	}
	return &KEKProvider{key: key}, nil
}

// Key returns the KEK bytes.
func (p *KEKProvider) Key() []byte {
	return p.key
}

// GenerateKEK creates a fresh base64 KEK. Used by test-mode processes that
// run without a provisioned key.
func GenerateKEK() (string, error) {
	key := make([]byte, KEKSize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate kek: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt encrypts plaintext using AES-256-GCM with a random nonce.
// Returns (ciphertext, nonce, error).
func Encrypt(plaintext, key []byte) ([]byte, []byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	return plaintext, nil
}
