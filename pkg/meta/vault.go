// Package meta is the ad-platform adapter: OAuth connection lifecycle with a
// sealed token vault, ad-level insight pulls, and (auto mode) campaign
// creation. Core code only ever handles sealed token ciphertexts; the
// plaintext never leaves this package.
package meta

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrTokenNotFound means the connection carries no sealed token, which is
	// what revocation leaves behind.
	ErrTokenNotFound = errors.New("meta: token not found")
)

// Vault seals platform tokens with AES-256-GCM. It holds only the key; the
// ciphertexts live on the connection rows, so every process sharing the key
// and the store can open them.
type Vault struct {
	encKey []byte
}

// NewVault requires a 32-byte key for AES-256.
func NewVault(encryptionKey []byte) (*Vault, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("meta: encryption key must be 32 bytes for AES-256")
	}
	return &Vault{encKey: encryptionKey}, nil
}

// Seal encrypts a token and returns the ciphertext for storage.
func (v *Vault) Seal(token string) (string, error) {
	block, err := aes.NewCipher(v.encKey)
	if err != nil {
		return "", fmt.Errorf("meta: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("meta: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("meta: nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(token), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed token. An empty ciphertext is ErrTokenNotFound.
func (v *Vault) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", ErrTokenNotFound
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("meta: decode: %w", err)
	}
	block, err := aes.NewCipher(v.encKey)
	if err != nil {
		return "", fmt.Errorf("meta: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("meta: gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("meta: ciphertext too short")
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("meta: open: %w", err)
	}
	return string(plaintext), nil
}
