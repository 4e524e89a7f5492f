// Package secrets encrypts OAuth tokens at rest with AES-256-GCM.
//
// Ciphertext carries the "enc:" tag so legacy plaintext rows written before
// encryption was enabled stay readable: a value without the tag is passed
// through unchanged.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const ciphertextTag = "enc:"

// Box seals and opens token values. A nil Box (no encryption key configured)
// operates in plaintext mode.
type Box struct {
	aead cipher.AEAD
}

// New creates a Box from a 32-byte key. An empty key returns (nil, nil):
// plaintext mode.
func New(key []byte) (*Box, error) {
	if len(key) == 0 {
		return nil, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext and returns a tagged, base64-encoded value.
// In plaintext mode the input is returned unchanged.
func (b *Box) Seal(plaintext string) (string, error) {
	if b == nil {
		return plaintext, nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ct := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return ciphertextTag + base64.StdEncoding.EncodeToString(ct), nil
}

// Open decrypts a tagged value. Untagged values are treated as legacy
// plaintext and returned as-is, in both modes.
func (b *Box) Open(value string) (string, error) {
	if !strings.HasPrefix(value, ciphertextTag) {
		return value, nil
	}
	if b == nil {
		return "", fmt.Errorf("encrypted value but no encryption key configured")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, ciphertextTag))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext too short")
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether the value carries the ciphertext tag.
func IsEncrypted(value string) bool { return strings.HasPrefix(value, ciphertextTag) }
