package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/loopcrm/integrations/internal/errs"
)

// The fallback cipher trades the per-tenant-key property for
// availability during KMS outages. It stays authenticated (GCM) so
// corruption is still detectable, and tokens encrypted this way are
// marked MethodFallback for later reconciliation.

const fallbackKeyLen = 32

// fallbackKey derives the AES-256 key from the long-lived application
// secret via HKDF-SHA256.
func fallbackKey(secret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte("token-fallback"))
	key := make([]byte, fallbackKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptFallback seals plaintext under the derived application key.
// Blob layout: iv(12) || ciphertext+tag.
func EncryptFallback(plaintext, secret []byte) ([]byte, error) {
	key, err := fallbackKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(iv)+len(plaintext)+aead.Overhead())
	out = append(out, iv...)
	out = append(out, aead.Seal(nil, iv, plaintext, nil)...)
	return out, nil
}

// DecryptFallback opens a blob produced by EncryptFallback.
func DecryptFallback(blob, secret []byte) ([]byte, error) {
	key, err := fallbackKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize()+1 {
		return nil, fmt.Errorf("%w: blob too short", errs.ErrAuthenticationFailed)
	}
	iv := blob[:aead.NonceSize()]
	ct := blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}
