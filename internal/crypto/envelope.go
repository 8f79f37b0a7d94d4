// Package crypto implements envelope encryption for tenant data: a
// per-org DEK wrapped by the KMS, AES-256-GCM for payloads, and a
// degraded-mode fallback cipher keyed from the application secret.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/loopcrm/integrations/internal/errs"
	"github.com/loopcrm/integrations/internal/kms"
	"github.com/loopcrm/integrations/internal/model"
)

// Blob layout: version(1) || nonce(12) || ciphertext+tag.
// Version byte absent (legacy blobs) means blobVersionLegacy.
const (
	blobVersionLegacy byte = 0
	blobVersionV1     byte = 1

	nonceSize = 12

	// DefaultDEKTTL bounds how long a compromised process can keep
	// decrypting without re-authorizing against the KMS.
	DefaultDEKTTL = 60 * time.Second
)

// OrgKeys is the slice of org storage the engine needs.
type OrgKeys interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Org, error)
}

type cachedDEK struct {
	key       []byte
	version   int
	expiresAt time.Time
}

// Engine encrypts and decrypts tenant payloads under the org's DEK,
// caching unwrapped DEKs in-process with a short TTL.
type Engine struct {
	kms  kms.Client
	orgs OrgKeys
	ttl  time.Duration

	mu    sync.RWMutex
	cache map[uuid.UUID]cachedDEK
}

// NewEngine constructs an Engine. ttl <= 0 selects DefaultDEKTTL.
func NewEngine(kmsClient kms.Client, orgs OrgKeys, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultDEKTTL
	}
	return &Engine{
		kms:   kmsClient,
		orgs:  orgs,
		ttl:   ttl,
		cache: make(map[uuid.UUID]cachedDEK),
	}
}

// AAD builds the additional authenticated data binding a ciphertext to
// both the tenant and the semantic field it protects. The context
// string is effectively part of the schema: changing it for an
// existing field requires a data migration.
func AAD(orgID uuid.UUID, context string) []byte {
	return []byte(fmt.Sprintf("org:%s:%s", orgID, context))
}

// Encrypt seals plaintext under the org's DEK with a random nonce and
// AAD derived from (orgID, aadContext).
func (e *Engine) Encrypt(ctx context.Context, orgID uuid.UUID, plaintext []byte, aadContext string) ([]byte, error) {
	dek, _, err := e.orgDEK(ctx, orgID)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+nonceSize+len(plaintext)+aead.Overhead())
	out = append(out, blobVersionV1)
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, AAD(orgID, aadContext))...)
	return out, nil
}

// Decrypt opens a blob produced by Encrypt (or a legacy unversioned
// blob) with the same AAD context it was sealed under. An open failure
// is reported as ErrAuthenticationFailed: the data is tampered, stale,
// or bound to a different org/field.
func (e *Engine) Decrypt(ctx context.Context, orgID uuid.UUID, blob []byte, aadContext string) ([]byte, error) {
	nonce, ct, err := splitBlob(blob)
	if err != nil {
		return nil, err
	}
	dek, _, err := e.orgDEK(ctx, orgID)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ct, AAD(orgID, aadContext))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}

// KeyVersion reports the DEK version currently in effect for the org.
func (e *Engine) KeyVersion(ctx context.Context, orgID uuid.UUID) (int, error) {
	_, version, err := e.orgDEK(ctx, orgID)
	return version, err
}

// Invalidate drops the cached DEK for an org (used after key rotation).
func (e *Engine) Invalidate(orgID uuid.UUID) {
	e.mu.Lock()
	delete(e.cache, orgID)
	e.mu.Unlock()
}

// orgDEK returns the unwrapped DEK, consulting the cache first. The
// lock is never held across KMS or storage I/O.
func (e *Engine) orgDEK(ctx context.Context, orgID uuid.UUID) ([]byte, int, error) {
	e.mu.RLock()
	entry, ok := e.cache[orgID]
	e.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.key, entry.version, nil
	}

	org, err := e.orgs.GetByID(ctx, orgID)
	if err != nil {
		return nil, 0, err
	}
	if len(org.EncryptedDEKBlob) == 0 {
		return nil, 0, fmt.Errorf("org %s: %w: no wrapped DEK", orgID, errs.ErrNotFound)
	}
	dek, err := e.kms.DecryptDEK(ctx, org.EncryptedDEKBlob)
	if err != nil {
		return nil, 0, err
	}

	e.mu.Lock()
	e.cache[orgID] = cachedDEK{key: dek, version: org.DEKVersion, expiresAt: time.Now().Add(e.ttl)}
	e.mu.Unlock()
	return dek, org.DEKVersion, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// splitBlob separates nonce and ciphertext, handling both the v1
// layout and legacy blobs without a version byte.
func splitBlob(blob []byte) (nonce, ct []byte, err error) {
	if len(blob) > 0 && blob[0] == blobVersionV1 {
		if len(blob) < 1+nonceSize+1 {
			return nil, nil, fmt.Errorf("%w: blob too short", errs.ErrAuthenticationFailed)
		}
		return blob[1 : 1+nonceSize], blob[1+nonceSize:], nil
	}
	// Legacy layout: nonce leads directly.
	if len(blob) < nonceSize+1 {
		return nil, nil, fmt.Errorf("%w: blob too short", errs.ErrAuthenticationFailed)
	}
	return blob[:nonceSize], blob[nonceSize:], nil
}
