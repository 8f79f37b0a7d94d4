package repository

import (
	"context"
	"time"

	"github.com/loopcrm/integrations/internal/model"
)

// TokenRepository persists encrypted OAuth credentials keyed by opaque refs.
type TokenRepository interface {
	// Create inserts a token row. The row exists even when encryption
	// failed (nil blob, status failed); callers never special-case a
	// missing record.
	Create(ctx context.Context, t *model.SecureToken) error

	// GetByRef loads a token by its opaque reference.
	GetByRef(ctx context.Context, tokenRef string) (*model.SecureToken, error)

	// GetByRefs loads multiple tokens; refs without a row are skipped.
	GetByRefs(ctx context.Context, tokenRefs []string) ([]*model.SecureToken, error)

	// MarkEncrypted records a successful (re-)encryption: blob, status ok,
	// method, key version, retry bookkeeping.
	MarkEncrypted(ctx context.Context, tokenRef string, blob []byte, method model.EncryptionMethod, keyVersion int) error

	// MarkFailed records a failed encryption attempt with the structured
	// KMS error code and bumps retry bookkeeping.
	MarkFailed(ctx context.Context, tokenRef, kmsErrorCode string, at time.Time) error

	// ListFallbackEncrypted returns up to limit tokens whose blobs were
	// produced by the fallback cipher, oldest first, for reconciliation.
	ListFallbackEncrypted(ctx context.Context, limit int) ([]*model.SecureToken, error)
}
