package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loopcrm/integrations/internal/errs"
	"github.com/loopcrm/integrations/internal/model"
)

// TokenRepo implements TokenRepository using PostgreSQL.
type TokenRepo struct{ db *DB }

// NewTokenRepo constructs a token repository.
func NewTokenRepo(db *DB) *TokenRepo { return &TokenRepo{db: db} }

const tokenColumns = `
token_ref, org_id, provider, token_type, encrypted_token_blob,
encryption_status, encryption_method, key_version, kms_error_code,
kms_error_at, retry_count, last_retry_at, expires_at, created_at, updated_at`

// Create inserts a token row, encrypted or not.
func (r *TokenRepo) Create(ctx context.Context, t *model.SecureToken) error {
	const q = `
INSERT INTO secure_tokens (
  token_ref, org_id, provider, token_type, encrypted_token_blob,
  encryption_status, encryption_method, key_version, kms_error_code,
  kms_error_at, retry_count, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := r.db.Pool.Exec(ctx, q,
		t.TokenRef, t.OrgID, t.Provider, t.TokenType, t.EncryptedTokenBlob,
		t.EncryptionStatus, t.EncryptionMethod, t.KeyVersion, t.KmsErrorCode,
		t.KmsErrorAt, t.RetryCount, t.ExpiresAt)
	return err
}

// GetByRef selects a token by its opaque reference.
func (r *TokenRepo) GetByRef(ctx context.Context, tokenRef string) (*model.SecureToken, error) {
	const q = `SELECT` + tokenColumns + `
FROM secure_tokens WHERE token_ref=$1`
	row := r.db.Pool.QueryRow(ctx, q, tokenRef)
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// GetByRefs selects tokens for the given refs; missing refs are skipped.
func (r *TokenRepo) GetByRefs(ctx context.Context, tokenRefs []string) ([]*model.SecureToken, error) {
	const q = `SELECT` + tokenColumns + `
FROM secure_tokens WHERE token_ref = ANY($1)`
	rows, err := r.db.Pool.Query(ctx, q, tokenRefs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.SecureToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkEncrypted stores the blob and flips status to ok. Also counts as
// a retry attempt so operators can see when the last attempt happened.
func (r *TokenRepo) MarkEncrypted(ctx context.Context, tokenRef string, blob []byte, method model.EncryptionMethod, keyVersion int) error {
	const q = `
UPDATE secure_tokens
SET encrypted_token_blob=$2, encryption_status='ok', encryption_method=$3,
    key_version=$4, kms_error_code='', kms_error_at=NULL,
    retry_count=retry_count+1, last_retry_at=now(), updated_at=now()
WHERE token_ref=$1`
	tag, err := r.db.Pool.Exec(ctx, q, tokenRef, blob, method, keyVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// MarkFailed records a failed attempt with its structured error code.
func (r *TokenRepo) MarkFailed(ctx context.Context, tokenRef, kmsErrorCode string, at time.Time) error {
	const q = `
UPDATE secure_tokens
SET encryption_status='failed', kms_error_code=$2, kms_error_at=$3,
    retry_count=retry_count+1, last_retry_at=now(), updated_at=now()
WHERE token_ref=$1`
	tag, err := r.db.Pool.Exec(ctx, q, tokenRef, kmsErrorCode, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListFallbackEncrypted returns fallback-method tokens for the
// reconciliation sweep, oldest first.
func (r *TokenRepo) ListFallbackEncrypted(ctx context.Context, limit int) ([]*model.SecureToken, error) {
	const q = `SELECT` + tokenColumns + `
FROM secure_tokens
WHERE encryption_status='ok' AND encryption_method='fallback'
ORDER BY updated_at ASC
LIMIT $1`
	rows, err := r.db.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.SecureToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanToken(row pgx.Row) (*model.SecureToken, error) {
	var t model.SecureToken
	err := row.Scan(
		&t.TokenRef, &t.OrgID, &t.Provider, &t.TokenType, &t.EncryptedTokenBlob,
		&t.EncryptionStatus, &t.EncryptionMethod, &t.KeyVersion, &t.KmsErrorCode,
		&t.KmsErrorAt, &t.RetryCount, &t.LastRetryAt, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
