package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/loopcrm/integrations/internal/errs"
	"github.com/loopcrm/integrations/internal/model"
)

// AccountRepo implements AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

const accountColumns = `
id, org_id, provider, external_account_id, email, status,
encryption_status, access_token_ref, refresh_token_ref, channel_id,
channel_resource_id, channel_expiration, renewal_due, history_id,
error_reason, created_at, updated_at`

// Upsert inserts an account connection, or refreshes token refs and
// statuses when the same external account reconnects.
func (r *AccountRepo) Upsert(ctx context.Context, a *model.IntegrationAccount) error {
	const q = `
INSERT INTO integration_accounts (
  id, org_id, provider, external_account_id, email, status,
  encryption_status, access_token_ref, refresh_token_ref)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (org_id, provider, external_account_id) DO UPDATE
SET email=EXCLUDED.email, status=EXCLUDED.status,
    encryption_status=EXCLUDED.encryption_status,
    access_token_ref=EXCLUDED.access_token_ref,
    refresh_token_ref=EXCLUDED.refresh_token_ref,
    error_reason='', updated_at=now()
RETURNING id`
	return r.db.Pool.QueryRow(ctx, q,
		a.ID, a.OrgID, a.Provider, a.ExternalAccountID, a.Email, a.Status,
		a.EncryptionStatus, a.AccessTokenRef, a.RefreshTokenRef).Scan(&a.ID)
}

// GetByID selects an account by ID.
func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.IntegrationAccount, error) {
	const q = `SELECT` + accountColumns + `
FROM integration_accounts WHERE id=$1`
	a, err := scanAccount(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// ListByOrg returns all accounts for a tenant.
func (r *AccountRepo) ListByOrg(ctx context.Context, orgID uuid.UUID) ([]*model.IntegrationAccount, error) {
	const q = `SELECT` + accountColumns + `
FROM integration_accounts WHERE org_id=$1 ORDER BY created_at ASC`
	return r.list(ctx, q, orgID)
}

// ListAll returns every account, probe sweep input.
func (r *AccountRepo) ListAll(ctx context.Context) ([]*model.IntegrationAccount, error) {
	const q = `SELECT` + accountColumns + `
FROM integration_accounts ORDER BY created_at ASC`
	return r.list(ctx, q)
}

// UpdateStatus sets status and error reason (probe/watch owned).
func (r *AccountRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status model.AccountStatus, errorReason string) error {
	const q = `
UPDATE integration_accounts
SET status=$2, error_reason=$3, updated_at=now()
WHERE id=$1`
	return r.exec(ctx, q, id, status, errorReason)
}

// UpdateEncryptionStatus sets the token-store-owned column.
func (r *AccountRepo) UpdateEncryptionStatus(ctx context.Context, id uuid.UUID, status model.EncryptionStatus) error {
	const q = `
UPDATE integration_accounts
SET encryption_status=$2, updated_at=now()
WHERE id=$1`
	return r.exec(ctx, q, id, status)
}

// UpdateChannel sets watch channel state plus the durable renewal-due mark.
func (r *AccountRepo) UpdateChannel(ctx context.Context, id uuid.UUID, channelID, resourceID string, expiration, renewalDue *time.Time) error {
	const q = `
UPDATE integration_accounts
SET channel_id=$2, channel_resource_id=$3, channel_expiration=$4,
    renewal_due=$5, updated_at=now()
WHERE id=$1`
	return r.exec(ctx, q, id, channelID, resourceID, expiration, renewalDue)
}

// UpdateHistoryID advances the provider sync cursor.
func (r *AccountRepo) UpdateHistoryID(ctx context.Context, id uuid.UUID, historyID string) error {
	const q = `
UPDATE integration_accounts
SET history_id=$2, updated_at=now()
WHERE id=$1`
	return r.exec(ctx, q, id, historyID)
}

// ListRenewalDue returns accounts whose renewal_due has passed.
func (r *AccountRepo) ListRenewalDue(ctx context.Context, now time.Time, limit int) ([]*model.IntegrationAccount, error) {
	const q = `SELECT` + accountColumns + `
FROM integration_accounts
WHERE renewal_due IS NOT NULL AND renewal_due <= $1
ORDER BY renewal_due ASC
LIMIT $2`
	return r.list(ctx, q, now, limit)
}

func (r *AccountRepo) exec(ctx context.Context, q string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (r *AccountRepo) list(ctx context.Context, q string, args ...any) ([]*model.IntegrationAccount, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.IntegrationAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAccount(row pgx.Row) (*model.IntegrationAccount, error) {
	var a model.IntegrationAccount
	err := row.Scan(
		&a.ID, &a.OrgID, &a.Provider, &a.ExternalAccountID, &a.Email, &a.Status,
		&a.EncryptionStatus, &a.AccessTokenRef, &a.RefreshTokenRef, &a.ChannelID,
		&a.ChannelResourceID, &a.ChannelExpiration, &a.RenewalDue, &a.HistoryID,
		&a.ErrorReason, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
