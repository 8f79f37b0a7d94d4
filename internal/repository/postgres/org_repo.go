package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/loopcrm/integrations/internal/errs"
	"github.com/loopcrm/integrations/internal/model"
)

// OrgRepo implements OrgRepository using PostgreSQL.
type OrgRepo struct{ db *DB }

// NewOrgRepo constructs an org repository.
func NewOrgRepo(db *DB) *OrgRepo { return &OrgRepo{db: db} }

// Create inserts a new org row with its wrapped DEK.
func (r *OrgRepo) Create(ctx context.Context, org *model.Org) error {
	const q = `
INSERT INTO orgs (id, name, encrypted_dek_blob, dek_version)
VALUES ($1, $2, $3, $4)`
	_, err := r.db.Pool.Exec(ctx, q, org.ID, org.Name, org.EncryptedDEKBlob, org.DEKVersion)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects an org by ID.
func (r *OrgRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Org, error) {
	const q = `
SELECT id, name, encrypted_dek_blob, dek_version, created_at, updated_at
FROM orgs WHERE id=$1`
	row := r.db.Pool.QueryRow(ctx, q, id)
	var o model.Org
	if err := row.Scan(&o.ID, &o.Name, &o.EncryptedDEKBlob, &o.DEKVersion, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}
