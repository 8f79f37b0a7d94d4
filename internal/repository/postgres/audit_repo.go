package postgres

import (
	"context"
	"encoding/json"

	"github.com/gofrs/uuid/v5"
)

// AuditRepo implements AuditRepository using PostgreSQL.
type AuditRepo struct{ db *DB }

// NewAuditRepo constructs an audit repository.
func NewAuditRepo(db *DB) *AuditRepo { return &AuditRepo{db: db} }

// Append writes one audit event with JSON-encoded details.
func (r *AuditRepo) Append(ctx context.Context, orgID, accountID uuid.UUID, event string, details any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO audit_log (org_id, account_id, event, details)
VALUES ($1, $2, $3, $4)`
	_, err = r.db.Pool.Exec(ctx, q, orgID, accountID, event, payload)
	return err
}
