package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"
)

// AuditRepository appends operator-facing events: probe outcomes,
// dead-letters, watch transitions.
type AuditRepository interface {
	// Append writes one audit event; details must be JSON-serializable.
	Append(ctx context.Context, orgID, accountID uuid.UUID, event string, details any) error
}
