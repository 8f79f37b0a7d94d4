package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/loopcrm/integrations/internal/model"
)

// AccountRepository persists integration account connections. Updates
// are field-scoped: each mutator owns a disjoint set of columns, which
// is what lets components run concurrently without transactions.
type AccountRepository interface {
	// Upsert inserts a new account connection or, on reconnect of the
	// same external account, refreshes its token refs and statuses.
	// a.ID is populated with the row's id either way.
	Upsert(ctx context.Context, a *model.IntegrationAccount) error

	// GetByID loads an account by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.IntegrationAccount, error)

	// ListByOrg returns all accounts for a tenant.
	ListByOrg(ctx context.Context, orgID uuid.UUID) ([]*model.IntegrationAccount, error)

	// ListAll returns every active account (probe sweep input).
	ListAll(ctx context.Context) ([]*model.IntegrationAccount, error)

	// UpdateStatus sets the probe-owned columns: status and error reason.
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.AccountStatus, errorReason string) error

	// UpdateEncryptionStatus sets the token-store-owned column.
	UpdateEncryptionStatus(ctx context.Context, id uuid.UUID, status model.EncryptionStatus) error

	// UpdateChannel sets the watch-owned columns and the persisted
	// renewal-due timestamp.
	UpdateChannel(ctx context.Context, id uuid.UUID, channelID, resourceID string, expiration, renewalDue *time.Time) error

	// UpdateHistoryID advances the provider sync cursor.
	UpdateHistoryID(ctx context.Context, id uuid.UUID, historyID string) error

	// ListRenewalDue returns accounts whose persisted renewal_due has
	// passed, so a restarted worker re-schedules lost renewals.
	ListRenewalDue(ctx context.Context, now time.Time, limit int) ([]*model.IntegrationAccount, error)
}
