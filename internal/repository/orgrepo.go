// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/loopcrm/integrations/internal/model"
)

// OrgRepository provides access to tenants and their wrapped DEKs.
type OrgRepository interface {
	// Create inserts a new org with its wrapped DEK.
	Create(ctx context.Context, org *model.Org) error
	// GetByID loads an org by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Org, error)
}
