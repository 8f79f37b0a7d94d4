package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/loopcrm/integrations/internal/model"
)

// syncRequestsKey is the handoff list consumed by the downstream sync
// workers, which run as a separate deployment.
const syncRequestsKey = "sync:requests"

// SyncDispatcher publishes initial-sync requests for the external sync
// collaborator. It implements service.Syncer.
type SyncDispatcher struct {
	rdb RedisClient
}

// NewSyncDispatcher constructs a dispatcher over the shared redis.
func NewSyncDispatcher(rdb RedisClient) *SyncDispatcher {
	return &SyncDispatcher{rdb: rdb}
}

type syncRequest struct {
	OrgID       uuid.UUID      `json:"org_id"`
	AccountID   uuid.UUID      `json:"account_id"`
	Provider    model.Provider `json:"provider"`
	RequestedAt time.Time      `json:"requested_at"`
}

// StartInitialSync enqueues the handoff message.
func (d *SyncDispatcher) StartInitialSync(ctx context.Context, orgID, accountID uuid.UUID, provider model.Provider) error {
	raw, err := json.Marshal(syncRequest{
		OrgID:       orgID,
		AccountID:   accountID,
		Provider:    provider,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := d.rdb.LPush(ctx, syncRequestsKey, raw).Err(); err != nil {
		return fmt.Errorf("dispatch sync request: %w", err)
	}
	return nil
}
