// Package queue implements a Redis-backed delayed job queue with
// bounded retries, exponential backoff, and dead-letter parking.
// Delivery is at-least-once; every handler must tolerate re-processing.
package queue

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/loopcrm/integrations/internal/model"
)

// Queue names. Each is an independent stream of work consumed by the
// worker pool.
const (
	QueueTokenEncryption = "token-encryption"
	QueueSyncInit        = "sync-init"
	QueueHealthProbe     = "health-probe"
	QueueWebhookRenewal  = "webhook-renewal"
)

// Job types.
const (
	TypeEncryptToken   = "encrypt-token"
	TypeStartSync      = "start-sync"
	TypeHealthProbe    = "health-probe"
	TypeWebhookRenewal = "webhook-renewal"
)

// Job is one queue entry. Attempts counts executions so far; when it
// reaches MaxAttempts the job is parked in the dead-letter list.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	BackoffBase time.Duration   `json:"backoff_base"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	Payload     json.RawMessage `json:"payload"`
}

// EncryptTokenPayload identifies the token whose encryption is retried.
// The tuple (org, account, ref) makes re-delivery idempotent.
// SealedToken carries the credential through redis protected by the
// fallback cipher; the raw secret never enters the queue.
type EncryptTokenPayload struct {
	OrgID             uuid.UUID      `json:"org_id"`
	AccountID         uuid.UUID      `json:"account_id"`
	TokenRef          string         `json:"token_ref"`
	Provider          model.Provider `json:"provider"`
	ExternalAccountID string         `json:"external_account_id"`
	SealedToken       []byte         `json:"sealed_token"`
}

// StartSyncPayload triggers initial data sync for an account.
type StartSyncPayload struct {
	OrgID     uuid.UUID      `json:"org_id"`
	AccountID uuid.UUID      `json:"account_id"`
	Provider  model.Provider `json:"provider"`
}

// HealthProbePayload triggers one health probe run.
type HealthProbePayload struct {
	AccountID uuid.UUID `json:"account_id"`
}

// WebhookRenewalPayload triggers a watch channel renewal.
type WebhookRenewalPayload struct {
	AccountID uuid.UUID `json:"account_id"`
}

// NewJob builds a job with a fresh ID and encoded payload.
func NewJob(jobType string, payload any, maxAttempts int, backoffBase time.Duration) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:          id.String(),
		Type:        jobType,
		MaxAttempts: maxAttempts,
		BackoffBase: backoffBase,
		EnqueuedAt:  time.Now().UTC(),
		Payload:     raw,
	}, nil
}

// NextDelay computes the exponential backoff delay for the job's
// current attempt count (base, 2*base, 4*base, ...).
func (j *Job) NextDelay() time.Duration {
	d := j.BackoffBase
	for i := 1; i < j.Attempts; i++ {
		d *= 2
	}
	return d
}

// Exhausted reports whether the job has used all its attempts.
func (j *Job) Exhausted() bool { return j.Attempts >= j.MaxAttempts }
