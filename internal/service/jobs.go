package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/loopcrm/integrations/internal/model"
	"github.com/loopcrm/integrations/internal/queue"
	"github.com/loopcrm/integrations/internal/repository"
)

// Syncer hands an account over to the downstream sync workers (an
// external collaborator; only the handoff contract lives here).
type Syncer interface {
	StartInitialSync(ctx context.Context, orgID, accountID uuid.UUID, provider model.Provider) error
}

// JobHandlers binds queue jobs to the services. All handlers tolerate
// at-least-once delivery: re-processing any job is safe.
type JobHandlers struct {
	tokens    *TokenStore
	tokenRepo repository.TokenRepository
	accounts  repository.AccountRepository
	producer  QueueProducer
	prober    *HealthProber
	watch     *WatchManager
	audit     repository.AuditRepository
	syncer    Syncer
	log       *zap.Logger
}

// NewJobHandlers constructs the handler set.
func NewJobHandlers(tokens *TokenStore, tokenRepo repository.TokenRepository, accounts repository.AccountRepository, producer QueueProducer, prober *HealthProber, watch *WatchManager, audit repository.AuditRepository, syncer Syncer, log *zap.Logger) *JobHandlers {
	return &JobHandlers{
		tokens:    tokens,
		tokenRepo: tokenRepo,
		accounts:  accounts,
		producer:  producer,
		prober:    prober,
		watch:     watch,
		audit:     audit,
		syncer:    syncer,
		log:       log,
	}
}

// Register wires every queue onto the worker pool.
func (h *JobHandlers) Register(pool *queue.WorkerPool) {
	pool.Handle(queue.QueueTokenEncryption, h.ProcessTokenEncryption)
	pool.OnDeadLetter(queue.QueueTokenEncryption, h.TokenEncryptionDeadLetter)
	pool.Handle(queue.QueueSyncInit, h.ProcessInitialSync)
	pool.Handle(queue.QueueHealthProbe, h.ProcessHealthProbe)
	pool.Handle(queue.QueueWebhookRenewal, h.ProcessWebhookRenewal)
	pool.OnDeadLetter(queue.QueueWebhookRenewal, h.WebhookRenewalDeadLetter)
}

// ProcessTokenEncryption re-attempts envelope encryption for one token
// and, once every token of the account is ok, flips the account and
// chains into initial sync. Sync never starts against credentials that
// cannot be decrypted.
func (h *JobHandlers) ProcessTokenEncryption(ctx context.Context, job *queue.Job) error {
	var p queue.EncryptTokenPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	plaintext, err := h.tokens.OpenPlaintext(p.SealedToken)
	if err != nil {
		return fmt.Errorf("unseal credential: %w", err)
	}

	// A redelivery can land here with the token already ok (the first
	// delivery crashed after MarkEncrypted but before the account
	// update). The steps below are idempotent, so run them either way.
	if _, err := h.tokens.RetryEncryption(ctx, p.TokenRef, plaintext); err != nil {
		return err
	}

	account, err := h.accounts.GetByID(ctx, p.AccountID)
	if err != nil {
		return err
	}
	ok, err := h.allTokensOK(ctx, account)
	if err != nil {
		return err
	}
	if !ok {
		return nil // sibling token still pending its own retry job
	}

	if err := h.accounts.UpdateEncryptionStatus(ctx, p.AccountID, model.EncryptionOK); err != nil {
		return err
	}
	return h.producer.EnqueueInitialSync(ctx, queue.StartSyncPayload{
		OrgID: p.OrgID, AccountID: p.AccountID, Provider: p.Provider,
	})
}

// TokenEncryptionDeadLetter makes an exhausted encryption job
// human-visible: the account is flagged for user action exactly once
// and no further automatic retries happen.
func (h *JobHandlers) TokenEncryptionDeadLetter(ctx context.Context, job *queue.Job, cause error) {
	var p queue.EncryptTokenPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		h.log.Error("decode dead-letter payload", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := h.accounts.UpdateEncryptionStatus(ctx, p.AccountID, model.EncryptionFailed); err != nil {
		h.log.Error("mark account encryption failed", zap.String("account_id", p.AccountID.String()), zap.Error(err))
	}
	reason := fmt.Sprintf("token encryption failed after %d attempts: %v", job.Attempts, cause)
	if err := h.accounts.UpdateStatus(ctx, p.AccountID, model.StatusActionNeeded, reason); err != nil {
		h.log.Error("mark account action needed", zap.String("account_id", p.AccountID.String()), zap.Error(err))
	}
	if err := h.audit.Append(ctx, p.OrgID, p.AccountID, "encryption_dead_letter", map[string]any{
		"token_ref": p.TokenRef,
		"attempts":  job.Attempts,
		"error":     cause.Error(),
	}); err != nil {
		h.log.Warn("append dead-letter audit event", zap.Error(err))
	}
}

// ProcessInitialSync hands the account to the sync collaborator after
// re-checking that encryption did not regress between enqueue and
// execution.
func (h *JobHandlers) ProcessInitialSync(ctx context.Context, job *queue.Job) error {
	var p queue.StartSyncPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	account, err := h.accounts.GetByID(ctx, p.AccountID)
	if err != nil {
		return err
	}
	if account.EncryptionStatus != model.EncryptionOK {
		return fmt.Errorf("account %s encryption status is %s, refusing to sync", p.AccountID, account.EncryptionStatus)
	}
	ok, err := h.allTokensOK(ctx, account)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("account %s has tokens pending encryption, refusing to sync", p.AccountID)
	}
	return h.syncer.StartInitialSync(ctx, p.OrgID, p.AccountID, account.Provider)
}

// ProcessHealthProbe runs one probe; classification errors are
// terminal inside the prober, so only infrastructure errors surface.
func (h *JobHandlers) ProcessHealthProbe(ctx context.Context, job *queue.Job) error {
	var p queue.HealthProbePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	_, err := h.prober.RunProbe(ctx, p.AccountID)
	return err
}

// ProcessWebhookRenewal renews the account's push channel.
func (h *JobHandlers) ProcessWebhookRenewal(ctx context.Context, job *queue.Job) error {
	var p queue.WebhookRenewalPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	_, err := h.watch.RenewWatch(ctx, p.AccountID)
	return err
}

// WebhookRenewalDeadLetter records the terminal renewal failure; the
// watch manager already flipped the account to watch_renewal_failed.
func (h *JobHandlers) WebhookRenewalDeadLetter(ctx context.Context, job *queue.Job, cause error) {
	var p queue.WebhookRenewalPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		h.log.Error("decode dead-letter payload", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	account, err := h.accounts.GetByID(ctx, p.AccountID)
	if err != nil {
		h.log.Error("load account for dead-letter audit", zap.Error(err))
		return
	}
	if err := h.audit.Append(ctx, account.OrgID, p.AccountID, "watch_renewal_dead_letter", map[string]any{
		"attempts": job.Attempts,
		"error":    cause.Error(),
	}); err != nil {
		h.log.Warn("append dead-letter audit event", zap.Error(err))
	}
}

// allTokensOK reports whether every token the account references has
// encryption status ok. Lookup failures surface as errors so callers
// retry instead of mistaking an outage for a pending sibling.
func (h *JobHandlers) allTokensOK(ctx context.Context, account *model.IntegrationAccount) (bool, error) {
	var refs []string
	if account.AccessTokenRef != "" {
		refs = append(refs, account.AccessTokenRef)
	}
	if account.RefreshTokenRef != "" {
		refs = append(refs, account.RefreshTokenRef)
	}
	if len(refs) == 0 {
		return false, nil
	}
	rows, err := h.tokenRepo.GetByRefs(ctx, refs)
	if err != nil {
		return false, err
	}
	if len(rows) != len(refs) {
		return false, nil
	}
	for _, row := range rows {
		if row.EncryptionStatus != model.EncryptionOK {
			return false, nil
		}
	}
	return true, nil
}
