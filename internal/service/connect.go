package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/loopcrm/integrations/internal/errs"
	"github.com/loopcrm/integrations/internal/kms"
	"github.com/loopcrm/integrations/internal/model"
	"github.com/loopcrm/integrations/internal/provider"
	"github.com/loopcrm/integrations/internal/queue"
	"github.com/loopcrm/integrations/internal/repository"
)

// QueueProducer is the slice of the queue client used by orchestration
// and job handlers.
type QueueProducer interface {
	EnqueueTokenEncryption(ctx context.Context, p queue.EncryptTokenPayload) error
	EnqueueInitialSync(ctx context.Context, p queue.StartSyncPayload) error
	EnqueueHealthProbe(ctx context.Context, p queue.HealthProbePayload) error
}

// WatchSetup is the slice of WatchManager that connect needs.
type WatchSetup interface {
	SetupWatch(ctx context.Context, accountID uuid.UUID) (model.ChannelInfo, error)
}

// ConnectParams carries the result of a completed OAuth exchange. The
// HTTP exchange itself happens upstream; this service owns everything
// that follows the callback.
type ConnectParams struct {
	OrgID             uuid.UUID // Nil means first connection: create the org
	OrgName           string
	Provider          model.Provider
	Tokens            model.TokenData
	ExternalAccountID string
	Email             string
}

// ConnectService orchestrates the account connection saga: store
// tokens, commit the account row (the authoritative step), then chain
// retry or sync work. Every step after the commit is retryable.
type ConnectService struct {
	orgs     repository.OrgRepository
	accounts repository.AccountRepository
	tokens   *TokenStore
	kms      kms.Client
	producer QueueProducer
	watch    WatchSetup
	google   provider.GoogleAPI
	log      *zap.Logger
}

// NewConnectService constructs a ConnectService.
func NewConnectService(orgs repository.OrgRepository, accounts repository.AccountRepository, tokens *TokenStore, kmsClient kms.Client, producer QueueProducer, watch WatchSetup, google provider.GoogleAPI, log *zap.Logger) *ConnectService {
	return &ConnectService{
		orgs:     orgs,
		accounts: accounts,
		tokens:   tokens,
		kms:      kmsClient,
		producer: producer,
		watch:    watch,
		google:   google,
		log:      log,
	}
}

// EnsureOrg returns the existing org or creates one with a freshly
// minted DEK. Org creation requires the KMS: a tenant without a
// wrapped DEK could never decrypt anything.
func (s *ConnectService) EnsureOrg(ctx context.Context, orgID uuid.UUID, name string) (*model.Org, error) {
	if orgID != uuid.Nil {
		org, err := s.orgs.GetByID(ctx, orgID)
		if err == nil {
			return org, nil
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
	}

	id := orgID
	if id == uuid.Nil {
		var err error
		if id, err = uuid.NewV4(); err != nil {
			return nil, err
		}
	}
	_, wrapped, version, err := s.kms.GenerateDEK(ctx, id.String())
	if err != nil {
		return nil, fmt.Errorf("mint org DEK: %w", err)
	}
	org := &model.Org{ID: id, Name: name, EncryptedDEKBlob: wrapped, DEKVersion: version}
	if err := s.orgs.Create(ctx, org); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return s.orgs.GetByID(ctx, id)
		}
		return nil, err
	}
	s.log.Info("org created", zap.String("org_id", id.String()), zap.Int("dek_version", version))
	return org, nil
}

// ConnectAccount runs the post-callback flow: persist credentials,
// commit the account row, then either chain into initial sync and
// watch setup (healthy path) or enqueue encryption retries.
func (s *ConnectService) ConnectAccount(ctx context.Context, p ConnectParams) (*model.IntegrationAccount, error) {
	org, err := s.EnsureOrg(ctx, p.OrgID, p.OrgName)
	if err != nil {
		return nil, err
	}

	infos, err := s.tokens.StoreTokens(ctx, org.ID, p.Provider, p.Tokens, p.ExternalAccountID)
	if err != nil {
		return nil, err
	}

	account := &model.IntegrationAccount{
		OrgID:             org.ID,
		Provider:          p.Provider,
		ExternalAccountID: p.ExternalAccountID,
		Email:             p.Email,
		Status:            model.StatusConnected,
		EncryptionStatus:  model.EncryptionOK,
	}
	// No stored tokens means no credential to sync with; a connected
	// status must always be backed by at least one ok token row.
	allOK := len(infos) > 0
	for _, info := range infos {
		if info.EncryptionStatus != model.EncryptionOK {
			allOK = false
		}
		switch info.TokenType {
		case model.TokenTypeAccess:
			account.AccessTokenRef = info.TokenRef
		case model.TokenTypeRefresh:
			account.RefreshTokenRef = info.TokenRef
		}
	}
	if !allOK {
		account.Status = model.StatusActionNeeded
		account.EncryptionStatus = model.EncryptionFailed
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	account.ID = id
	// The account row is the saga's commit point; the upsert makes a
	// crashed-and-retried callback converge instead of duplicating.
	if err := s.accounts.Upsert(ctx, account); err != nil {
		return nil, err
	}

	if !allOK {
		if err := s.enqueueRetries(ctx, org.ID, account, p, infos); err != nil {
			return nil, err
		}
		return account, nil
	}

	if err := s.producer.EnqueueInitialSync(ctx, queue.StartSyncPayload{
		OrgID: org.ID, AccountID: account.ID, Provider: p.Provider,
	}); err != nil {
		return nil, err
	}

	// Watch setup and the sync cursor are best-effort here: the probe
	// engine and renewal sweep surface and repair failures.
	if _, err := s.watch.SetupWatch(ctx, account.ID); err != nil {
		s.log.Warn("watch setup failed at connect",
			zap.String("account_id", account.ID.String()), zap.Error(err))
	}
	if profile, err := s.google.FetchGmailProfile(ctx, p.Tokens.AccessToken); err != nil {
		s.log.Warn("fetch initial history id failed",
			zap.String("account_id", account.ID.String()), zap.Error(err))
	} else if err := s.accounts.UpdateHistoryID(ctx, account.ID, profile.HistoryID); err != nil {
		s.log.Warn("persist initial history id failed",
			zap.String("account_id", account.ID.String()), zap.Error(err))
	}
	// Queue a probe so the fresh connection gets a verified status
	// without waiting for the next periodic sweep.
	if err := s.producer.EnqueueHealthProbe(ctx, queue.HealthProbePayload{AccountID: account.ID}); err != nil {
		s.log.Warn("enqueue post-connect probe failed",
			zap.String("account_id", account.ID.String()), zap.Error(err))
	}
	return account, nil
}

// enqueueRetries schedules an encryption retry job per failed token,
// carrying the credential sealed under the fallback cipher.
func (s *ConnectService) enqueueRetries(ctx context.Context, orgID uuid.UUID, account *model.IntegrationAccount, p ConnectParams, infos []model.SecureTokenInfo) error {
	for _, info := range infos {
		if info.EncryptionStatus == model.EncryptionOK {
			continue
		}
		plaintext := p.Tokens.AccessToken
		if info.TokenType == model.TokenTypeRefresh {
			plaintext = p.Tokens.RefreshToken
		}
		sealed, err := s.tokens.SealPlaintext([]byte(plaintext))
		if err != nil {
			return fmt.Errorf("seal credential for retry: %w", err)
		}
		if err := s.producer.EnqueueTokenEncryption(ctx, queue.EncryptTokenPayload{
			OrgID:             orgID,
			AccountID:         account.ID,
			TokenRef:          info.TokenRef,
			Provider:          p.Provider,
			ExternalAccountID: p.ExternalAccountID,
			SealedToken:       sealed,
		}); err != nil {
			return err
		}
		s.log.Info("encryption retry enqueued",
			zap.String("account_id", account.ID.String()),
			zap.String("token_ref", info.TokenRef),
		)
	}
	return nil
}
