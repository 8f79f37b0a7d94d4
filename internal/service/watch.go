package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/loopcrm/integrations/internal/errs"
	"github.com/loopcrm/integrations/internal/model"
	"github.com/loopcrm/integrations/internal/monitoring"
	"github.com/loopcrm/integrations/internal/provider"
	"github.com/loopcrm/integrations/internal/queue"
	"github.com/loopcrm/integrations/internal/repository"
)

// Headers carried by provider push notifications.
const (
	headerChannelID     = "X-Goog-Channel-Id"
	headerResourceID    = "X-Goog-Resource-Id"
	headerResourceState = "X-Goog-Resource-State"
	headerChannelToken  = "X-Goog-Channel-Token"
)

// RenewalScheduler is the slice of the queue client the manager needs.
type RenewalScheduler interface {
	EnqueueWebhookRenewal(ctx context.Context, p queue.WebhookRenewalPayload, delay time.Duration) error
}

// WatchManager creates, renews, and validates provider push channels.
// Renewal scheduling is durable: the account row carries renewal_due,
// and a periodic sweep re-enqueues anything a crashed worker lost.
type WatchManager struct {
	accounts  repository.AccountRepository
	tokens    TokenSource
	google    provider.GoogleAPI
	scheduler RenewalScheduler
	audit     repository.AuditRepository
	signKey   []byte // HS256 key for channel tokens; empty disables validation
	log       *zap.Logger

	// renewalLead is how far before expiry renewal should happen.
	renewalLead time.Duration
	// renewalRetryHorizon spaces sweep re-enqueues for the same account.
	renewalRetryHorizon time.Duration
}

// NewWatchManager constructs a WatchManager.
func NewWatchManager(accounts repository.AccountRepository, tokens TokenSource, google provider.GoogleAPI, scheduler RenewalScheduler, audit repository.AuditRepository, signKey []byte, log *zap.Logger) *WatchManager {
	return &WatchManager{
		accounts:            accounts,
		tokens:              tokens,
		google:              google,
		scheduler:           scheduler,
		audit:               audit,
		signKey:             signKey,
		log:                 log,
		renewalLead:         24 * time.Hour,
		renewalRetryHorizon: 10 * time.Minute,
	}
}

// SetupWatch registers a fresh push channel for the account, persists
// its identity, and schedules renewal ahead of expiry.
func (m *WatchManager) SetupWatch(ctx context.Context, accountID uuid.UUID) (model.ChannelInfo, error) {
	account, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return model.ChannelInfo{}, err
	}
	return m.setup(ctx, account, model.StatusWatchFailed)
}

// RenewWatch replaces the account's channel with a fresh one. Stopping
// the old channel is best-effort: an orphaned channel is a lesser
// problem than losing push notifications entirely.
func (m *WatchManager) RenewWatch(ctx context.Context, accountID uuid.UUID) (model.ChannelInfo, error) {
	account, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return model.ChannelInfo{}, err
	}

	if account.ChannelID != "" && account.ChannelResourceID != "" {
		if account.ChannelExpiration != nil && account.ChannelExpiration.Before(time.Now().UTC()) {
			// The provider already tore the channel down; a stop call
			// would only fail.
			m.log.Warn("old channel lapsed before renewal",
				zap.String("account_id", accountID.String()),
				zap.String("channel_id", account.ChannelID),
				zap.Error(errs.ErrChannelExpired),
			)
		} else if err := m.stopChannel(ctx, account); err != nil {
			m.log.Warn("stop old channel failed, continuing renewal",
				zap.String("account_id", accountID.String()),
				zap.String("channel_id", account.ChannelID),
				zap.Error(err),
			)
		}
	}
	return m.setup(ctx, account, model.StatusWatchRenewalFailed)
}

// StopWatch tears down the account's channel and clears its persisted
// channel state, canceling further renewals.
func (m *WatchManager) StopWatch(ctx context.Context, accountID uuid.UUID) error {
	account, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if account.ChannelID == "" {
		return nil
	}
	if err := m.stopChannel(ctx, account); err != nil {
		return err
	}
	return m.accounts.UpdateChannel(ctx, accountID, "", "", nil, nil)
}

func (m *WatchManager) stopChannel(ctx context.Context, account *model.IntegrationAccount) error {
	tokens, err := m.tokens.GetTokens(ctx, []string{account.AccessTokenRef})
	if err != nil {
		return err
	}
	if tokens.AccessToken == "" {
		return fmt.Errorf("stop channel: access token unavailable")
	}
	return m.google.StopChannel(ctx, tokens.AccessToken, account.ChannelID, account.ChannelResourceID)
}

// setup performs the channel registration shared by SetupWatch and
// RenewWatch; failStatus distinguishes which terminal state to record.
func (m *WatchManager) setup(ctx context.Context, account *model.IntegrationAccount, failStatus model.AccountStatus) (model.ChannelInfo, error) {
	kind := "setup"
	if failStatus == model.StatusWatchRenewalFailed {
		kind = "renewal"
	}

	tokens, err := m.tokens.GetTokens(ctx, []string{account.AccessTokenRef})
	if err != nil {
		return model.ChannelInfo{}, err
	}
	if tokens.AccessToken == "" {
		return model.ChannelInfo{}, m.fail(ctx, account, failStatus, kind,
			fmt.Errorf("%w: access token unavailable", errs.ErrChannelSetupFailed))
	}

	channelUUID, err := uuid.NewV4()
	if err != nil {
		return model.ChannelInfo{}, err
	}
	channelToken, err := m.signChannelToken(account.ID, channelUUID.String())
	if err != nil {
		return model.ChannelInfo{}, err
	}

	info, err := m.google.WatchEvents(ctx, tokens.AccessToken, channelUUID.String(), channelToken)
	if err != nil {
		return model.ChannelInfo{}, m.fail(ctx, account, failStatus, kind, err)
	}

	// Renewal fires a day before expiry; never in the past.
	renewalDue := info.Expiration.Add(-m.renewalLead)
	now := time.Now().UTC()
	if renewalDue.Before(now) {
		renewalDue = now
	}

	if err := m.accounts.UpdateChannel(ctx, account.ID, info.ChannelID, info.ResourceID, &info.Expiration, &renewalDue); err != nil {
		return model.ChannelInfo{}, err
	}
	if err := m.scheduler.EnqueueWebhookRenewal(ctx, queue.WebhookRenewalPayload{AccountID: account.ID}, time.Until(renewalDue)); err != nil {
		// The durable renewal_due mark means the sweep will catch this.
		m.log.Warn("enqueue renewal job failed, sweep will recover",
			zap.String("account_id", account.ID.String()), zap.Error(err))
	}

	monitoring.WatchRenewals.WithLabelValues(kind, "ok").Inc()
	if err := m.audit.Append(ctx, account.OrgID, account.ID, "watch_"+kind, info); err != nil {
		m.log.Warn("append watch audit event", zap.Error(err))
	}
	m.log.Info("watch channel established",
		zap.String("account_id", account.ID.String()),
		zap.String("channel_id", info.ChannelID),
		zap.Time("expiration", info.Expiration),
		zap.Time("renewal_due", renewalDue),
	)
	return info, nil
}

func (m *WatchManager) fail(ctx context.Context, account *model.IntegrationAccount, status model.AccountStatus, kind string, cause error) error {
	monitoring.WatchRenewals.WithLabelValues(kind, "failed").Inc()
	if err := m.accounts.UpdateStatus(ctx, account.ID, status, cause.Error()); err != nil {
		m.log.Error("persist watch failure status", zap.String("account_id", account.ID.String()), zap.Error(err))
	}
	if err := m.audit.Append(ctx, account.OrgID, account.ID, "watch_"+kind+"_failed", map[string]string{"error": cause.Error()}); err != nil {
		m.log.Warn("append watch audit event", zap.Error(err))
	}
	return cause
}

// RenewalSweep re-enqueues renewal jobs for accounts whose persisted
// renewal_due has passed, so scheduled renewals survive worker
// restarts. The due mark is pushed forward to space out retries.
func (m *WatchManager) RenewalSweep(ctx context.Context, limit int) error {
	due, err := m.accounts.ListRenewalDue(ctx, time.Now().UTC(), limit)
	if err != nil {
		return err
	}
	for _, account := range due {
		if err := m.scheduler.EnqueueWebhookRenewal(ctx, queue.WebhookRenewalPayload{AccountID: account.ID}, 0); err != nil {
			return err
		}
		next := time.Now().UTC().Add(m.renewalRetryHorizon)
		if err := m.accounts.UpdateChannel(ctx, account.ID, account.ChannelID, account.ChannelResourceID, account.ChannelExpiration, &next); err != nil {
			return err
		}
		m.log.Info("renewal sweep re-enqueued",
			zap.String("account_id", account.ID.String()),
			zap.String("channel_id", account.ChannelID),
		)
	}
	return nil
}

// channelClaims are embedded in the signed channel token.
type channelClaims struct {
	ChannelID string `json:"chid"`
	jwt.RegisteredClaims
}

// signChannelToken mints the shared-secret token the provider echoes
// back on every notification. Empty sign key disables token issuance.
func (m *WatchManager) signChannelToken(accountID uuid.UUID, channelID string) (string, error) {
	if len(m.signKey) == 0 {
		return "", nil
	}
	claims := channelClaims{
		ChannelID: channelID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  accountID.String(),
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signKey)
}

// ValidateNotification authenticates an inbound push notification.
// This is the only authentication on the public webhook endpoint and
// fails closed: any missing or mismatched header rejects the request.
func (m *WatchManager) ValidateNotification(hdr http.Header) (model.Notification, error) {
	n := model.Notification{
		ChannelID:  hdr.Get(headerChannelID),
		ResourceID: hdr.Get(headerResourceID),
		State:      hdr.Get(headerResourceState),
	}
	if n.ChannelID == "" || n.ResourceID == "" {
		return model.Notification{}, fmt.Errorf("%w: missing correlation headers", errs.ErrInvalidNotification)
	}
	if len(m.signKey) == 0 {
		return n, nil
	}

	raw := hdr.Get(headerChannelToken)
	if raw == "" {
		return model.Notification{}, fmt.Errorf("%w: missing channel token", errs.ErrInvalidNotification)
	}
	var claims channelClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.signKey, nil
	})
	if err != nil || !tok.Valid {
		return model.Notification{}, fmt.Errorf("%w: bad channel token", errs.ErrInvalidNotification)
	}
	if claims.ChannelID != n.ChannelID {
		return model.Notification{}, fmt.Errorf("%w: channel mismatch", errs.ErrInvalidNotification)
	}
	accountID, err := uuid.FromString(claims.Subject)
	if err != nil {
		return model.Notification{}, fmt.Errorf("%w: bad subject", errs.ErrInvalidNotification)
	}
	n.AccountID = accountID
	return n, nil
}
