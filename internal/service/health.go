package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loopcrm/integrations/internal/errs"
	"github.com/loopcrm/integrations/internal/model"
	"github.com/loopcrm/integrations/internal/monitoring"
	"github.com/loopcrm/integrations/internal/provider"
	"github.com/loopcrm/integrations/internal/repository"
)

// TokenSource resolves token refs into usable credentials.
type TokenSource interface {
	GetTokens(ctx context.Context, tokenRefs []string) (model.TokenData, error)
}

// HealthProber classifies whether an integration account is actually
// usable. Probe outcomes are terminal: they are written to storage and
// the audit log, never propagated as errors to other components.
type HealthProber struct {
	accounts      repository.AccountRepository
	tokens        TokenSource
	google        provider.GoogleAPI
	audit         repository.AuditRepository
	log           *zap.Logger
	probeTimeout  time.Duration
	maxConcurrent int
}

// NewHealthProber constructs a prober. maxConcurrent bounds how many
// accounts are probed simultaneously during a sweep.
func NewHealthProber(accounts repository.AccountRepository, tokens TokenSource, google provider.GoogleAPI, audit repository.AuditRepository, log *zap.Logger, maxConcurrent int) *HealthProber {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &HealthProber{
		accounts:      accounts,
		tokens:        tokens,
		google:        google,
		audit:         audit,
		log:           log,
		probeTimeout:  5 * time.Second,
		maxConcurrent: maxConcurrent,
	}
}

// RunProbe executes one probe for the account and persists the
// classification. The returned result mirrors what was persisted.
func (p *HealthProber) RunProbe(ctx context.Context, accountID uuid.UUID) (model.HealthProbeResult, error) {
	start := time.Now()
	account, err := p.accounts.GetByID(ctx, accountID)
	if err != nil {
		return model.HealthProbeResult{}, err
	}

	result := p.probe(ctx, account)
	result.AccountID = accountID
	result.ProbedAt = time.Now().UTC()

	if err := p.accounts.UpdateStatus(ctx, accountID, result.Overall, result.Reason); err != nil {
		return result, err
	}
	if err := p.audit.Append(ctx, account.OrgID, accountID, "health_probe", result); err != nil {
		p.log.Warn("append probe audit event", zap.String("account_id", accountID.String()), zap.Error(err))
	}
	monitoring.ProbeResults.WithLabelValues(string(result.Overall)).Inc()
	monitoring.ProbeDuration.Observe(time.Since(start).Seconds())

	p.log.Info("health probe",
		zap.String("account_id", accountID.String()),
		zap.String("status", string(result.Overall)),
		zap.String("reason", result.Reason),
		zap.Duration("dur", time.Since(start)),
	)
	return result, nil
}

// probe computes the classification without touching storage. Local
// checks run first so accounts with known-bad credentials never spend
// probe quota on network calls.
func (p *HealthProber) probe(ctx context.Context, account *model.IntegrationAccount) (result model.HealthProbeResult) {
	// A panic anywhere below means we could not even determine
	// reachability; classify as the most severe state.
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("probe panicked", zap.String("account_id", account.ID.String()), zap.Any("reason", r))
			result = model.HealthProbeResult{
				Overall: model.StatusDisconnected,
				Reason:  fmt.Sprintf("probe failure: %v", r),
			}
		}
	}()

	if account.EncryptionStatus != model.EncryptionOK || account.AccessTokenRef == "" {
		return model.HealthProbeResult{
			Overall: model.StatusActionNeeded,
			Reason:  "credentials not yet available",
		}
	}

	tokens, err := p.tokens.GetTokens(ctx, []string{account.AccessTokenRef})
	if err != nil {
		return model.HealthProbeResult{
			Overall: model.StatusDisconnected,
			Reason:  fmt.Sprintf("credential lookup failed: %v", err),
		}
	}
	if tokens.AccessToken == "" {
		return model.HealthProbeResult{
			Overall: model.StatusActionNeeded,
			Reason:  "access token unavailable",
		}
	}
	if tokens.ExpiresAt != nil && tokens.ExpiresAt.Before(time.Now()) {
		return model.HealthProbeResult{
			Overall: model.StatusActionNeeded,
			Reason:  "access token expired",
		}
	}

	services := []struct {
		name  string
		probe func(context.Context, string) error
	}{
		{"gmail", p.google.ProbeGmail},
		{"calendar", p.google.ProbeCalendar},
	}

	unreachable := false
	for _, svc := range services {
		callCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
		err := svc.probe(callCtx, tokens.AccessToken)
		cancel()

		status := model.ServiceStatus{Service: svc.name, OK: err == nil}
		if err != nil {
			status.Reason = err.Error()
			if errors.Is(err, errs.ErrProviderUnreachable) || errors.Is(err, context.DeadlineExceeded) {
				unreachable = true
			}
		}
		result.Services = append(result.Services, status)
	}

	switch {
	case unreachable:
		result.Overall = model.StatusDisconnected
	default:
		result.Overall = model.StatusConnected
		for _, svc := range result.Services {
			if !svc.OK {
				result.Overall = model.StatusActionNeeded
				break
			}
		}
	}
	for _, svc := range result.Services {
		if !svc.OK {
			result.Reason = svc.Reason
			break
		}
	}
	return result
}

// ProbeAll runs probes for every account with bounded concurrency. One
// account's failure never blocks or fails another's; errors are logged
// and aggregated only for reporting.
func (p *HealthProber) ProbeAll(ctx context.Context) error {
	accounts, err := p.accounts.ListAll(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxConcurrent)
	for _, account := range accounts {
		account := account
		g.Go(func() error {
			if _, err := p.RunProbe(gctx, account.ID); err != nil {
				p.log.Warn("probe run failed",
					zap.String("account_id", account.ID.String()),
					zap.Error(err),
				)
			}
			// Isolation: never propagate one account's failure.
			return nil
		})
	}
	return g.Wait()
}
