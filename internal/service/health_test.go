package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loopcrm/integrations/internal/errs"
	"github.com/loopcrm/integrations/internal/model"
)

func seedAccount(accounts *fakeAccountRepo) *model.IntegrationAccount {
	a := &model.IntegrationAccount{
		ID:               uuid.Must(uuid.NewV4()),
		OrgID:            uuid.Must(uuid.NewV4()),
		Provider:         model.ProviderGoogle,
		Status:           model.StatusConnected,
		EncryptionStatus: model.EncryptionOK,
		AccessTokenRef:   "ref-access",
	}
	accounts.put(a)
	return a
}

func TestHealthProber_AllHealthy(t *testing.T) {
	accounts := newFakeAccountRepo()
	a := seedAccount(accounts)
	google := &fakeGoogle{}
	audit := &fakeAudit{}
	p := NewHealthProber(accounts, &fakeTokenSource{data: model.TokenData{AccessToken: "at"}}, google, audit, zap.NewNop(), 2)

	res, err := p.RunProbe(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusConnected, res.Overall)
	require.Len(t, res.Services, 2)
	require.True(t, res.Services[0].OK)
	require.True(t, res.Services[1].OK)

	got, err := accounts.GetByID(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusConnected, got.Status)
	require.True(t, audit.has("health_probe"))
}

func TestHealthProber_Classification(t *testing.T) {
	tests := []struct {
		name        string
		gmailErr    error
		calendarErr error
		want        model.AccountStatus
	}{
		{
			name:     "expired token needs action",
			gmailErr: fmt.Errorf("gmail: %w", errs.ErrTokenExpired),
			want:     model.StatusActionNeeded,
		},
		{
			name:        "missing scope needs action",
			calendarErr: fmt.Errorf("calendar: %w", errs.ErrInsufficientPermission),
			want:        model.StatusActionNeeded,
		},
		{
			name:     "generic provider error needs action",
			gmailErr: errors.New("Gmail API error (status 500)"),
			want:     model.StatusActionNeeded,
		},
		{
			name:        "unreachable wins over everything",
			gmailErr:    fmt.Errorf("gmail: %w", errs.ErrTokenExpired),
			calendarErr: fmt.Errorf("calendar: %w: dial tcp", errs.ErrProviderUnreachable),
			want:        model.StatusDisconnected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := newFakeAccountRepo()
			a := seedAccount(accounts)
			google := &fakeGoogle{gmailErr: tt.gmailErr, calendarErr: tt.calendarErr}
			p := NewHealthProber(accounts, &fakeTokenSource{data: model.TokenData{AccessToken: "at"}}, google, &fakeAudit{}, zap.NewNop(), 2)

			res, err := p.RunProbe(context.Background(), a.ID)
			require.NoError(t, err)
			require.Equal(t, tt.want, res.Overall)
			require.NotEmpty(t, res.Reason)
		})
	}
}

func TestHealthProber_LocalChecksSkipNetwork(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.IntegrationAccount)
		tokens *fakeTokenSource
		want   model.AccountStatus
	}{
		{
			name:   "encryption failed",
			mutate: func(a *model.IntegrationAccount) { a.EncryptionStatus = model.EncryptionFailed },
			tokens: &fakeTokenSource{},
			want:   model.StatusActionNeeded,
		},
		{
			name:   "no access token ref",
			mutate: func(a *model.IntegrationAccount) { a.AccessTokenRef = "" },
			tokens: &fakeTokenSource{},
			want:   model.StatusActionNeeded,
		},
		{
			name:   "token unavailable",
			mutate: func(*model.IntegrationAccount) {},
			tokens: &fakeTokenSource{data: model.TokenData{}},
			want:   model.StatusActionNeeded,
		},
		{
			name:   "token already expired",
			mutate: func(*model.IntegrationAccount) {},
			tokens: &fakeTokenSource{data: model.TokenData{AccessToken: "at", ExpiresAt: ptrTime(time.Now().Add(-time.Minute))}},
			want:   model.StatusActionNeeded,
		},
		{
			name:   "credential lookup failure",
			mutate: func(*model.IntegrationAccount) {},
			tokens: &fakeTokenSource{err: errors.New("db down")},
			want:   model.StatusDisconnected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := newFakeAccountRepo()
			a := seedAccount(accounts)
			tt.mutate(a)
			accounts.put(a)
			google := &fakeGoogle{}
			p := NewHealthProber(accounts, tt.tokens, google, &fakeAudit{}, zap.NewNop(), 2)

			res, err := p.RunProbe(context.Background(), a.ID)
			require.NoError(t, err)
			require.Equal(t, tt.want, res.Overall)
			// Known-bad accounts never spend provider quota.
			require.Equal(t, 0, google.gmailCalls)
			require.Equal(t, 0, google.calendarCalls)
		})
	}
}

func TestHealthProber_ProbeAllIsolatesFailures(t *testing.T) {
	accounts := newFakeAccountRepo()
	good := seedAccount(accounts)
	bad := seedAccount(accounts)
	bad.AccessTokenRef = "" // will classify as action_needed, not error
	accounts.put(bad)

	p := NewHealthProber(accounts, &fakeTokenSource{data: model.TokenData{AccessToken: "at"}}, &fakeGoogle{}, &fakeAudit{}, zap.NewNop(), 2)
	require.NoError(t, p.ProbeAll(context.Background()))

	gotGood, err := accounts.GetByID(context.Background(), good.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusConnected, gotGood.Status)

	gotBad, err := accounts.GetByID(context.Background(), bad.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusActionNeeded, gotBad.Status)
}

func ptrTime(t time.Time) *time.Time { return &t }
