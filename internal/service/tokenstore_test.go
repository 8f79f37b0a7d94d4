package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loopcrm/integrations/internal/crypto"
	"github.com/loopcrm/integrations/internal/errs"
	"github.com/loopcrm/integrations/internal/model"
)

var testSecret = []byte("app-secret")

func newTestStore(engine *fakeEngine) (*TokenStore, *fakeTokenRepo) {
	repo := newFakeTokenRepo()
	return NewTokenStore(engine, repo, testSecret, zap.NewNop()), repo
}

func TestTokenStore_StoreTokens_OK(t *testing.T) {
	store, repo := newTestStore(&fakeEngine{version: 2})
	orgID := uuid.Must(uuid.NewV4())
	exp := time.Now().Add(time.Hour)

	infos, err := store.StoreTokens(context.Background(), orgID, model.ProviderGoogle,
		model.TokenData{AccessToken: "at", RefreshToken: "rt", ExpiresAt: &exp}, "ext-1")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	for _, info := range infos {
		require.Equal(t, model.EncryptionOK, info.EncryptionStatus)
		row, err := repo.GetByRef(context.Background(), info.TokenRef)
		require.NoError(t, err)
		require.Equal(t, model.MethodKMS, row.EncryptionMethod)
		require.Equal(t, 2, row.KeyVersion)
		require.NotEmpty(t, row.EncryptedTokenBlob)
	}
}

func TestTokenStore_StoreTokens_FallbackOnKmsOutage(t *testing.T) {
	store, repo := newTestStore(&fakeEngine{encErr: errs.ErrKmsUnavailable})
	orgID := uuid.Must(uuid.NewV4())

	infos, err := store.StoreTokens(context.Background(), orgID, model.ProviderGoogle,
		model.TokenData{AccessToken: "at"}, "ext-1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, model.EncryptionOK, infos[0].EncryptionStatus)

	row, err := repo.GetByRef(context.Background(), infos[0].TokenRef)
	require.NoError(t, err)
	require.Equal(t, model.MethodFallback, row.EncryptionMethod)

	// The blob must open under the fallback cipher.
	plaintext, err := crypto.DecryptFallback(row.EncryptedTokenBlob, testSecret)
	require.NoError(t, err)
	require.Equal(t, []byte("at"), plaintext)
}

func TestTokenStore_StoreTokens_AuthFailureRecordsRow(t *testing.T) {
	store, repo := newTestStore(&fakeEngine{encErr: errs.ErrAuthenticationFailed})
	orgID := uuid.Must(uuid.NewV4())

	infos, err := store.StoreTokens(context.Background(), orgID, model.ProviderGoogle,
		model.TokenData{AccessToken: "at"}, "ext-1")
	require.NoError(t, err) // crypto failures never bubble up as errors

	require.Len(t, infos, 1)
	require.Equal(t, model.EncryptionFailed, infos[0].EncryptionStatus)

	row, err := repo.GetByRef(context.Background(), infos[0].TokenRef)
	require.NoError(t, err)
	require.Equal(t, model.EncryptionFailed, row.EncryptionStatus)
	require.Equal(t, "AUTHENTICATION_FAILED", row.KmsErrorCode)
	require.NotNil(t, row.KmsErrorAt)
	require.Nil(t, row.EncryptedTokenBlob)
}

func TestTokenStore_GetTokens_SkipsUnusable(t *testing.T) {
	engine := &fakeEngine{}
	store, repo := newTestStore(engine)
	orgID := uuid.Must(uuid.NewV4())

	okRow := &model.SecureToken{
		TokenRef:           "ref-ok",
		OrgID:              orgID,
		Provider:           model.ProviderGoogle,
		TokenType:          model.TokenTypeAccess,
		EncryptedTokenBlob: []byte(fakeEnvPrefix + "at"),
		EncryptionStatus:   model.EncryptionOK,
		EncryptionMethod:   model.MethodKMS,
	}
	failedRow := &model.SecureToken{
		TokenRef:         "ref-failed",
		OrgID:            orgID,
		Provider:         model.ProviderGoogle,
		TokenType:        model.TokenTypeRefresh,
		EncryptionStatus: model.EncryptionFailed,
	}
	require.NoError(t, repo.Create(context.Background(), okRow))
	require.NoError(t, repo.Create(context.Background(), failedRow))

	data, err := store.GetTokens(context.Background(), []string{"ref-ok", "ref-failed", "ref-missing"})
	require.NoError(t, err)
	require.Equal(t, "at", data.AccessToken)
	require.Empty(t, data.RefreshToken)
}

func TestTokenStore_RetryEncryption_IdempotentOnOK(t *testing.T) {
	engine := &fakeEngine{}
	store, repo := newTestStore(engine)

	row := &model.SecureToken{
		TokenRef:         "ref-1",
		EncryptionStatus: model.EncryptionOK,
	}
	require.NoError(t, repo.Create(context.Background(), row))

	transitioned, err := store.RetryEncryption(context.Background(), "ref-1", []byte("at"))
	require.NoError(t, err)
	require.False(t, transitioned)
	require.Equal(t, 0, engine.encryptCalls)
}

func TestTokenStore_RetryEncryption_Transitions(t *testing.T) {
	store, repo := newTestStore(&fakeEngine{version: 1})
	orgID := uuid.Must(uuid.NewV4())

	row := &model.SecureToken{
		TokenRef:         "ref-1",
		OrgID:            orgID,
		Provider:         model.ProviderGoogle,
		TokenType:        model.TokenTypeAccess,
		EncryptionStatus: model.EncryptionFailed,
		KmsErrorCode:     "KMS_UNAVAILABLE",
	}
	require.NoError(t, repo.Create(context.Background(), row))

	transitioned, err := store.RetryEncryption(context.Background(), "ref-1", []byte("at"))
	require.NoError(t, err)
	require.True(t, transitioned)

	got, err := repo.GetByRef(context.Background(), "ref-1")
	require.NoError(t, err)
	require.Equal(t, model.EncryptionOK, got.EncryptionStatus)
	require.Empty(t, got.KmsErrorCode)
	require.Equal(t, 1, got.RetryCount)
}

func TestTokenStore_RetryEncryption_FailureMarksRow(t *testing.T) {
	store, repo := newTestStore(&fakeEngine{encErr: errs.ErrAuthenticationFailed})

	row := &model.SecureToken{TokenRef: "ref-1", EncryptionStatus: model.EncryptionFailed}
	require.NoError(t, repo.Create(context.Background(), row))

	transitioned, err := store.RetryEncryption(context.Background(), "ref-1", []byte("at"))
	require.ErrorIs(t, err, errs.ErrAuthenticationFailed)
	require.False(t, transitioned)

	got, err := repo.GetByRef(context.Background(), "ref-1")
	require.NoError(t, err)
	require.Equal(t, "AUTHENTICATION_FAILED", got.KmsErrorCode)
	require.Equal(t, 1, got.RetryCount)
}

func TestTokenStore_ReconcileFallback(t *testing.T) {
	engine := &fakeEngine{version: 3}
	store, repo := newTestStore(engine)
	orgID := uuid.Must(uuid.NewV4())

	blob, err := crypto.EncryptFallback([]byte("at"), testSecret)
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), &model.SecureToken{
		TokenRef:           "ref-fb",
		OrgID:              orgID,
		Provider:           model.ProviderGoogle,
		TokenType:          model.TokenTypeAccess,
		EncryptedTokenBlob: blob,
		EncryptionStatus:   model.EncryptionOK,
		EncryptionMethod:   model.MethodFallback,
	}))

	n, err := store.ReconcileFallback(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := repo.GetByRef(context.Background(), "ref-fb")
	require.NoError(t, err)
	require.Equal(t, model.MethodKMS, got.EncryptionMethod)
	require.Equal(t, 3, got.KeyVersion)
	require.Equal(t, []byte(fakeEnvPrefix+"at"), got.EncryptedTokenBlob)
}

func TestTokenStore_ReconcileFallback_StopsWhileKmsDown(t *testing.T) {
	engine := &fakeEngine{encErr: errs.ErrKmsUnavailable}
	store, repo := newTestStore(engine)

	blob, err := crypto.EncryptFallback([]byte("at"), testSecret)
	require.NoError(t, err)
	for _, ref := range []string{"ref-1", "ref-2"} {
		require.NoError(t, repo.Create(context.Background(), &model.SecureToken{
			TokenRef:           ref,
			EncryptedTokenBlob: blob,
			EncryptionStatus:   model.EncryptionOK,
			EncryptionMethod:   model.MethodFallback,
		}))
	}

	n, err := store.ReconcileFallback(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, 1, engine.encryptCalls) // stopped at the first outage signal
}

func TestTokenStore_SealOpenPlaintext(t *testing.T) {
	store, _ := newTestStore(&fakeEngine{})

	sealed, err := store.SealPlaintext([]byte("secret"))
	require.NoError(t, err)
	require.NotEqual(t, []byte("secret"), sealed)

	got, err := store.OpenPlaintext(sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), got)
}

func TestErrorCode(t *testing.T) {
	require.Equal(t, "KMS_UNAVAILABLE", errorCode(errs.ErrKmsUnavailable))
	require.Equal(t, "AUTHENTICATION_FAILED", errorCode(errs.ErrAuthenticationFailed))
	require.Equal(t, "DEK_NOT_FOUND", errorCode(errs.ErrNotFound))
	require.Equal(t, "ENCRYPTION_ERROR", errorCode(errors.New("anything else")))
}

func TestAADContext(t *testing.T) {
	require.Equal(t, "oauth:google:access", aadContext(model.ProviderGoogle, model.TokenTypeAccess))
	require.Equal(t, "oauth:google:refresh", aadContext(model.ProviderGoogle, model.TokenTypeRefresh))
}
