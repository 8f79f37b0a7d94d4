// Package service contains the application services of the integration
// lifecycle subsystem: token storage, health probing, watch channel
// management, and the OAuth connect orchestration.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/loopcrm/integrations/internal/crypto"
	"github.com/loopcrm/integrations/internal/errs"
	"github.com/loopcrm/integrations/internal/model"
	"github.com/loopcrm/integrations/internal/monitoring"
	"github.com/loopcrm/integrations/internal/repository"
)

// EnvelopeEngine is the slice of the crypto engine the store needs.
type EnvelopeEngine interface {
	Encrypt(ctx context.Context, orgID uuid.UUID, plaintext []byte, aadContext string) ([]byte, error)
	Decrypt(ctx context.Context, orgID uuid.UUID, blob []byte, aadContext string) ([]byte, error)
	KeyVersion(ctx context.Context, orgID uuid.UUID) (int, error)
}

// TokenStore persists OAuth credentials encrypted per tenant. Crypto
// failures never escape as errors to callers storing tokens; they are
// converted into persisted status fields that callers read back.
type TokenStore struct {
	engine         EnvelopeEngine
	tokens         repository.TokenRepository
	fallbackSecret []byte
	log            *zap.Logger
}

// NewTokenStore constructs a TokenStore.
func NewTokenStore(engine EnvelopeEngine, tokens repository.TokenRepository, fallbackSecret []byte, log *zap.Logger) *TokenStore {
	return &TokenStore{engine: engine, tokens: tokens, fallbackSecret: fallbackSecret, log: log}
}

// aadContext names the semantic field a credential blob protects, e.g.
// "oauth:google:access". It is part of the schema; see crypto.AAD.
func aadContext(provider model.Provider, tokenType model.TokenType) string {
	return fmt.Sprintf("oauth:%s:%s", provider, tokenType)
}

// mintRef builds a collision-resistant opaque token reference. The ref
// is minted before any encryption attempt so a row can be recorded even
// when encryption fails.
func mintRef(orgID uuid.UUID, provider model.Provider, tokenType model.TokenType) (string, error) {
	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	return fmt.Sprintf("tok_%s_%s_%s_%d_%s",
		hex.EncodeToString(orgID.Bytes()[:4]), provider, tokenType,
		time.Now().UnixNano(), hex.EncodeToString(suffix)), nil
}

// StoreTokens encrypts and persists each present credential. The
// returned infos report per-token refs and encryption outcomes; the
// call itself fails only on storage errors, never on crypto errors.
func (s *TokenStore) StoreTokens(ctx context.Context, orgID uuid.UUID, provider model.Provider, data model.TokenData, externalAccountID string) ([]model.SecureTokenInfo, error) {
	type credential struct {
		tokenType model.TokenType
		plaintext string
		expiresAt *time.Time
	}
	var creds []credential
	if data.AccessToken != "" {
		creds = append(creds, credential{model.TokenTypeAccess, data.AccessToken, data.ExpiresAt})
	}
	if data.RefreshToken != "" {
		creds = append(creds, credential{model.TokenTypeRefresh, data.RefreshToken, nil})
	}

	infos := make([]model.SecureTokenInfo, 0, len(creds))
	for _, cred := range creds {
		ref, err := mintRef(orgID, provider, cred.tokenType)
		if err != nil {
			return infos, err
		}

		row := &model.SecureToken{
			TokenRef:  ref,
			OrgID:     orgID,
			Provider:  provider,
			TokenType: cred.tokenType,
			ExpiresAt: cred.expiresAt,
		}

		blob, method, keyVersion, encErr := s.encrypt(ctx, orgID, provider, cred.tokenType, []byte(cred.plaintext))
		if encErr == nil {
			row.EncryptedTokenBlob = blob
			row.EncryptionStatus = model.EncryptionOK
			row.EncryptionMethod = method
			row.KeyVersion = keyVersion
		} else {
			now := time.Now().UTC()
			row.EncryptionStatus = model.EncryptionFailed
			row.KmsErrorCode = errorCode(encErr)
			row.KmsErrorAt = &now
			s.log.Error("token encryption failed",
				zap.String("token_ref", ref),
				zap.String("org_id", orgID.String()),
				zap.String("external_account_id", externalAccountID),
				zap.String("error_code", row.KmsErrorCode),
				zap.Error(encErr),
			)
		}

		if err := s.tokens.Create(ctx, row); err != nil {
			return infos, fmt.Errorf("persist token %s: %w", ref, err)
		}
		infos = append(infos, model.SecureTokenInfo{
			TokenRef:         ref,
			TokenType:        cred.tokenType,
			EncryptionStatus: row.EncryptionStatus,
		})
	}
	return infos, nil
}

// encrypt tries the envelope engine and falls back to the application
// cipher on KMS unavailability. Only authentication-class failures are
// treated as true failures.
func (s *TokenStore) encrypt(ctx context.Context, orgID uuid.UUID, provider model.Provider, tokenType model.TokenType, plaintext []byte) ([]byte, model.EncryptionMethod, int, error) {
	blob, err := s.engine.Encrypt(ctx, orgID, plaintext, aadContext(provider, tokenType))
	if err == nil {
		version, vErr := s.engine.KeyVersion(ctx, orgID)
		if vErr != nil {
			version = 0
		}
		return blob, model.MethodKMS, version, nil
	}
	if !errors.Is(err, errs.ErrKmsUnavailable) {
		monitoring.KmsFailures.WithLabelValues("auth").Inc()
		return nil, "", 0, err
	}

	monitoring.KmsFailures.WithLabelValues("unavailable").Inc()
	s.log.Warn("kms unavailable, using fallback cipher",
		zap.String("org_id", orgID.String()),
		zap.String("token_type", string(tokenType)),
	)
	fb, fbErr := crypto.EncryptFallback(plaintext, s.fallbackSecret)
	if fbErr != nil {
		return nil, "", 0, fbErr
	}
	monitoring.FallbackEncryptions.Inc()
	return fb, model.MethodFallback, 0, nil
}

// GetTokens decrypts the credentials behind the given refs. Refs whose
// encryption status is not ok are silently skipped; callers treat
// missing fields as "not yet available".
func (s *TokenStore) GetTokens(ctx context.Context, tokenRefs []string) (model.TokenData, error) {
	rows, err := s.tokens.GetByRefs(ctx, tokenRefs)
	if err != nil {
		return model.TokenData{}, err
	}

	var out model.TokenData
	for _, row := range rows {
		if row.EncryptionStatus != model.EncryptionOK {
			continue
		}
		plaintext, err := s.decryptRow(ctx, row)
		if err != nil {
			return model.TokenData{}, fmt.Errorf("decrypt %s: %w", row.TokenRef, err)
		}
		switch row.TokenType {
		case model.TokenTypeAccess:
			out.AccessToken = string(plaintext)
			out.ExpiresAt = row.ExpiresAt
		case model.TokenTypeRefresh:
			out.RefreshToken = string(plaintext)
		}
	}
	return out, nil
}

func (s *TokenStore) decryptRow(ctx context.Context, row *model.SecureToken) ([]byte, error) {
	if row.EncryptionMethod == model.MethodFallback {
		return crypto.DecryptFallback(row.EncryptedTokenBlob, s.fallbackSecret)
	}
	return s.engine.Decrypt(ctx, row.OrgID, row.EncryptedTokenBlob, aadContext(row.Provider, row.TokenType))
}

// RetryEncryption re-attempts encryption of a previously failed token.
// Idempotent against already-ok tokens: returns false without touching
// the row. Retry bookkeeping is bumped on both success and failure so
// operators can see staleness.
func (s *TokenStore) RetryEncryption(ctx context.Context, tokenRef string, plaintext []byte) (bool, error) {
	row, err := s.tokens.GetByRef(ctx, tokenRef)
	if err != nil {
		return false, err
	}
	if row.EncryptionStatus == model.EncryptionOK {
		return false, nil
	}

	blob, method, keyVersion, encErr := s.encrypt(ctx, row.OrgID, row.Provider, row.TokenType, plaintext)
	if encErr != nil {
		if mErr := s.tokens.MarkFailed(ctx, tokenRef, errorCode(encErr), time.Now().UTC()); mErr != nil {
			return false, mErr
		}
		return false, encErr
	}
	if err := s.tokens.MarkEncrypted(ctx, tokenRef, blob, method, keyVersion); err != nil {
		return false, err
	}
	return true, nil
}

// ReconcileFallback upgrades fallback-encrypted tokens to envelope
// encryption once the KMS is reachable again. It stops at the first
// KMS-unavailable error (the outage is not over) and reports how many
// tokens were upgraded.
func (s *TokenStore) ReconcileFallback(ctx context.Context, limit int) (int, error) {
	rows, err := s.tokens.ListFallbackEncrypted(ctx, limit)
	if err != nil {
		return 0, err
	}

	upgraded := 0
	for _, row := range rows {
		plaintext, err := crypto.DecryptFallback(row.EncryptedTokenBlob, s.fallbackSecret)
		if err != nil {
			s.log.Error("fallback blob unreadable during reconciliation",
				zap.String("token_ref", row.TokenRef), zap.Error(err))
			continue
		}
		aad := aadContext(row.Provider, row.TokenType)
		blob, encErr := s.engine.Encrypt(ctx, row.OrgID, plaintext, aad)
		if encErr != nil {
			if errors.Is(encErr, errs.ErrKmsUnavailable) {
				return upgraded, nil
			}
			s.log.Error("reconciliation re-encrypt failed",
				zap.String("token_ref", row.TokenRef), zap.Error(encErr))
			continue
		}
		keyVersion, vErr := s.engine.KeyVersion(ctx, row.OrgID)
		if vErr != nil {
			keyVersion = row.KeyVersion
		}
		if err := s.tokens.MarkEncrypted(ctx, row.TokenRef, blob, model.MethodKMS, keyVersion); err != nil {
			return upgraded, err
		}
		upgraded++
	}
	return upgraded, nil
}

// SealPlaintext protects a credential for transit through the job
// queue using the fallback cipher, so raw secrets never sit in redis.
func (s *TokenStore) SealPlaintext(plaintext []byte) ([]byte, error) {
	return crypto.EncryptFallback(plaintext, s.fallbackSecret)
}

// OpenPlaintext reverses SealPlaintext.
func (s *TokenStore) OpenPlaintext(sealed []byte) ([]byte, error) {
	return crypto.DecryptFallback(sealed, s.fallbackSecret)
}

// errorCode maps the crypto error taxonomy onto the structured code
// persisted in kms_error_code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, errs.ErrKmsUnavailable):
		return "KMS_UNAVAILABLE"
	case errors.Is(err, errs.ErrAuthenticationFailed):
		return "AUTHENTICATION_FAILED"
	case errors.Is(err, errs.ErrNotFound):
		return "DEK_NOT_FOUND"
	default:
		return "ENCRYPTION_ERROR"
	}
}
