// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Provider identifies an external integration provider.
type Provider string

const (
	ProviderGoogle Provider = "google"
)

// TokenType distinguishes the two OAuth credential kinds we persist.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// EncryptionStatus tracks whether a credential's ciphertext is usable.
type EncryptionStatus string

const (
	EncryptionPending EncryptionStatus = "pending"
	EncryptionOK      EncryptionStatus = "ok"
	EncryptionFailed  EncryptionStatus = "failed"
)

// EncryptionMethod records which cipher produced the stored blob, so
// fallback-encrypted tokens can be reconciled back to envelope
// encryption after a KMS outage.
type EncryptionMethod string

const (
	MethodKMS      EncryptionMethod = "kms"
	MethodFallback EncryptionMethod = "fallback"
)

// AccountStatus is the operator-facing health classification of an account.
type AccountStatus string

const (
	StatusConnected          AccountStatus = "connected"
	StatusActionNeeded       AccountStatus = "action_needed"
	StatusDisconnected       AccountStatus = "disconnected"
	StatusWatchFailed        AccountStatus = "watch_failed"
	StatusWatchRenewalFailed AccountStatus = "watch_renewal_failed"
)

// Org is a tenant. Every piece of tenant data is encrypted under the DEK
// wrapped in EncryptedDEKBlob; a tenant without a resolvable DEK cannot
// decrypt anything it previously encrypted under that version.
type Org struct {
	ID               uuid.UUID
	Name             string
	EncryptedDEKBlob []byte
	DEKVersion       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SecureToken is one OAuth credential instance. The plaintext never
// appears here; consumers hold TokenRef and go through the token store.
type SecureToken struct {
	TokenRef           string
	OrgID              uuid.UUID
	Provider           Provider
	TokenType          TokenType
	EncryptedTokenBlob []byte // nil unless EncryptionStatus == ok
	EncryptionStatus   EncryptionStatus
	EncryptionMethod   EncryptionMethod
	KeyVersion         int
	KmsErrorCode       string
	KmsErrorAt         *time.Time
	RetryCount         int
	LastRetryAt        *time.Time
	ExpiresAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SecureTokenInfo is the caller-visible result of storing one credential.
type SecureTokenInfo struct {
	TokenRef         string
	TokenType        TokenType
	EncryptionStatus EncryptionStatus
}

// TokenData carries credential plaintext across the store boundary.
// Either field may be empty ("not yet available"); callers must not
// treat a missing field as an error.
type TokenData struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time // access token expiry as reported by the provider
}

// IntegrationAccount is one external account connection (mailbox +
// calendar for google). Field ownership: Status/ErrorReason are written
// by the health prober and watch manager, EncryptionStatus by the token
// store and retry queue, channel fields by the watch manager only.
type IntegrationAccount struct {
	ID                uuid.UUID
	OrgID             uuid.UUID
	Provider          Provider
	ExternalAccountID string
	Email             string
	Status            AccountStatus
	EncryptionStatus  EncryptionStatus
	AccessTokenRef    string
	RefreshTokenRef   string
	ChannelID         string
	ChannelResourceID string
	ChannelExpiration *time.Time
	RenewalDue        *time.Time
	HistoryID         string
	ErrorReason       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ServiceStatus is one probed capability's outcome.
type ServiceStatus struct {
	Service string // "gmail" | "calendar"
	OK      bool
	Reason  string
}

// HealthProbeResult is the per-run snapshot folded into the account row
// and the audit log; it is never persisted as its own entity.
type HealthProbeResult struct {
	AccountID uuid.UUID
	Services  []ServiceStatus
	Overall   AccountStatus
	Reason    string
	ProbedAt  time.Time
}

// ChannelInfo describes a provider push subscription.
type ChannelInfo struct {
	ChannelID  string
	ResourceID string
	Expiration time.Time
}

// Notification is a validated inbound push notification.
type Notification struct {
	ChannelID  string
	ResourceID string
	State      string // "sync" | "exists" | ...
	AccountID  uuid.UUID
}
