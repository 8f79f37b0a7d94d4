// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Crypto/KMS taxonomy. Callers branch on these to decide between the
// fallback path (availability problem) and treating data as corrupt
// (authentication problem).
var (
	// ErrKmsUnavailable indicates the KMS could not be reached or refused
	// the request transiently (outage, throttle, revoked lease).
	ErrKmsUnavailable = errors.New("kms unavailable")

	// ErrAuthenticationFailed indicates an AEAD open failure: the blob was
	// tampered with, truncated, or decrypted under the wrong key/AAD.
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// Provider-facing taxonomy produced by health probes and watch calls.
var (
	// ErrTokenExpired indicates the provider rejected the credential (401).
	ErrTokenExpired = errors.New("token expired or invalid")

	// ErrInsufficientPermission indicates missing scopes (403).
	ErrInsufficientPermission = errors.New("insufficient permission")

	// ErrProviderUnreachable indicates a transport-level failure talking to
	// the provider (timeout, DNS, connection reset).
	ErrProviderUnreachable = errors.New("provider unreachable")

	// ErrChannelSetupFailed indicates the push channel could not be created.
	ErrChannelSetupFailed = errors.New("channel setup failed")

	// ErrChannelExpired indicates the push channel is past its expiration.
	ErrChannelExpired = errors.New("channel expired")
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidNotification indicates an inbound webhook failed validation.
	ErrInvalidNotification = errors.New("invalid notification")
)
