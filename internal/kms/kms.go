// Package kms provides the client used to wrap and unwrap tenant data
// encryption keys. The wire protocol is JSON over HTTP (transit-style);
// failures are mapped onto the closed error taxonomy in errs so callers
// can branch between the fallback path and permanent corruption.
package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/loopcrm/integrations/internal/errs"
)

// Client wraps and unwraps DEKs against the key management service.
type Client interface {
	// GenerateDEK asks the KMS to mint a fresh DEK for the org and returns
	// the plaintext DEK, the wrapped blob to persist, and the key version.
	GenerateDEK(ctx context.Context, orgID string) (dek, wrapped []byte, version int, err error)
	// DecryptDEK unwraps a previously wrapped DEK.
	DecryptDEK(ctx context.Context, wrapped []byte) ([]byte, error)
}

// HTTPClient talks to a KMS over JSON/HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	retries uint64
}

// NewHTTPClient constructs a client with a bounded request timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		retries: 2,
	}
}

type generateRequest struct {
	OrgID string `json:"org_id"`
}

type generateResponse struct {
	Plaintext string `json:"plaintext"`  // base64 DEK
	Wrapped   string `json:"ciphertext"` // base64 wrapped DEK
	Version   int    `json:"key_version"`
}

type decryptRequest struct {
	Wrapped string `json:"ciphertext"`
}

type decryptResponse struct {
	Plaintext string `json:"plaintext"`
}

// GenerateDEK mints a new wrapped data key.
func (c *HTTPClient) GenerateDEK(ctx context.Context, orgID string) ([]byte, []byte, int, error) {
	var out generateResponse
	err := c.post(ctx, "/v1/keys/datakey", generateRequest{OrgID: orgID}, &out)
	if err != nil {
		return nil, nil, 0, err
	}
	dek, err := base64.StdEncoding.DecodeString(out.Plaintext)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("kms: decode plaintext: %w", err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(out.Wrapped)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("kms: decode ciphertext: %w", err)
	}
	return dek, wrapped, out.Version, nil
}

// DecryptDEK unwraps a stored DEK blob.
func (c *HTTPClient) DecryptDEK(ctx context.Context, wrapped []byte) ([]byte, error) {
	var out decryptResponse
	req := decryptRequest{Wrapped: base64.StdEncoding.EncodeToString(wrapped)}
	if err := c.post(ctx, "/v1/keys/decrypt", req, &out); err != nil {
		return nil, err
	}
	dek, err := base64.StdEncoding.DecodeString(out.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("kms: decode plaintext: %w", err)
	}
	return dek, nil
}

// post sends one JSON request, retrying transient failures with
// exponential backoff. 5xx and transport errors are retryable and
// surface as ErrKmsUnavailable; a 400 means the blob itself was
// rejected and surfaces as ErrAuthenticationFailed.
func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: %v", errs.ErrKmsUnavailable, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return json.NewDecoder(resp.Body).Decode(out)
		case resp.StatusCode == http.StatusBadRequest:
			return fmt.Errorf("%w: kms rejected blob", errs.ErrAuthenticationFailed)
		case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusUnauthorized:
			// Revoked permission is an availability problem from the caller's
			// point of view, not data corruption.
			return fmt.Errorf("%w: kms denied access (%d)", errs.ErrKmsUnavailable, resp.StatusCode)
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("%w: kms status %d", errs.ErrKmsUnavailable, resp.StatusCode))
		default:
			return fmt.Errorf("%w: kms status %d", errs.ErrKmsUnavailable, resp.StatusCode)
		}
	})
}
