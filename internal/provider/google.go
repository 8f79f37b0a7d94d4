// Package provider implements the outbound Google REST surface used by
// health probes and watch channel management. All calls are lightweight
// and read-only except watch create/stop; every request carries a short
// timeout via the injected http.Client.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/loopcrm/integrations/internal/errs"
	"github.com/loopcrm/integrations/internal/model"
)

// GoogleAPI is the slice of provider behavior services depend on;
// implemented by *GoogleClient, faked in tests.
type GoogleAPI interface {
	// ProbeGmail issues the mailbox profile fetch and classifies the result.
	ProbeGmail(ctx context.Context, accessToken string) error
	// ProbeCalendar issues the calendar list fetch and classifies the result.
	ProbeCalendar(ctx context.Context, accessToken string) error
	// FetchGmailProfile returns the mailbox profile (sync cursor source).
	FetchGmailProfile(ctx context.Context, accessToken string) (*GmailProfile, error)
	// WatchEvents registers a push channel and returns its identity/expiry.
	WatchEvents(ctx context.Context, accessToken, channelID, channelToken string) (model.ChannelInfo, error)
	// StopChannel tears down a push channel (best-effort at call sites).
	StopChannel(ctx context.Context, accessToken, channelID, resourceID string) error
}

// GmailProfile is the subset of the users.getProfile response we use.
type GmailProfile struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    string `json:"historyId"`
}

// GoogleClient talks to the Gmail and Calendar REST APIs. Base URLs are
// injectable so tests can point at httptest servers.
type GoogleClient struct {
	http         *http.Client
	gmailBase    string
	calendarBase string
	webhookURL   string // address the provider pushes notifications to
}

// NewGoogleClient constructs a client with production base URLs.
func NewGoogleClient(webhookURL string, timeout time.Duration) *GoogleClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GoogleClient{
		http:         &http.Client{Timeout: timeout},
		gmailBase:    "https://gmail.googleapis.com",
		calendarBase: "https://www.googleapis.com",
		webhookURL:   webhookURL,
	}
}

// NewGoogleClientWithBase constructs a client against custom base URLs,
// intended for tests.
func NewGoogleClientWithBase(httpClient *http.Client, gmailBase, calendarBase, webhookURL string) *GoogleClient {
	return &GoogleClient{
		http:         httpClient,
		gmailBase:    gmailBase,
		calendarBase: calendarBase,
		webhookURL:   webhookURL,
	}
}

// ProbeGmail fetches the mailbox profile. The call mutates nothing and
// is safe at probe frequency.
func (c *GoogleClient) ProbeGmail(ctx context.Context, accessToken string) error {
	resp, err := c.get(ctx, c.gmailBase+"/gmail/v1/users/me/profile", accessToken)
	if err != nil {
		return fmt.Errorf("gmail: %w: %v", errs.ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()
	return classify("Gmail", resp.StatusCode)
}

// ProbeCalendar fetches the first page of the calendar list.
func (c *GoogleClient) ProbeCalendar(ctx context.Context, accessToken string) error {
	resp, err := c.get(ctx, c.calendarBase+"/calendar/v3/users/me/calendarList?maxResults=1", accessToken)
	if err != nil {
		return fmt.Errorf("calendar: %w: %v", errs.ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()
	return classify("Calendar", resp.StatusCode)
}

// FetchGmailProfile returns the profile body, including the history id
// used as the initial sync cursor.
func (c *GoogleClient) FetchGmailProfile(ctx context.Context, accessToken string) (*GmailProfile, error) {
	resp, err := c.get(ctx, c.gmailBase+"/gmail/v1/users/me/profile", accessToken)
	if err != nil {
		return nil, fmt.Errorf("gmail: %w: %v", errs.ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()
	if err := classify("Gmail", resp.StatusCode); err != nil {
		return nil, err
	}
	var p GmailProfile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("gmail: decode profile: %w", err)
	}
	return &p, nil
}

type watchRequest struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Address string `json:"address"`
	Token   string `json:"token,omitempty"`
}

type watchResponse struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
	Expiration string `json:"expiration"` // unix millis as string
}

// WatchEvents registers a web_hook push channel for the account's
// event stream and returns the channel identity the provider minted.
func (c *GoogleClient) WatchEvents(ctx context.Context, accessToken, channelID, channelToken string) (model.ChannelInfo, error) {
	body := watchRequest{
		ID:      channelID,
		Type:    "web_hook",
		Address: c.webhookURL,
		Token:   channelToken,
	}
	resp, err := c.post(ctx, c.calendarBase+"/calendar/v3/calendars/primary/events/watch", accessToken, body)
	if err != nil {
		return model.ChannelInfo{}, fmt.Errorf("watch: %w: %v", errs.ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.ChannelInfo{}, fmt.Errorf("%w: status %d", errs.ErrChannelSetupFailed, resp.StatusCode)
	}
	var w watchResponse
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return model.ChannelInfo{}, fmt.Errorf("%w: decode: %v", errs.ErrChannelSetupFailed, err)
	}
	millis, err := strconv.ParseInt(w.Expiration, 10, 64)
	if err != nil {
		return model.ChannelInfo{}, fmt.Errorf("%w: bad expiration %q", errs.ErrChannelSetupFailed, w.Expiration)
	}
	return model.ChannelInfo{
		ChannelID:  w.ID,
		ResourceID: w.ResourceID,
		Expiration: time.UnixMilli(millis).UTC(),
	}, nil
}

type stopRequest struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
}

// StopChannel tears down an existing push channel.
func (c *GoogleClient) StopChannel(ctx context.Context, accessToken, channelID, resourceID string) error {
	resp, err := c.post(ctx, c.calendarBase+"/calendar/v3/channels/stop", accessToken, stopRequest{ID: channelID, ResourceID: resourceID})
	if err != nil {
		return fmt.Errorf("stop channel: %w: %v", errs.ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("stop channel: status %d", resp.StatusCode)
	}
	return nil
}

func (c *GoogleClient) get(ctx context.Context, url, accessToken string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return c.http.Do(req)
}

func (c *GoogleClient) post(ctx context.Context, url, accessToken string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

// classify maps an HTTP status onto the probe error taxonomy. 2xx is
// healthy; 401 and 403 are user-actionable; everything else is a
// generic provider error.
func classify(service string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return fmt.Errorf("invalid or expired %s token: %w", service, errs.ErrTokenExpired)
	case status == http.StatusForbidden:
		return fmt.Errorf("Insufficient %s permissions: %w", service, errs.ErrInsufficientPermission)
	default:
		return fmt.Errorf("%s API error (status %d)", service, status)
	}
}
