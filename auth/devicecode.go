// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dawidpereira/quetty/bus"
	"github.com/dawidpereira/quetty/config"
)

const (
	grantDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"
	grantRefresh    = "refresh_token"

	// slowDownStep is the additive poll-interval increase RFC 8628 mandates
	// on a slow_down response.
	slowDownStep = 5 * time.Second
)

// DeviceCodeFlow implements the Azure AD device-code grant. The user code
// and verification URI are surfaced to the UI through the bus; they are
// shown on screen but never logged.
type DeviceCodeFlow struct {
	cfg    config.AzureAdConfig
	httpc  *http.Client
	events *bus.Bus
	logger *slog.Logger
}

// NewDeviceCodeFlow builds a device-code flow from the Azure AD config.
func NewDeviceCodeFlow(cfg config.AzureAdConfig, events *bus.Bus, logger *slog.Logger) (*DeviceCodeFlow, error) {
	if cfg.TenantID == "" {
		return nil, ErrMissingTenantID
	}
	if cfg.ClientID == "" {
		return nil, ErrMissingClientID
	}
	return &DeviceCodeFlow{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: 30 * time.Second},
		events: events,
		logger: logger,
	}, nil
}

// Name implements flow.
func (f *DeviceCodeFlow) Name() string { return "device_code" }

func (f *DeviceCodeFlow) deviceCodeURL() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/devicecode", f.cfg.AuthorityHost, f.cfg.TenantID)
}

func (f *DeviceCodeFlow) tokenURL() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", f.cfg.AuthorityHost, f.cfg.TenantID)
}

// scope requests offline_access alongside the configured scope so the token
// endpoint issues a refresh handle.
func (f *DeviceCodeFlow) scope() string {
	return f.cfg.Scope + " offline_access"
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
	Message         string `json:"message"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// Acquire implements flow: starts the grant, surfaces the prompt, and polls
// until the user completes or the code expires.
func (f *DeviceCodeFlow) Acquire(ctx context.Context) (*Token, error) {
	dc, err := f.start(ctx)
	if err != nil {
		return nil, err
	}

	f.logger.Info("device code authentication initiated, awaiting user action")
	f.events.MustPublish(bus.DeviceCodePending{
		UserCode:        dc.UserCode,
		VerificationURI: dc.VerificationURI,
		ExpiresIn:       dc.ExpiresIn,
	})

	token, err := f.poll(ctx, dc)
	if err != nil {
		f.events.MustPublish(bus.AuthFailed{Reason: publicReason(err)})
		return nil, err
	}
	f.events.MustPublish(bus.AuthSucceeded{})
	return token, nil
}

func (f *DeviceCodeFlow) start(ctx context.Context) (*deviceCodeResponse, error) {
	form := url.Values{
		"client_id": {f.cfg.ClientID},
		"scope":     {f.scope()},
	}
	body, oerr, err := postForm(ctx, f.httpc, f.deviceCodeURL(), form)
	if err != nil {
		return nil, fmt.Errorf("failed to initiate device code flow: %w", err)
	}
	if oerr != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, describeStartError(oerr))
	}

	var dc deviceCodeResponse
	if err := json.Unmarshal(body, &dc); err != nil {
		return nil, fmt.Errorf("failed to parse device code response: %w", err)
	}
	return &dc, nil
}

// describeStartError maps device-code initiation errors to actionable text.
func describeStartError(oerr *oauthError) string {
	switch oerr.Code {
	case "invalid_client":
		return "check the Azure AD app registration and enable public client flows"
	case "invalid_request":
		return "check the client ID and tenant ID"
	case "unauthorized_client":
		return "the application is not authorized for device code flow"
	default:
		if oerr.Description != "" {
			return oerr.Description
		}
		return oerr.Code
	}
}

// poll honors the advertised interval, adds slowDownStep on slow_down, and
// retries transient network failures with capped exponential backoff. The
// deadline is the code's advertised expiry.
func (f *DeviceCodeFlow) poll(ctx context.Context, dc *deviceCodeResponse) (*Token, error) {
	interval := time.Duration(dc.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	deadline := time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	netBackoff := backoff.NewExponentialBackOff()
	netBackoff.MaxInterval = 30 * time.Second

	form := url.Values{
		"grant_type":  {grantDeviceCode},
		"client_id":   {f.cfg.ClientID},
		"device_code": {dc.DeviceCode},
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ErrDeviceCodeExpired
		case <-time.After(interval):
		}

		issuedAt := time.Now()
		body, oerr, err := postForm(ctx, f.httpc, f.tokenURL(), form)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrDeviceCodeExpired
			}
			wait := netBackoff.NextBackOff()
			f.logger.Debug("device code poll failed, backing off",
				"wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return nil, ErrDeviceCodeExpired
			case <-time.After(wait):
			}
			continue
		}
		netBackoff.Reset()

		if oerr != nil {
			switch oerr.Code {
			case "authorization_pending":
				continue
			case "slow_down":
				interval += slowDownStep
				continue
			case "expired_token":
				return nil, ErrDeviceCodeExpired
			case "access_denied":
				return nil, ErrDeviceCodeDenied
			default:
				return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, oerr.Code)
			}
		}

		return parseToken(body, issuedAt)
	}
}

// Refresh implements flow using the refresh-token grant.
func (f *DeviceCodeFlow) Refresh(ctx context.Context, refresh string) (*Token, error) {
	if refresh == "" {
		return nil, ErrNoRefresh
	}
	form := url.Values{
		"grant_type":    {grantRefresh},
		"client_id":     {f.cfg.ClientID},
		"refresh_token": {refresh},
		"scope":         {f.scope()},
	}

	issuedAt := time.Now()
	body, oerr, err := postForm(ctx, f.httpc, f.tokenURL(), form)
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	if oerr != nil {
		return nil, fmt.Errorf("%w: refresh rejected (%s)", ErrAuthExpired, oerr.Code)
	}
	return parseToken(body, issuedAt)
}

func parseToken(body []byte, issuedAt time.Time) (*Token, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access token")
	}
	return &Token{
		Access:   tr.AccessToken,
		NotAfter: notAfterFrom(tr.AccessToken, issuedAt, tr.ExpiresIn),
		Refresh:  tr.RefreshToken,
		Scope:    tr.Scope,
	}, nil
}

// postForm performs one rate-limited POST. An OAuth error body is returned
// as *oauthError with nil error so callers can branch on the code.
func postForm(ctx context.Context, httpc *http.Client, endpoint string, form url.Values) ([]byte, *oauthError, error) {
	if err := sharedLimiter.wait(ctx); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpc.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var oerr oauthError
		if json.Unmarshal(body, &oerr) == nil && oerr.Code != "" {
			return nil, &oerr, nil
		}
		return nil, nil, fmt.Errorf("identity endpoint returned status %d", resp.StatusCode)
	}
	return body, nil, nil
}

func publicReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeviceCodeDenied):
		return "authorization denied"
	case errors.Is(err, ErrDeviceCodeExpired):
		return "device code expired"
	default:
		return "authentication failed"
	}
}
