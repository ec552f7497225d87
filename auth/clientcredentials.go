// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dawidpereira/quetty/config"
)

// ClientCredentialsFlow exchanges client_id + client_secret for an access
// token. The grant issues no refresh token; expiry is handled by
// re-exchange.
type ClientCredentialsFlow struct {
	cfg    config.AzureAdConfig
	secret func() string
	httpc  *http.Client
}

// NewClientCredentialsFlow builds the flow. secret is a lookup into the
// session credential store so the plaintext never sits in this struct.
func NewClientCredentialsFlow(cfg config.AzureAdConfig, secret func() string) (*ClientCredentialsFlow, error) {
	if cfg.TenantID == "" {
		return nil, ErrMissingTenantID
	}
	if cfg.ClientID == "" {
		return nil, ErrMissingClientID
	}
	if secret == nil {
		return nil, ErrMissingSecret
	}
	return &ClientCredentialsFlow{
		cfg:    cfg,
		secret: secret,
		httpc:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Name implements flow.
func (f *ClientCredentialsFlow) Name() string { return "client_secret" }

// Acquire implements flow.
func (f *ClientCredentialsFlow) Acquire(ctx context.Context) (*Token, error) {
	secret := f.secret()
	if secret == "" {
		return nil, ErrMissingSecret
	}

	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", f.cfg.AuthorityHost, f.cfg.TenantID)
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {f.cfg.ClientID},
		"client_secret": {secret},
		"scope":         {f.cfg.Scope},
	}

	issuedAt := time.Now()
	body, oerr, err := postForm(ctx, f.httpc, endpoint, form)
	if err != nil {
		return nil, fmt.Errorf("client credentials exchange failed: %w", err)
	}
	if oerr != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, oerr.Code)
	}
	return parseToken(body, issuedAt)
}

// Refresh implements flow; the grant has no refresh handle.
func (f *ClientCredentialsFlow) Refresh(context.Context, string) (*Token, error) {
	return nil, ErrNoRefresh
}
