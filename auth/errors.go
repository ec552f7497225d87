// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import "errors"

// Authentication errors.
var (
	ErrAuthExpired        = errors.New("authentication expired")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDeviceCodeExpired  = errors.New("device code expired before completion")
	ErrDeviceCodeDenied   = errors.New("device code authorization was denied")
	ErrRateLimited        = errors.New("token endpoint rate limited")
	ErrNoRefresh          = errors.New("no refresh token available")

	// Configuration errors.
	ErrMissingTenantID = errors.New("azure_ad.tenant_id is required")
	ErrMissingClientID = errors.New("azure_ad.client_id is required")
	ErrMissingSecret   = errors.New("client secret is required for the client_secret flow")
	ErrBadConnString   = errors.New("malformed connection string")
)
