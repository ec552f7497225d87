// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"page_size zero", func(c *Config) { c.PageSize = 0 }},
		{"page_size too large", func(c *Config) { c.PageSize = 1001 }},
		{"max_batch_size too large", func(c *Config) { c.MaxBatchSize = 2000 }},
		{"max_messages too large", func(c *Config) { c.MaxMessagesToProcess = 20000 }},
		{"dlq_max_attempts zero", func(c *Config) { c.DLQMaxAttempts = 0 }},
		{"dlq_max_attempts too large", func(c *Config) { c.DLQMaxAttempts = 101 }},
		{"dlq_receive_timeout out of range", func(c *Config) { c.DLQReceiveTimeoutSecs = 61 }},
		{"negative stats ttl", func(c *Config) { c.QueueStatsCacheTTLSecs = -1 }},
		{"bad auth method", func(c *Config) { c.Auth.Method = "magic" }},
		{"bad azure flow", func(c *Config) { c.AzureAd.AuthMethod = "carrier_pigeon" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
page_size = 25
dlq_max_attempts = 3

[auth]
method = "azure_ad"

[azure_ad]
auth_method = "client_secret"
tenant_id = "tenant"
client_id = "client"

[logging]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.PageSize)
	assert.Equal(t, 3, cfg.DLQMaxAttempts)
	assert.Equal(t, AuthAzureAD, cfg.Auth.Method)
	assert.Equal(t, FlowClientSecret, cfg.AzureAd.AuthMethod)
	assert.Equal(t, "tenant", cfg.AzureAd.TenantID)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, 200, cfg.MaxBatchSize)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().PageSize, cfg.PageSize)
}

func TestLoadRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("page_size = ["), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnvOverlay(t *testing.T) {
	cfg := Default()
	environ := []string{
		"PAGE_SIZE=10",
		"AZURE_AD__TENANT_ID=overlay-tenant",
		"LOGGING__LEVEL=warn",
		"AUTH__METHOD=azure_ad",
		// Secrets must not land in the config struct.
		"AZURE_AD__CLIENT_SECRET=shh",
		// Unknown noise is ignored.
		"PATH=/usr/bin",
		"RANDOM__THING=x",
	}

	require.NoError(t, ApplyEnvOverlay(cfg, environ))

	assert.Equal(t, 10, cfg.PageSize)
	assert.Equal(t, "overlay-tenant", cfg.AzureAd.TenantID)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, AuthAzureAD, cfg.Auth.Method)
}

func TestTimeoutClamping(t *testing.T) {
	cfg := Default()
	cfg.DLQSendTimeoutSecs = 60
	cfg.DLQSendTimeoutCap = 15

	assert.Equal(t, 15, int(cfg.DLQSendTimeout().Seconds()))
}
