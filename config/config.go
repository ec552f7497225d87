// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// AuthMethod selects the identity flow.
type AuthMethod string

const (
	AuthAzureAD          AuthMethod = "azure_ad"
	AuthConnectionString AuthMethod = "connection_string"
)

// AzureAdFlow selects the Azure AD sub-flow.
type AzureAdFlow string

const (
	FlowDeviceCode   AzureAdFlow = "device_code"
	FlowClientSecret AzureAdFlow = "client_secret"
)

// Config holds all configuration for the client.
type Config struct {
	PageSize             int `toml:"page_size"`
	PollTimeoutMs        int `toml:"poll_timeout_ms"`
	TickIntervalMillis   int `toml:"tick_interval_millis"`
	MaxBatchSize         int `toml:"max_batch_size"`
	MaxMessagesToProcess int `toml:"max_messages_to_process"`
	OperationTimeoutSecs int `toml:"operation_timeout_secs"`

	DLQMaxAttempts         int `toml:"dlq_max_attempts"`
	DLQReceiveTimeoutSecs  int `toml:"dlq_receive_timeout_secs"`
	DLQSendTimeoutSecs     int `toml:"dlq_send_timeout_secs"`
	DLQReceiveTimeoutCap   int `toml:"dlq_receive_timeout_cap_secs"`
	DLQSendTimeoutCap      int `toml:"dlq_send_timeout_cap_secs"`
	DLQRetryDelayMs        int `toml:"dlq_retry_delay_ms"`
	QueueStatsCacheTTLSecs int `toml:"queue_stats_cache_ttl_seconds"`

	PasswordAttempts int `toml:"password_attempts"`

	Auth       AuthConfig       `toml:"auth"`
	AzureAd    AzureAdConfig    `toml:"azure_ad"`
	ServiceBus ServiceBusConfig `toml:"servicebus"`
	Logging    LoggingConfig    `toml:"logging"`
	UI         UIConfig         `toml:"ui"`
}

// AuthConfig selects the identity provider flow.
type AuthConfig struct {
	Method AuthMethod `toml:"method"`
}

// AzureAdConfig holds Azure AD identity settings. The client secret itself
// is supplied via the environment, never the TOML file.
type AzureAdConfig struct {
	AuthMethod     AzureAdFlow `toml:"auth_method"`
	TenantID       string      `toml:"tenant_id"`
	ClientID       string      `toml:"client_id"`
	SubscriptionID string      `toml:"subscription_id"`
	ResourceGroup  string      `toml:"resource_group"`
	Namespace      string      `toml:"namespace"`
	AuthorityHost  string      `toml:"authority_host"`
	Scope          string      `toml:"scope"`
}

// ServiceBusConfig holds connection-string transport settings. The
// connection string itself is supplied via the environment, never the TOML
// file.
type ServiceBusConfig struct {
	Endpoint string `toml:"endpoint"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
	File   string `toml:"file"`   // empty logs to stderr
}

// UIConfig holds UI timing settings.
type UIConfig struct {
	LoadingFrameDurationMs int `toml:"ui_loading_frame_duration_ms"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		PageSize:             100,
		PollTimeoutMs:        10_000,
		TickIntervalMillis:   250,
		MaxBatchSize:         200,
		MaxMessagesToProcess: 2000,
		OperationTimeoutSecs: 300,

		DLQMaxAttempts:         10,
		DLQReceiveTimeoutSecs:  10,
		DLQSendTimeoutSecs:     10,
		DLQReceiveTimeoutCap:   10,
		DLQSendTimeoutCap:      15,
		DLQRetryDelayMs:        500,
		QueueStatsCacheTTLSecs: 60,

		PasswordAttempts: 3,

		Auth: AuthConfig{Method: AuthConnectionString},
		AzureAd: AzureAdConfig{
			AuthMethod:    FlowDeviceCode,
			AuthorityHost: "https://login.microsoftonline.com",
			Scope:         "https://management.azure.com/.default",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		UI: UIConfig{LoadingFrameDurationMs: 100},
	}
}

// Load reads configuration from a TOML file, applies the SECTION__KEY
// environment overlay, and validates the result. A missing file yields
// defaults plus the overlay.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := ApplyEnvOverlay(cfg, os.Environ()); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks configured values against their contractual ranges.
func (c *Config) Validate() error {
	if c.PageSize < 1 || c.PageSize > 1000 {
		return fmt.Errorf("page_size must be in [1,1000]")
	}
	if c.PollTimeoutMs < 1 {
		return fmt.Errorf("poll_timeout_ms must be positive")
	}
	if c.MaxBatchSize < 1 || c.MaxBatchSize > 1000 {
		return fmt.Errorf("max_batch_size must be in [1,1000]")
	}
	if c.MaxMessagesToProcess < 1 || c.MaxMessagesToProcess > 10_000 {
		return fmt.Errorf("max_messages_to_process must be in [1,10000]")
	}
	if c.OperationTimeoutSecs < 1 {
		return fmt.Errorf("operation_timeout_secs must be positive")
	}
	if c.DLQMaxAttempts < 1 || c.DLQMaxAttempts > 100 {
		return fmt.Errorf("dlq_max_attempts must be in [1,100]")
	}
	if c.DLQReceiveTimeoutSecs < 1 || c.DLQReceiveTimeoutSecs > 60 {
		return fmt.Errorf("dlq_receive_timeout_secs must be in [1,60]")
	}
	if c.DLQSendTimeoutSecs < 1 || c.DLQSendTimeoutSecs > 60 {
		return fmt.Errorf("dlq_send_timeout_secs must be in [1,60]")
	}
	if c.DLQRetryDelayMs < 0 {
		return fmt.Errorf("dlq_retry_delay_ms cannot be negative")
	}
	if c.QueueStatsCacheTTLSecs < 0 {
		return fmt.Errorf("queue_stats_cache_ttl_seconds cannot be negative")
	}
	if c.PasswordAttempts < 1 {
		return fmt.Errorf("password_attempts must be at least 1")
	}

	switch c.Auth.Method {
	case AuthAzureAD, AuthConnectionString:
	default:
		return fmt.Errorf("auth.method must be one of: azure_ad, connection_string")
	}
	switch c.AzureAd.AuthMethod {
	case FlowDeviceCode, FlowClientSecret:
	default:
		return fmt.Errorf("azure_ad.auth_method must be one of: device_code, client_secret")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: text, json")
	}

	return nil
}

// Save writes the configuration to a TOML file.
func (c *Config) Save(filename string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// PollTimeout returns the per-attempt broker poll timeout.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMs) * time.Millisecond
}

// TickInterval returns the UI tick cadence.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMillis) * time.Millisecond
}

// OperationTimeout returns the overall wall-time cap for bulk operations.
func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutSecs) * time.Second
}

// DLQReceiveTimeout returns the per-attempt receive timeout inside the bulk
// engine, clamped to its hard cap.
func (c *Config) DLQReceiveTimeout() time.Duration {
	secs := c.DLQReceiveTimeoutSecs
	if c.DLQReceiveTimeoutCap > 0 && secs > c.DLQReceiveTimeoutCap {
		secs = c.DLQReceiveTimeoutCap
	}
	return time.Duration(secs) * time.Second
}

// DLQSendTimeout returns the per-attempt send timeout inside the bulk
// engine, clamped to its hard cap.
func (c *Config) DLQSendTimeout() time.Duration {
	secs := c.DLQSendTimeoutSecs
	if c.DLQSendTimeoutCap > 0 && secs > c.DLQSendTimeoutCap {
		secs = c.DLQSendTimeoutCap
	}
	return time.Duration(secs) * time.Second
}

// DLQRetryDelay returns the sleep between empty-receive retries.
func (c *Config) DLQRetryDelay() time.Duration {
	return time.Duration(c.DLQRetryDelayMs) * time.Millisecond
}

// StatsCacheTTL returns the statistics cache TTL; zero disables caching.
func (c *Config) StatsCacheTTL() time.Duration {
	return time.Duration(c.QueueStatsCacheTTLSecs) * time.Second
}
