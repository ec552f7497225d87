// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// envSeparator splits the section from the key in overlay variables,
// e.g. AZURE_AD__TENANT_ID -> [azure_ad] tenant_id.
const envSeparator = "__"

// Bootstrap is the process-level environment read before any profile is
// resolved. It controls where configuration comes from, not what it says.
type Bootstrap struct {
	ConfigPath string `envconfig:"QUETTY_CONFIG_PATH"`
	Profile    string `envconfig:"QUETTY_PROFILE"`
	LogLevel   string `envconfig:"QUETTY_LOG_LEVEL"`
}

// LoadBootstrap decodes the bootstrap environment.
func LoadBootstrap() (Bootstrap, error) {
	var b Bootstrap
	if err := envconfig.Process("", &b); err != nil {
		return Bootstrap{}, fmt.Errorf("failed to decode bootstrap environment: %w", err)
	}
	return b, nil
}

// secret-bearing env keys are consumed by the secrets and auth packages
// directly and must not land in the config struct.
var overlayExcluded = map[string]struct{}{
	"SERVICEBUS__CONNECTION_STRING":           {},
	"SERVICEBUS__ENCRYPTED_CONNECTION_STRING": {},
	"SERVICEBUS__ENCRYPTION_SALT":             {},
	"AZURE_AD__CLIENT_SECRET":                 {},
	"AZURE_AD__ENCRYPTED_CLIENT_SECRET":       {},
	"AZURE_AD__ENCRYPTION_SALT":               {},
}

// ApplyEnvOverlay applies SECTION__KEY environment variables over cfg.
// Unsectioned names map to top-level keys (e.g. PAGE_SIZE -> page_size);
// sectioned names map into their table. Unknown keys are ignored so
// unrelated environment noise cannot break startup.
func ApplyEnvOverlay(cfg *Config, environ []string) error {
	overlay := make(map[string]any)

	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if _, excluded := overlayExcluded[name]; excluded {
			continue
		}

		section, key, sectioned := strings.Cut(name, envSeparator)
		if sectioned {
			if !isOverlaySection(section) {
				continue
			}
			sec, _ := overlay[strings.ToLower(section)].(map[string]any)
			if sec == nil {
				sec = make(map[string]any)
				overlay[strings.ToLower(section)] = sec
			}
			sec[strings.ToLower(key)] = coerce(value)
			continue
		}

		if isOverlayKey(name) {
			overlay[strings.ToLower(name)] = coerce(value)
		}
	}

	if len(overlay) == 0 {
		return nil
	}

	// Round-trip through TOML so the overlay decodes with the same tag
	// rules as the file itself.
	data, err := toml.Marshal(overlay)
	if err != nil {
		return fmt.Errorf("failed to encode environment overlay: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to apply environment overlay: %w", err)
	}
	return nil
}

func isOverlaySection(section string) bool {
	switch strings.ToLower(section) {
	case "auth", "azure_ad", "servicebus", "logging", "ui":
		return true
	}
	return false
}

func isOverlayKey(name string) bool {
	switch strings.ToLower(name) {
	case "page_size", "poll_timeout_ms", "tick_interval_millis",
		"max_batch_size", "max_messages_to_process", "operation_timeout_secs",
		"dlq_max_attempts", "dlq_receive_timeout_secs", "dlq_send_timeout_secs",
		"dlq_receive_timeout_cap_secs", "dlq_send_timeout_cap_secs",
		"dlq_retry_delay_ms", "queue_stats_cache_ttl_seconds",
		"password_attempts":
		return true
	}
	return false
}

// coerce parses env values into the richest type they admit; TOML decoding
// rejects mismatches against the struct field type.
func coerce(value string) any {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}
