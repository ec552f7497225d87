// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const (
	appDirName      = "quetty"
	profilesDirName = "profiles"
	envFileName     = ".env"
	configFileName  = "config.toml"
	keysFileName    = "keys.toml"

	maxProfileNameLen = 64
)

// ErrInvalidProfileName rejects names that could escape the profile
// namespace. Validation runs before any filesystem access.
var ErrInvalidProfileName = errors.New("invalid profile name")

// ValidateProfileName enforces the profile name grammar
// [A-Za-z0-9_-]{1,64}. Path separators, traversal tokens, and NUL are
// rejected explicitly even though the character class already excludes them.
func ValidateProfileName(name string) error {
	if name == "" || len(name) > maxProfileNameLen {
		return fmt.Errorf("%w: %q", ErrInvalidProfileName, name)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidProfileName, name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidProfileName, name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidProfileName, name)
		}
	}
	return nil
}

// Profile is a named configuration scope rooted in its home directory.
type Profile struct {
	Name string
	Home string
}

// ResolveProfile validates name and locates its home directory under the
// user config root. The directory is not created.
func ResolveProfile(name string) (*Profile, error) {
	if err := ValidateProfileName(name); err != nil {
		return nil, err
	}
	root, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate user config dir: %w", err)
	}
	return &Profile{
		Name: name,
		Home: filepath.Join(root, appDirName, profilesDirName, name),
	}, nil
}

// EnvPath returns the profile's dotenv overlay file.
func (p *Profile) EnvPath() string { return filepath.Join(p.Home, envFileName) }

// ConfigPath returns the profile's TOML override file.
func (p *Profile) ConfigPath() string { return filepath.Join(p.Home, configFileName) }

// KeysPath returns the profile's keybinding override file.
func (p *Profile) KeysPath() string { return filepath.Join(p.Home, keysFileName) }

// Exists reports whether the profile home directory is present.
func (p *Profile) Exists() bool {
	info, err := os.Stat(p.Home)
	return err == nil && info.IsDir()
}

// Create makes the profile home and seeds an empty .env with restrictive
// permissions (secrets land there).
func (p *Profile) Create() error {
	if err := os.MkdirAll(p.Home, 0o700); err != nil {
		return fmt.Errorf("failed to create profile home: %w", err)
	}
	if _, err := os.Stat(p.EnvPath()); os.IsNotExist(err) {
		if err := os.WriteFile(p.EnvPath(), nil, 0o600); err != nil {
			return fmt.Errorf("failed to create profile env file: %w", err)
		}
	}
	return nil
}

// LoadEnv loads the profile's .env into the process environment without
// overriding variables already set. Missing file is not an error.
func (p *Profile) LoadEnv() error {
	err := godotenv.Load(p.EnvPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load profile env: %w", err)
	}
	return nil
}

// LoadConfig resolves the profile's layered configuration: explicit override
// path (CLI or QUETTY_CONFIG_PATH legacy bypass) wins over the profile TOML,
// which wins over embedded defaults; the environment overlay applies last.
func (p *Profile) LoadConfig(overridePath string) (*Config, error) {
	path := p.ConfigPath()
	if overridePath != "" {
		path = overridePath
	}
	return Load(path)
}

// ListProfiles enumerates profile directories under the user config root.
func ListProfiles() ([]string, error) {
	root, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(root, appDirName, profilesDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidateProfileName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
