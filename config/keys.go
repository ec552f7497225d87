// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// KeyMap binds UI actions to key names. Values use bubbletea key strings
// ("ctrl+d", "pgdown", "x").
type KeyMap struct {
	Quit         string `toml:"quit"`
	Help         string `toml:"help"`
	NextPage     string `toml:"next_page"`
	PrevPage     string `toml:"prev_page"`
	Refresh      string `toml:"refresh"`
	ToggleDLQ    string `toml:"toggle_dlq"`
	Select       string `toml:"select"`
	SelectAll    string `toml:"select_all"`
	Delete       string `toml:"delete"`
	DeadLetter   string `toml:"dead_letter"`
	Resend       string `toml:"resend"`
	ResendDelete string `toml:"resend_delete"`
	Compose      string `toml:"compose"`
	Cancel       string `toml:"cancel"`
	Confirm      string `toml:"confirm"`
	Stats        string `toml:"stats"`
}

// DefaultKeyMap returns the built-in bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit:         "q",
		Help:         "?",
		NextPage:     "right",
		PrevPage:     "left",
		Refresh:      "r",
		ToggleDLQ:    "d",
		Select:       " ",
		SelectAll:    "a",
		Delete:       "x",
		DeadLetter:   "X",
		Resend:       "s",
		ResendDelete: "S",
		Compose:      "c",
		Cancel:       "esc",
		Confirm:      "enter",
		Stats:        "i",
	}
}

// LoadKeyMap overlays keys.toml over the defaults. A missing file yields
// defaults.
func LoadKeyMap(path string) (KeyMap, error) {
	km := DefaultKeyMap()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return km, nil
		}
		return km, fmt.Errorf("failed to read keybindings: %w", err)
	}
	if err := toml.Unmarshal(data, &km); err != nil {
		return DefaultKeyMap(), fmt.Errorf("failed to parse keybindings: %w", err)
	}
	return km, nil
}
