// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusMustPublishAndTryRecv(t *testing.T) {
	b := New(1)
	b.MustPublish(LoadingStopped{})

	ev, ok := b.TryRecv()
	require.True(t, ok)
	assert.IsType(t, LoadingStopped{}, ev)

	_, ok = b.TryRecv()
	assert.False(t, ok)
}

func TestReporterSeverities(t *testing.T) {
	b := New(16)
	r := NewReporter(b, slog.Default())

	// Info is log-only.
	r.Info(Report{Component: "session", Operation: "peek", Details: errors.New("x")})
	if _, ok := b.TryRecv(); ok {
		t.Fatal("Info must not pop up")
	}

	// Warning pops up with the warning kind.
	r.Warning(Report{Component: "config", Operation: "reload", Details: errors.New("bad toml")})
	ev, ok := b.TryRecv()
	require.True(t, ok)
	popup := ev.(Popup)
	assert.Equal(t, PopupWarning, popup.Kind)

	// Error pops up with the error kind.
	r.Error(Report{Component: "session", Operation: "peek", Details: errors.New("x")})
	ev, ok = b.TryRecv()
	require.True(t, ok)
	assert.Equal(t, PopupError, ev.(Popup).Kind)
}

func TestReporterUsesTemplateByComponentOperation(t *testing.T) {
	b := New(16)
	r := NewReporter(b, slog.Default())

	r.Error(Report{
		Component: "secrets",
		Operation: "decrypt",
		Details:   errors.New("cipher: message authentication failed"),
	})

	ev, ok := b.TryRecv()
	require.True(t, ok)
	popup := ev.(Popup)

	// The user sees the template, never the technical details.
	assert.Contains(t, popup.Message, "master password")
	assert.NotContains(t, popup.Message, "authentication failed")
}

func TestReporterExplicitMessageAndHint(t *testing.T) {
	b := New(16)
	r := NewReporter(b, slog.Default())

	r.Error(Report{
		Component:   "bulk",
		Operation:   "delete",
		UserMessage: "2 of 5 messages could not be deleted.",
		Hint:        "Refresh and retry the remaining messages.",
	})

	ev, _ := b.TryRecv()
	popup := ev.(Popup)
	assert.Contains(t, popup.Message, "2 of 5")
	assert.Contains(t, popup.Message, "Refresh and retry")
}
