// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bus carries events from background work into the single-threaded
// UI loop. The bus is bounded and senders block when it fills: terminal
// events drive the loading-indicator lifecycle and must never be dropped.
package bus

import "github.com/dawidpereira/quetty/servicebus"

// Event is a marker for everything the core publishes to the UI.
type Event interface{ isEvent() }

// Loading signals that a background task started.
type Loading struct {
	Label string
}

// LoadingProgress re-labels an active loading indicator.
type LoadingProgress struct {
	Label string
}

// LoadingStopped signals that a background task reached its terminal event.
type LoadingStopped struct{}

// PopupKind selects the popup styling.
type PopupKind byte

const (
	PopupError PopupKind = iota
	PopupWarning
	PopupSuccess
	PopupConfirm
)

// Popup asks the UI to display a modal message.
type Popup struct {
	Kind    PopupKind
	Title   string
	Message string
}

// PageLoaded delivers a browser page to the UI.
type PageLoaded struct {
	PageIndex int
	Items     []servicebus.Message
	Terminal  bool
}

// PageLoadFailed tells the browser its outstanding fetch died so navigation
// unblocks; the error itself is routed through the reporter.
type PageLoadFailed struct{}

// Invalidated reports messages removed from the broker by local mutation so
// the browser can vacate its cache entries in place.
type Invalidated struct {
	Removed []MessageRef
}

// MessageRef names a message by its (id, sequence) pair.
type MessageRef struct {
	ID       string
	Sequence int64
}

// BulkProgress reports bulk-engine progress. Processed is monotonically
// non-decreasing for a given operation.
type BulkProgress struct {
	Processed int
	Total     int
	Phase     string
}

// DeviceCodePending surfaces the device-code prompt. The user code is shown
// on screen but is not a secret; it never goes to logs.
type DeviceCodePending struct {
	UserCode        string
	VerificationURI string
	ExpiresIn       int
}

// AuthSucceeded signals a completed token acquisition.
type AuthSucceeded struct{}

// AuthFailed signals a terminal authentication failure.
type AuthFailed struct {
	Reason string
}

// PasswordPrompt asks the UI for the master password. The reply channel is
// buffered so the UI never blocks sending the answer.
type PasswordPrompt struct {
	Attempt  int
	MaxTries int
	Reply    chan string
}

// QueueSwitched reports that the session actor finished a queue switch.
type QueueSwitched struct {
	Queue servicebus.QueueIdentity
}

// StatsUpdated delivers queue statistics to the UI.
type StatsUpdated struct {
	Queue string
	Stats servicebus.QueueStats
}

func (Loading) isEvent()           {}
func (LoadingProgress) isEvent()   {}
func (LoadingStopped) isEvent()    {}
func (Popup) isEvent()             {}
func (PageLoaded) isEvent()        {}
func (PageLoadFailed) isEvent()    {}
func (Invalidated) isEvent()       {}
func (BulkProgress) isEvent()      {}
func (DeviceCodePending) isEvent() {}
func (AuthSucceeded) isEvent()     {}
func (AuthFailed) isEvent()        {}
func (PasswordPrompt) isEvent()    {}
func (QueueSwitched) isEvent()     {}
func (StatsUpdated) isEvent()      {}
