// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"log/slog"
)

// Severity grades reported errors.
type Severity byte

const (
	// SeverityInfo is log-only, no popup.
	SeverityInfo Severity = iota
	// SeverityWarning pops up and logs; the operation continues.
	SeverityWarning
	// SeverityError pops up and logs; the operation aborted.
	SeverityError
	// SeverityCritical pops up with an enhanced log record; the process may
	// choose to exit.
	SeverityCritical
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Report is a contextualized error record. Details may contain technical
// text; UserMessage is what the popup shows. Secrets never appear in either.
type Report struct {
	Component   string
	Operation   string
	Details     error
	UserMessage string
	Hint        string
}

// Reporter is the sole path from a fallible result to a user-visible popup.
// User-facing templates are selected by (component, operation) so message
// wording stays uniform across the app.
type Reporter struct {
	bus    *Bus
	logger *slog.Logger

	templates map[templateKey]string
}

type templateKey struct {
	component string
	operation string
}

// NewReporter creates a reporter publishing popups to b and logging via
// logger.
func NewReporter(b *Bus, logger *slog.Logger) *Reporter {
	return &Reporter{
		bus:       b,
		logger:    logger,
		templates: defaultTemplates(),
	}
}

func defaultTemplates() map[templateKey]string {
	return map[templateKey]string{
		{"auth", "device_code"}:      "Authentication failed. Complete the device login and try again.",
		{"auth", "refresh"}:          "Your session expired. Sign in again to continue.",
		{"session", "peek"}:          "Could not load messages from the queue.",
		{"session", "switch_queue"}:  "Could not switch to the selected queue.",
		{"session", "stats"}:         "Could not fetch queue statistics.",
		{"bulk", "delete"}:           "Some messages could not be deleted.",
		{"bulk", "dead_letter"}:      "Some messages could not be moved to the dead-letter queue.",
		{"bulk", "resend"}:           "Some messages could not be resent.",
		{"bulk", "send"}:             "Sending messages failed.",
		{"config", "load"}:           "Configuration could not be loaded.",
		{"config", "reload"}:         "Profile configuration is invalid; keeping the previous settings.",
		{"secrets", "decrypt"}:       "The master password did not unlock the stored credentials.",
		{"management", "discovery"}:  "Could not list namespaces or queues.",
	}
}

// Template registers or overrides the user-facing message for a
// (component, operation) pair.
func (r *Reporter) Template(component, operation, message string) {
	r.templates[templateKey{component, operation}] = message
}

func (r *Reporter) userMessage(rep Report) string {
	if rep.UserMessage != "" {
		return rep.UserMessage
	}
	if msg, ok := r.templates[templateKey{rep.Component, rep.Operation}]; ok {
		return msg
	}
	return fmt.Sprintf("%s: %s failed", rep.Component, rep.Operation)
}

// Info logs the report without a popup.
func (r *Reporter) Info(rep Report) {
	r.emit(SeverityInfo, rep)
}

// Warning pops up and logs; the operation continues.
func (r *Reporter) Warning(rep Report) {
	r.emit(SeverityWarning, rep)
}

// Error pops up and logs; the operation aborted.
func (r *Reporter) Error(rep Report) {
	r.emit(SeverityError, rep)
}

// Critical pops up with an enhanced log record.
func (r *Reporter) Critical(rep Report) {
	r.emit(SeverityCritical, rep)
}

func (r *Reporter) emit(sev Severity, rep Report) {
	attrs := []any{
		slog.String("component", rep.Component),
		slog.String("operation", rep.Operation),
	}
	if rep.Details != nil {
		attrs = append(attrs, slog.String("error", rep.Details.Error()))
	}
	if rep.Hint != "" {
		attrs = append(attrs, slog.String("hint", rep.Hint))
	}

	switch sev {
	case SeverityInfo:
		r.logger.Info("reported", attrs...)
		return
	case SeverityWarning:
		r.logger.Warn("reported", attrs...)
	case SeverityError:
		r.logger.Error("reported", attrs...)
	case SeverityCritical:
		attrs = append(attrs, slog.String("severity", "critical"))
		r.logger.Error("reported", attrs...)
	}

	msg := r.userMessage(rep)
	if rep.Hint != "" {
		msg = msg + "\n\n" + rep.Hint
	}

	kind := PopupError
	if sev == SeverityWarning {
		kind = PopupWarning
	}
	r.bus.MustPublish(Popup{
		Kind:    kind,
		Title:   fmt.Sprintf("%s %s", rep.Component, sev),
		Message: msg,
	})
}
