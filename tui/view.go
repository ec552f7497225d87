// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"fmt"
	"strings"

	"github.com/dawidpereira/quetty/browser"
	"github.com/dawidpereira/quetty/bus"
	"github.com/dawidpereira/quetty/servicebus"
)

const timeLayout = "2006-01-02 15:04:05"

// View implements tea.Model.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.viewTitle())
	b.WriteByte('\n')

	switch m.focus {
	case focusQueuePicker:
		b.WriteString(m.viewQueuePicker())
	case focusContent:
		b.WriteString(m.viewContent())
	default:
		b.WriteString(m.viewMessages())
	}

	if overlay := m.viewOverlay(); overlay != "" {
		b.WriteByte('\n')
		b.WriteString(overlay)
	}

	b.WriteByte('\n')
	b.WriteString(m.viewStatus())
	return b.String()
}

func (m *Model) viewTitle() string {
	title := "quetty"
	if m.queueName != "" {
		title = fmt.Sprintf("quetty — %s", m.activeQueue())
	}
	out := styleTitle.Render(title)

	if m.stats != nil {
		out += "  " + styleStatus.Render(fmt.Sprintf(
			"active %d · dlq %d · scheduled %d",
			m.stats.Active, m.stats.DeadLetter, m.stats.Scheduled))
	}
	return out
}

func (m *Model) viewQueuePicker() string {
	if len(m.queues) == 0 {
		return styleStatus.Render("No queues discovered yet. Press r to retry.")
	}

	var b strings.Builder
	b.WriteString(styleHeader.Render("Queues"))
	b.WriteByte('\n')
	for i, name := range m.queues {
		line := "  " + name
		if i == m.queueCursor {
			b.WriteString(styleRowSelected.Render("> " + name))
		} else {
			b.WriteString(styleRow.Render(line))
		}
		b.WriteByte('\n')
	}
	b.WriteString(styleHelp.Render("enter open · r reload · q quit"))
	return b.String()
}

func (m *Model) viewMessages() string {
	page := m.browser.Current()
	if page == nil || len(page.Messages) == 0 {
		status := "Queue is empty."
		if m.browser.Fetching() {
			status = "Loading..."
		}
		return styleStatus.Render(status)
	}

	var b strings.Builder
	b.WriteString(styleHeader.Render(fmt.Sprintf(
		"%-4s %-14s %-36s %-20s %-6s %s",
		"", "sequence", "message id", "enqueued", "count", "state")))
	b.WriteByte('\n')

	for i, msg := range page.Messages {
		mark := " "
		if m.browser.Selected(refOf(&msg)) {
			mark = "*"
		}
		line := fmt.Sprintf("%-4s %-14d %-36s %-20s %-6d %s",
			mark, msg.Sequence, truncate(msg.ID, 36),
			msg.EnqueuedAt.Format(timeLayout), msg.DeliveryCount, msg.State)

		style := styleRow
		switch {
		case i == m.rowCursor:
			style = styleRowSelected
		case mark == "*":
			style = styleRowMarked
		case msg.State == servicebus.StateDeadLettered:
			style = styleDeadLetter
		case msg.State == servicebus.StateScheduled:
			style = styleScheduled
		}
		b.WriteString(style.Render(line))
		b.WriteByte('\n')
	}

	pageInfo := fmt.Sprintf("page %d/%d", m.browser.CurrentIndex()+1, m.browser.PageCount())
	if m.browser.Terminal() {
		pageInfo += " (end)"
	}
	if n := m.browser.SelectionCount(); n > 0 {
		pageInfo += fmt.Sprintf(" · %d selected", n)
	}
	b.WriteString(styleStatus.Render(pageInfo))
	return b.String()
}

func (m *Model) viewContent() string {
	row := m.currentRow()
	if row == nil {
		return styleStatus.Render("No message selected.")
	}

	var b strings.Builder
	header := fmt.Sprintf("seq %d · id %s · enqueued %s · delivery count %d",
		row.Sequence, row.ID, row.EnqueuedAt.Format(timeLayout), row.DeliveryCount)
	if row.DeadLetterReason != "" {
		header += fmt.Sprintf("\ndead-letter: %s — %s", row.DeadLetterReason, row.DeadLetterDescription)
	}
	b.WriteString(styleStatus.Render(header))
	b.WriteByte('\n')
	b.WriteString(stylePane.Render(row.PrettyBody()))
	b.WriteByte('\n')
	b.WriteString(styleHelp.Render("esc back"))
	return b.String()
}

func (m *Model) viewOverlay() string {
	switch {
	case m.deviceCode != nil:
		body := fmt.Sprintf(
			"To sign in, open\n\n  %s\n\nand enter the code\n\n  %s\n\nThe code expires in %d seconds.",
			m.deviceCode.VerificationURI, m.deviceCode.UserCode, m.deviceCode.ExpiresIn)
		return stylePopupWarning.Render(body)

	case m.confirm != nil:
		return stylePopupWarning.Render(m.confirm.prompt + "\n\nenter confirm · esc cancel")

	case m.popup != nil:
		style := stylePopupError
		switch m.popup.Kind {
		case bus.PopupWarning:
			style = stylePopupWarning
		case bus.PopupSuccess:
			style = stylePopupSuccess
		}
		body := m.popup.Message
		if m.popup.Title != "" {
			body = m.popup.Title + "\n\n" + body
		}
		return style.Render(body)
	}
	return ""
}

func (m *Model) viewStatus() string {
	if m.loading > 0 {
		label := m.loadText
		if label == "" {
			label = "Working..."
		}
		return styleSpinner.Render(spinnerFrames[m.frame] + " " + label)
	}
	keys := m.deps.Keys
	return styleHelp.Render(fmt.Sprintf(
		"%s/%s page · %s refresh · %s dlq · space select · %s delete · %s resend · %s stats · %s quit",
		keys.PrevPage, keys.NextPage, keys.Refresh, keys.ToggleDLQ,
		keys.Delete, keys.Resend, keys.Stats, keys.Quit))
}

func refOf(msg *servicebus.Message) browser.Ref {
	return browser.Ref{ID: msg.ID, Sequence: msg.Sequence}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
