// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dawidpereira/quetty/browser"
	"github.com/dawidpereira/quetty/bulk"
	"github.com/dawidpereira/quetty/bus"
	"github.com/dawidpereira/quetty/servicebus"
	"github.com/dawidpereira/quetty/session"
)

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		if m.loading > 0 {
			m.frame = (m.frame + 1) % len(spinnerFrames)
		}
		return m, m.tick()

	case queuesLoadedMsg:
		if msg.err != nil {
			m.deps.Reporter.Error(bus.Report{
				Component: "management",
				Operation: "discovery",
				Details:   msg.err,
			})
			return m, nil
		}
		m.queues = msg.queues
		return m, nil

	case busMsg:
		cmd := m.handleEvent(msg.ev)
		return m, tea.Batch(m.waitForEvent(), cmd)

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *Model) handleEvent(ev bus.Event) tea.Cmd {
	switch ev := ev.(type) {
	case bus.Loading:
		m.loading++
		m.loadText = ev.Label
	case bus.LoadingProgress:
		m.loadText = ev.Label
	case bus.LoadingStopped:
		if m.loading > 0 {
			m.loading--
		}
		if m.loading == 0 {
			m.loadText = ""
		}

	case bus.Popup:
		m.popup = &ev
		if m.focus != focusConfirm && m.focus != focusDeviceCode {
			m.focus = focusPopup
		}

	case bus.PageLoaded:
		next := m.browser.ApplyPage(session.PeekPageResult{
			Messages: ev.Items,
			Terminal: ev.Terminal,
		})
		m.clampCursor()
		return m.fetch(next)

	case bus.PageLoadFailed:
		m.browser.ApplyPage(session.PeekPageResult{Err: session.ErrCancelled})

	case bus.Invalidated:
		refs := make([]browser.Ref, 0, len(ev.Removed))
		for _, r := range ev.Removed {
			refs = append(refs, browser.Ref{ID: r.ID, Sequence: r.Sequence})
		}
		m.browser.Invalidate(refs)
		m.clampCursor()

	case bus.BulkProgress:
		m.loadText = fmt.Sprintf("%s: %d/%d", ev.Phase, ev.Processed, ev.Total)

	case bus.DeviceCodePending:
		m.deviceCode = &ev
		m.focus = focusDeviceCode

	case bus.AuthSucceeded:
		if m.focus == focusDeviceCode {
			m.deviceCode = nil
			m.focus = focusQueuePicker
		}

	case bus.AuthFailed:
		m.deviceCode = nil
		m.popup = &bus.Popup{
			Kind:    bus.PopupError,
			Title:   "Authentication failed",
			Message: ev.Reason,
		}
		m.focus = focusPopup

	case bus.QueueSwitched:
		m.focus = focusMessages
		return m.fetch(m.browser.LoadInitial())

	case bus.StatsUpdated:
		stats := ev.Stats
		m.stats = &stats
	}
	return nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	keys := m.deps.Keys

	// Modal surfaces swallow input first.
	switch m.focus {
	case focusPopup:
		if key == keys.Confirm || key == keys.Cancel {
			m.popup = nil
			m.focus = focusMessages
			if m.queueName == "" {
				m.focus = focusQueuePicker
			}
		}
		return m, nil

	case focusConfirm:
		switch key {
		case keys.Confirm:
			confirm := m.confirm
			m.confirm = nil
			m.focus = focusMessages
			if confirm != nil {
				confirm.run()
			}
		case keys.Cancel:
			m.confirm = nil
			m.focus = focusMessages
		}
		return m, nil

	case focusDeviceCode:
		if key == keys.Cancel {
			m.deviceCode = nil
			m.focus = focusQueuePicker
		}
		return m, nil
	}

	if key == keys.Quit || key == "ctrl+c" {
		m.quitting = true
		return m, tea.Quit
	}

	switch m.focus {
	case focusQueuePicker:
		return m.handleQueuePickerKey(key)
	case focusMessages:
		return m.handleMessagesKey(key)
	case focusContent:
		if key == keys.Cancel {
			m.focus = focusMessages
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) handleQueuePickerKey(key string) (tea.Model, tea.Cmd) {
	keys := m.deps.Keys
	switch key {
	case "up", "k":
		if m.queueCursor > 0 {
			m.queueCursor--
		}
	case "down", "j":
		if m.queueCursor < len(m.queues)-1 {
			m.queueCursor++
		}
	case keys.Refresh:
		return m, m.loadQueues()
	case keys.Confirm:
		if m.queueCursor < len(m.queues) {
			return m, m.switchTo(servicebus.MainQueue(m.queues[m.queueCursor]))
		}
	}
	return m, nil
}

func (m *Model) handleMessagesKey(key string) (tea.Model, tea.Cmd) {
	keys := m.deps.Keys
	switch key {
	case "up", "k":
		if m.rowCursor > 0 {
			m.rowCursor--
		}
	case "down", "j":
		if page := m.browser.Current(); page != nil && m.rowCursor < len(page.Messages)-1 {
			m.rowCursor++
		}
	case keys.NextPage:
		cmd := m.fetch(m.browser.NextPage())
		m.rowCursor = 0
		return m, cmd
	case keys.PrevPage:
		m.browser.PreviousPage()
		m.rowCursor = 0
	case keys.Refresh:
		return m, m.fetch(m.browser.Refresh())
	case keys.ToggleDLQ:
		queue := m.activeQueue().Sibling()
		return m, m.switchTo(queue)
	case keys.Select, "space":
		if row := m.currentRow(); row != nil {
			if !m.browser.ToggleSelect(browser.Ref{ID: row.ID, Sequence: row.Sequence}) {
				m.deps.Reporter.Warning(bus.Report{
					Component:   "browser",
					Operation:   "select",
					UserMessage: "Selection limit reached.",
				})
			}
		}
	case keys.SelectAll:
		m.browser.SelectPage()
	case keys.Confirm:
		if m.currentRow() != nil {
			m.focus = focusContent
		}
	case keys.Stats:
		return m, m.fetchStats()
	case "esc":
		m.focus = focusQueuePicker
	case keys.Delete:
		return m, m.confirmBulk(bulk.KindDelete)
	case keys.DeadLetter:
		if m.activeSub == servicebus.SubQueueMain {
			return m, m.confirmBulk(bulk.KindDeadLetter)
		}
	case keys.Resend:
		if m.activeSub == servicebus.SubQueueDeadLetter {
			return m, m.confirmBulk(bulk.KindResend)
		}
	case keys.ResendDelete:
		if m.activeSub == servicebus.SubQueueDeadLetter {
			return m, m.confirmBulk(bulk.KindResendAndDelete)
		}
	}
	return m, nil
}

// selectionOrCursor returns the bulk targets: the explicit selection when
// non-empty, else the message under the cursor.
func (m *Model) selectionOrCursor() []bulk.Target {
	if refs := m.browser.Selection(); len(refs) > 0 {
		targets := make([]bulk.Target, 0, len(refs))
		for _, ref := range refs {
			targets = append(targets, bulk.Target{ID: ref.ID, Sequence: ref.Sequence})
		}
		return targets
	}
	if row := m.currentRow(); row != nil {
		return []bulk.Target{{ID: row.ID, Sequence: row.Sequence}}
	}
	return nil
}

func (m *Model) confirmBulk(kind bulk.Kind) tea.Cmd {
	targets := m.selectionOrCursor()
	if len(targets) == 0 {
		return nil
	}

	var verb string
	switch kind {
	case bulk.KindDelete:
		verb = "Delete"
	case bulk.KindDeadLetter:
		verb = "Dead-letter"
	case bulk.KindResend:
		verb = "Resend"
	case bulk.KindResendAndDelete:
		verb = "Resend and delete"
	}

	m.confirm = &pendingConfirm{
		prompt: fmt.Sprintf("%s %d message(s) on %s?", verb, len(targets), m.activeQueue()),
		run:    func() { m.runBulk(kind, targets) },
	}
	m.focus = focusConfirm
	return nil
}

// runBulk executes a bulk plan on the runner and routes the outcome back as
// invalidation plus a popup.
func (m *Model) runBulk(kind bulk.Kind, targets []bulk.Target) {
	queue := m.activeQueue()
	cfg := m.deps.Config
	engine := m.deps.Engine
	events := m.deps.Events

	plan := bulk.Plan{
		Kind:      kind,
		Queue:     queue,
		Selection: targets,
		Reason:    "manually dead-lettered",
	}

	m.browser.ClearSelection()

	m.deps.Runner.ExecuteWithCallbacks(fmt.Sprintf("%s: 0/%d", kind, len(targets)),
		func(ctx context.Context) error {
			opCtx, cancel := context.WithTimeout(ctx, cfg.OperationTimeout())
			defer cancel()

			res, err := engine.Run(opCtx, plan)
			if err != nil {
				return err
			}

			// Vacate everything that reached a terminal state on the
			// broker. Resend without delete leaves originals in place.
			if kind != bulk.KindResend && len(res.Succeeded) > 0 {
				removed := make([]bus.MessageRef, 0, len(res.Succeeded))
				for _, target := range res.Succeeded {
					removed = append(removed, bus.MessageRef{ID: target.ID, Sequence: target.Sequence})
				}
				events.MustPublish(bus.Invalidated{Removed: removed})
			}

			events.MustPublish(outcomePopup(kind, res))
			return nil
		},
		nil,
		func(err error) {
			m.deps.Reporter.Error(bus.Report{
				Component: "bulk",
				Operation: kind.String(),
				Details:   err,
			})
		})
}

func outcomePopup(kind bulk.Kind, res bulk.Result) bus.Popup {
	switch res.Outcome {
	case bulk.OutcomeCompleted:
		return bus.Popup{
			Kind:    bus.PopupSuccess,
			Title:   "Done",
			Message: fmt.Sprintf("%s finished: %d message(s) processed.", kind, len(res.Succeeded)),
		}
	case bulk.OutcomeCancelled:
		return bus.Popup{
			Kind:  bus.PopupWarning,
			Title: "Cancelled",
			Message: fmt.Sprintf("%s cancelled: %d done, %d failed, %d untouched.",
				kind, len(res.Succeeded), len(res.Failed), len(res.CancelledRemaining)),
		}
	case bulk.OutcomeTimedOut:
		return bus.Popup{
			Kind:  bus.PopupWarning,
			Title: "Timed out",
			Message: fmt.Sprintf("%s timed out: %d done, %d failed.",
				kind, len(res.Succeeded), len(res.Failed)),
		}
	default:
		return bus.Popup{
			Kind:  bus.PopupWarning,
			Title: "Partial result",
			Message: fmt.Sprintf("%s: %d done, %d failed.",
				kind, len(res.Succeeded), len(res.Failed)),
		}
	}
}

func (m *Model) fetchStats() tea.Cmd {
	queue := m.queueName
	actor := m.deps.Actor
	events := m.deps.Events

	m.deps.Runner.ExecuteWithCallbacks("Fetching statistics...",
		func(ctx context.Context) error {
			statsCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			stats, err := actor.Stats(statsCtx, queue, false)
			if err != nil {
				return err
			}
			events.MustPublish(bus.StatsUpdated{Queue: queue, Stats: stats})
			return nil
		},
		nil,
		func(err error) {
			m.deps.Reporter.Error(bus.Report{
				Component: "session",
				Operation: "stats",
				Details:   err,
			})
		})
	return nil
}
