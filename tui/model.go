// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tui renders the terminal frontend: a keyboard-driven message
// table plus content pane over the core's event bus. The Update loop is
// single-threaded and performs no blocking I/O; every broker-touching
// action goes through the task runner and comes back as a bus event.
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dawidpereira/quetty/browser"
	"github.com/dawidpereira/quetty/bulk"
	"github.com/dawidpereira/quetty/bus"
	"github.com/dawidpereira/quetty/config"
	"github.com/dawidpereira/quetty/servicebus"
	"github.com/dawidpereira/quetty/session"
	"github.com/dawidpereira/quetty/tasks"
)

// focus selects which surface owns key input.
type focus byte

const (
	focusQueuePicker focus = iota
	focusMessages
	focusContent
	focusPopup
	focusConfirm
	focusDeviceCode
)

// busMsg wraps a core event for the bubbletea loop.
type busMsg struct {
	ev bus.Event
}

// tickMsg drives the spinner animation.
type tickMsg time.Time

// queuesLoadedMsg delivers the discovery result.
type queuesLoadedMsg struct {
	queues []string
	err    error
}

// pendingConfirm is an action awaiting user confirmation.
type pendingConfirm struct {
	prompt string
	run    func()
}

// Deps wires the core into the frontend.
type Deps struct {
	Config   *config.Config
	Keys     config.KeyMap
	Actor    *session.Actor
	Engine   *bulk.Engine
	Runner   *tasks.Runner
	Events   *bus.Bus
	Reporter *bus.Reporter
	Mgmt     servicebus.Management
	Logger   *slog.Logger
}

// Model is the bubbletea application state.
type Model struct {
	deps Deps

	width  int
	height int
	focus  focus

	// Queue discovery.
	queues      []string
	queueCursor int

	// Browsing state. The browser is mutated only from Update, in response
	// to actor replies arriving as bus events.
	browser   *browser.Browser
	activeSub servicebus.SubQueue
	queueName string
	rowCursor int

	stats    *servicebus.QueueStats
	loading  int
	frame    int
	loadText string

	popup   *bus.Popup
	confirm *pendingConfirm

	deviceCode *bus.DeviceCodePending

	quitting bool
}

// New builds the initial model.
func New(deps Deps) *Model {
	return &Model{
		deps: deps,
		browser: browser.New(
			deps.Config.PageSize,
			deps.Config.MaxMessagesToProcess,
		),
		focus: focusQueuePicker,
	}
}

// Run starts the program and blocks until exit.
func Run(deps Deps) error {
	program := tea.NewProgram(New(deps), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.waitForEvent(),
		m.tick(),
		m.loadQueues(),
	)
}

// waitForEvent bridges the bounded core bus into the tea loop. It re-arms
// after every received event.
func (m *Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		return busMsg{ev: <-m.deps.Events.Events()}
	}
}

func (m *Model) tick() tea.Cmd {
	interval := m.deps.Config.TickInterval()
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) loadQueues() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		queues, err := m.deps.Mgmt.ListQueues(ctx, m.deps.Config.AzureAd.Namespace)
		return queuesLoadedMsg{queues: queues, err: err}
	}
}

// activeQueue returns the identity currently browsed.
func (m *Model) activeQueue() servicebus.QueueIdentity {
	return servicebus.QueueIdentity{Name: m.queueName, SubQueue: m.activeSub}
}

// currentRow returns the message under the cursor.
func (m *Model) currentRow() *servicebus.Message {
	page := m.browser.Current()
	if page == nil || m.rowCursor < 0 || m.rowCursor >= len(page.Messages) {
		return nil
	}
	return &page.Messages[m.rowCursor]
}

func (m *Model) clampCursor() {
	page := m.browser.Current()
	if page == nil || len(page.Messages) == 0 {
		m.rowCursor = 0
		return
	}
	if m.rowCursor >= len(page.Messages) {
		m.rowCursor = len(page.Messages) - 1
	}
	if m.rowCursor < 0 {
		m.rowCursor = 0
	}
}

// fetch issues the browser's outstanding page request through the actor.
func (m *Model) fetch(req *browser.FetchRequest) tea.Cmd {
	if req == nil {
		return nil
	}
	timeout := m.deps.Config.PollTimeout()
	reply := m.deps.Actor.PeekPage(req.FromSequence, req.PageSize, timeout)
	events := m.deps.Events

	m.deps.Runner.ExecuteWithCallbacks("Loading messages...",
		func(ctx context.Context) error {
			select {
			case res := <-reply:
				if res.Err != nil {
					return res.Err
				}
				events.MustPublish(bus.PageLoaded{
					PageIndex: -1, // assigned by the browser on apply
					Items:     res.Messages,
					Terminal:  res.Terminal,
				})
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		nil,
		func(err error) {
			events.MustPublish(bus.PageLoadFailed{})
			m.deps.Reporter.Error(bus.Report{
				Component: "session",
				Operation: "peek",
				Details:   err,
			})
		})
	return nil
}

// switchTo re-targets the actor and refreshes the browser.
func (m *Model) switchTo(queue servicebus.QueueIdentity) tea.Cmd {
	m.queueName = queue.Name
	m.activeSub = queue.SubQueue
	m.rowCursor = 0
	m.browser.ClearSelection()
	m.stats = nil

	reply := m.deps.Actor.SwitchQueue(queue)
	events := m.deps.Events

	m.deps.Runner.ExecuteWithCallbacks(fmt.Sprintf("Opening %s...", queue),
		func(ctx context.Context) error {
			select {
			case err := <-reply:
				if err != nil {
					return err
				}
				events.MustPublish(bus.QueueSwitched{Queue: queue})
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		nil,
		func(err error) {
			m.deps.Reporter.Error(bus.Report{
				Component: "session",
				Operation: "switch_queue",
				Details:   err,
			})
		})
	return nil
}
