// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tasks dispatches background work with loading indicators,
// cancellation, progress updates, and structured error routing. The UI loop
// never blocks: everything that may touch the network runs here.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dawidpereira/quetty/bus"
)

// Outcome is the single terminal state every task must reach.
type Outcome byte

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

// Progress lets a running task re-label its loading indicator mid-flight.
type Progress struct {
	events *bus.Bus
}

// Report updates the loading label.
func (p *Progress) Report(label string) {
	p.events.MustPublish(bus.LoadingProgress{Label: label})
}

// Runner spawns background tasks on a bounded worker pool. Each spawned
// task starts a loading indicator before the work begins and stops it on
// every exit path; exactly one terminal outcome is recorded per task.
type Runner struct {
	events   *bus.Bus
	reporter *bus.Reporter
	logger   *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	nextID  uint64
	cancels map[uint64]context.CancelFunc
	closed  bool
}

// NewRunner creates a runner with the given worker-pool size.
func NewRunner(events *bus.Bus, reporter *bus.Reporter, logger *slog.Logger, workers int) *Runner {
	if workers < 1 {
		workers = 4
	}
	return &Runner{
		events:   events,
		reporter: reporter,
		logger:   logger,
		sem:      make(chan struct{}, workers),
		cancels:  make(map[uint64]context.CancelFunc),
	}
}

// Execute spawns fn with default error routing into the reporter under
// (component, operation).
func (r *Runner) Execute(label, component, operation string, fn func(ctx context.Context) error) {
	r.spawn(label, func(ctx context.Context) error {
		return fn(ctx)
	}, nil, func(err error) {
		r.reporter.Error(bus.Report{
			Component: component,
			Operation: operation,
			Details:   err,
		})
	})
}

// ExecuteWithCallbacks spawns fn with caller-supplied handlers; onError
// supersedes default routing. onSuccess runs only on a clean exit.
func (r *Runner) ExecuteWithCallbacks(label string, fn func(ctx context.Context) error, onSuccess func(), onError func(error)) {
	r.spawn(label, fn, onSuccess, onError)
}

// ExecuteWithProgress spawns fn with a handle for mid-flight progress
// updates. Errors route into the reporter under (component, operation).
func (r *Runner) ExecuteWithProgress(label, component, operation string, fn func(ctx context.Context, p *Progress) error) {
	progress := &Progress{events: r.events}
	r.spawn(label, func(ctx context.Context) error {
		return fn(ctx, progress)
	}, nil, func(err error) {
		r.reporter.Error(bus.Report{
			Component: component,
			Operation: operation,
			Details:   err,
		})
	})
}

func (r *Runner) spawn(label string, fn func(ctx context.Context) error, onSuccess func(), onError func(error)) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.nextID++
	id := r.nextID
	ctx, cancel := context.WithCancel(context.Background())
	r.cancels[id] = cancel
	r.mu.Unlock()

	// Loading starts before the work does, never after.
	r.events.MustPublish(bus.Loading{Label: label})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.cancels, id)
			r.mu.Unlock()
			cancel()
		}()

		r.sem <- struct{}{}
		defer func() { <-r.sem }()

		err := fn(ctx)

		outcome := OutcomeSucceeded
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			outcome = OutcomeCancelled
		default:
			outcome = OutcomeFailed
		}

		// Exactly one terminal event stops the indicator, on every path.
		r.events.MustPublish(bus.LoadingStopped{})

		switch outcome {
		case OutcomeSucceeded:
			if onSuccess != nil {
				onSuccess()
			}
		case OutcomeFailed:
			if onError != nil {
				onError(err)
			}
		case OutcomeCancelled:
			r.logger.Debug("task cancelled", "label", label)
		}
	}()
}

// CancelAll cancels every running task. Tasks observe cancellation at their
// next suspension point and may clean up before exiting.
func (r *Runner) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.cancels {
		cancel()
	}
}

// Shutdown cancels all tasks and waits for them to drain.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	r.closed = true
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
