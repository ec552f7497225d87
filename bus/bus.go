// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import "context"

// DefaultCapacity is the bus depth used when none is configured.
const DefaultCapacity = 256

// Bus is a bounded event channel between background tasks and the UI loop.
type Bus struct {
	ch chan Event
}

// New creates a bus with the given capacity, or DefaultCapacity when
// capacity is not positive.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{ch: make(chan Event, capacity)}
}

// Publish enqueues an event, blocking while the bus is full. If ctx is done
// before space frees up the event is dropped and the context error returned;
// callers publishing terminal events pass context.Background().
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MustPublish enqueues an event, blocking until space is available. Used for
// terminal events that must not be lost.
func (b *Bus) MustPublish(ev Event) {
	b.ch <- ev
}

// Events exposes the receive side for the UI loop's select.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// TryRecv drains one event without blocking. ok is false when the bus is
// empty.
func (b *Bus) TryRecv() (Event, bool) {
	select {
	case ev := <-b.ch:
		return ev, true
	default:
		return nil, false
	}
}
