// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mock provides an in-memory broker implementing the servicebus
// capability set. It backs unit tests and the --demo mode: messages live in
// sequence-ordered per-queue stores, receives take bounded leases, and
// settles behave like the real broker (lock expiry, DLQ moves, delivery
// counts).
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dawidpereira/quetty/servicebus"
	"github.com/google/uuid"
)

// Broker is an in-memory servicebus.Client plus Management implementation.
type Broker struct {
	mu      sync.Mutex
	queues  map[string][]*storedMessage // wire name -> ascending by sequence
	leases  map[string]*lease           // lock token -> lease
	nextSeq map[string]int64            // logical queue name -> next sequence

	lockDuration time.Duration
	closed       bool

	// FailNext, when set, makes the next matching operation fail with the
	// given error and then clears itself. Used to script failures in tests.
	failMu   sync.Mutex
	failOp   string
	failWith error
}

type storedMessage struct {
	msg    servicebus.Message
	leased bool
}

type lease struct {
	queue   servicebus.QueueIdentity
	stored  *storedMessage
	expires time.Time
}

// New creates an empty mock broker with a 30 second lock duration.
func New() *Broker {
	return &Broker{
		queues:       make(map[string][]*storedMessage),
		leases:       make(map[string]*lease),
		nextSeq:      make(map[string]int64),
		lockDuration: 30 * time.Second,
	}
}

// SetLockDuration overrides the simulated lock window.
func (b *Broker) SetLockDuration(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lockDuration = d
}

// Seed enqueues bodies on the queue, assigning sequence numbers in order.
// Returns the assigned sequences.
func (b *Broker) Seed(queue servicebus.QueueIdentity, bodies ...string) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	seqs := make([]int64, 0, len(bodies))
	for _, body := range bodies {
		seq := b.assignSeq(queue.Name)
		b.queues[queue.WireName()] = append(b.queues[queue.WireName()], &storedMessage{
			msg: servicebus.Message{
				ID:         uuid.NewString(),
				Sequence:   seq,
				EnqueuedAt: time.Now(),
				State:      stateFor(queue),
				Body:       []byte(body),
			},
		})
		seqs = append(seqs, seq)
	}
	return seqs
}

// SeedMessages enqueues fully-formed messages, preserving their IDs but
// assigning fresh sequence numbers.
func (b *Broker) SeedMessages(queue servicebus.QueueIdentity, msgs ...servicebus.Message) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	seqs := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		m.Sequence = b.assignSeq(queue.Name)
		m.State = stateFor(queue)
		if m.EnqueuedAt.IsZero() {
			m.EnqueuedAt = time.Now()
		}
		b.queues[queue.WireName()] = append(b.queues[queue.WireName()], &storedMessage{msg: m})
		seqs = append(seqs, m.Sequence)
	}
	return seqs
}

// Remove deletes a message by sequence, simulating another client settling
// it out from under us.
func (b *Broker) Remove(queue servicebus.QueueIdentity, sequence int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	wire := queue.WireName()
	for i, sm := range b.queues[wire] {
		if sm.msg.Sequence == sequence {
			b.queues[wire] = append(b.queues[wire][:i], b.queues[wire][i+1:]...)
			return true
		}
	}
	return false
}

// Count returns how many messages sit on the queue.
func (b *Broker) Count(queue servicebus.QueueIdentity) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue.WireName()])
}

// FailNext arranges for the next call of op (peek, receive, complete,
// abandon, dead_letter, send) to return err.
func (b *Broker) FailNext(op string, err error) {
	b.failMu.Lock()
	defer b.failMu.Unlock()
	b.failOp = op
	b.failWith = err
}

func (b *Broker) takeFailure(op string) error {
	b.failMu.Lock()
	defer b.failMu.Unlock()
	if b.failOp == op {
		err := b.failWith
		b.failOp, b.failWith = "", nil
		return err
	}
	return nil
}

func (b *Broker) assignSeq(name string) int64 {
	b.nextSeq[name]++
	return b.nextSeq[name]
}

func stateFor(q servicebus.QueueIdentity) servicebus.MessageState {
	if q.IsDeadLetter() {
		return servicebus.StateDeadLettered
	}
	return servicebus.StateActive
}

// Peek implements servicebus.Client.
func (b *Broker) Peek(ctx context.Context, queue servicebus.QueueIdentity, fromSequence int64, maxCount int, _ time.Duration) ([]servicebus.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, servicebus.NewError(servicebus.CodeTimeout, "peek", queue.Name, err)
	}
	if err := b.takeFailure("peek"); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, servicebus.ErrClientClosed
	}

	out := make([]servicebus.Message, 0, maxCount)
	for _, sm := range b.queues[queue.WireName()] {
		if sm.msg.Sequence < fromSequence {
			continue
		}
		out = append(out, sm.msg)
		if len(out) == maxCount {
			break
		}
	}
	return out, nil
}

// Receive implements servicebus.Client. Leases are taken over unleased
// messages, lowest delivery count first and then in sequence order; expired
// leases are reclaimed first.
func (b *Broker) Receive(ctx context.Context, queue servicebus.QueueIdentity, maxCount int, _ time.Duration) ([]servicebus.LeasedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, servicebus.NewError(servicebus.CodeTimeout, "receive", queue.Name, err)
	}
	if err := b.takeFailure("receive"); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, servicebus.ErrClientClosed
	}
	b.reclaimExpired()

	// Undelivered messages are leased before previously abandoned ones,
	// mirroring broker prefetch behavior; within a delivery tier, sequence
	// order wins.
	candidates := make([]*storedMessage, 0, maxCount)
	for _, sm := range b.queues[queue.WireName()] {
		if !sm.leased {
			candidates = append(candidates, sm)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].msg.DeliveryCount != candidates[j].msg.DeliveryCount {
			return candidates[i].msg.DeliveryCount < candidates[j].msg.DeliveryCount
		}
		return candidates[i].msg.Sequence < candidates[j].msg.Sequence
	})

	now := time.Now()
	out := make([]servicebus.LeasedMessage, 0, maxCount)
	for _, sm := range candidates {
		sm.leased = true
		sm.msg.DeliveryCount++

		token := uuid.NewString()
		until := now.Add(b.lockDuration)
		b.leases[token] = &lease{queue: queue, stored: sm, expires: until}

		out = append(out, servicebus.LeasedMessage{
			Message:     sm.msg,
			LockToken:   token,
			LockedUntil: until,
		})
		if len(out) == maxCount {
			break
		}
	}
	return out, nil
}

func (b *Broker) reclaimExpired() {
	now := time.Now()
	for token, l := range b.leases {
		if now.After(l.expires) {
			l.stored.leased = false
			delete(b.leases, token)
		}
	}
}

func (b *Broker) takeLease(op, token string) (*lease, error) {
	b.reclaimExpired()
	l, ok := b.leases[token]
	if !ok {
		return nil, servicebus.NewError(servicebus.CodeLockLost, op, "", nil)
	}
	delete(b.leases, token)
	return l, nil
}

// Complete implements servicebus.Client.
func (b *Broker) Complete(ctx context.Context, lockToken string) error {
	if err := ctx.Err(); err != nil {
		return servicebus.NewError(servicebus.CodeTimeout, "complete", "", err)
	}
	if err := b.takeFailure("complete"); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	l, err := b.takeLease("complete", lockToken)
	if err != nil {
		return err
	}

	wire := l.queue.WireName()
	for i, sm := range b.queues[wire] {
		if sm == l.stored {
			b.queues[wire] = append(b.queues[wire][:i], b.queues[wire][i+1:]...)
			break
		}
	}
	return nil
}

// Abandon implements servicebus.Client.
func (b *Broker) Abandon(ctx context.Context, lockToken string) error {
	if err := ctx.Err(); err != nil {
		return servicebus.NewError(servicebus.CodeTimeout, "abandon", "", err)
	}
	if err := b.takeFailure("abandon"); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	l, err := b.takeLease("abandon", lockToken)
	if err != nil {
		return err
	}
	l.stored.leased = false
	return nil
}

// DeadLetter implements servicebus.Client: moves the leased message onto the
// queue's DLQ with a fresh sequence number and annotations.
func (b *Broker) DeadLetter(ctx context.Context, lockToken string, reason, description string) error {
	if err := ctx.Err(); err != nil {
		return servicebus.NewError(servicebus.CodeTimeout, "dead_letter", "", err)
	}
	if err := b.takeFailure("dead_letter"); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	l, err := b.takeLease("dead_letter", lockToken)
	if err != nil {
		return err
	}

	wire := l.queue.WireName()
	for i, sm := range b.queues[wire] {
		if sm == l.stored {
			b.queues[wire] = append(b.queues[wire][:i], b.queues[wire][i+1:]...)
			break
		}
	}

	moved := l.stored.msg
	moved.Sequence = b.assignSeq(l.queue.Name)
	moved.State = servicebus.StateDeadLettered
	moved.DeadLetterReason = reason
	moved.DeadLetterDescription = description

	dlq := servicebus.DeadLetterQueue(l.queue.Name)
	b.queues[dlq.WireName()] = append(b.queues[dlq.WireName()], &storedMessage{msg: moved})
	return nil
}

// RenewLock implements servicebus.Client.
func (b *Broker) RenewLock(ctx context.Context, lockToken string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, servicebus.NewError(servicebus.CodeTimeout, "renew_lock", "", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.reclaimExpired()
	l, ok := b.leases[lockToken]
	if !ok {
		return time.Time{}, servicebus.NewError(servicebus.CodeLockLost, "renew_lock", "", nil)
	}
	l.expires = time.Now().Add(b.lockDuration)
	return l.expires, nil
}

// Send implements servicebus.Client.
func (b *Broker) Send(ctx context.Context, queue servicebus.QueueIdentity, batch []servicebus.OutgoingMessage) error {
	if err := ctx.Err(); err != nil {
		return servicebus.NewError(servicebus.CodeTimeout, "send", queue.Name, err)
	}
	if len(batch) == 0 {
		return servicebus.ErrEmptyBatch
	}
	if err := b.takeFailure("send"); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return servicebus.ErrClientClosed
	}

	for _, out := range batch {
		id := out.ID
		if id == "" {
			id = uuid.NewString()
		}
		b.queues[queue.WireName()] = append(b.queues[queue.WireName()], &storedMessage{
			msg: servicebus.Message{
				ID:         id,
				Sequence:   b.assignSeq(queue.Name),
				EnqueuedAt: time.Now(),
				State:      stateFor(queue),
				Body:       out.Body,
			},
		})
	}
	return nil
}

// Close implements servicebus.Client.
func (b *Broker) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// ListNamespaces implements servicebus.Management.
func (b *Broker) ListNamespaces(context.Context) ([]servicebus.NamespaceInfo, error) {
	return []servicebus.NamespaceInfo{{ID: "/demo", Name: "demo", Endpoint: "sb://demo.local/"}}, nil
}

// ListQueues implements servicebus.Management: logical queue names that have
// ever held a message, main or DLQ, including ones that are now empty.
func (b *Broker) ListQueues(context.Context, string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make(map[string]struct{})
	for name := range b.nextSeq {
		names[name] = struct{}{}
	}
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// QueueStats implements servicebus.Management.
func (b *Broker) QueueStats(_ context.Context, queue string) (servicebus.QueueStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return servicebus.QueueStats{
		Active:     int64(len(b.queues[servicebus.MainQueue(queue).WireName()])),
		DeadLetter: int64(len(b.queues[servicebus.DeadLetterQueue(queue).WireName()])),
	}, nil
}
