// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bulk_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dawidpereira/quetty/bulk"
	"github.com/dawidpereira/quetty/bus"
	"github.com/dawidpereira/quetty/servicebus"
	"github.com/dawidpereira/quetty/servicebus/mock"
	"github.com/dawidpereira/quetty/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	broker *mock.Broker
	actor  *session.Actor
	engine *bulk.Engine
	events *bus.Bus
}

func newHarness(t *testing.T, limits bulk.Limits) *harness {
	t.Helper()
	broker := mock.New()
	actor := session.New(broker, broker, session.Config{PollTimeout: time.Second}, slog.Default())
	t.Cleanup(actor.Close)

	events := bus.New(1024)
	return &harness{
		broker: broker,
		actor:  actor,
		engine: bulk.NewEngine(actor, limits, events, slog.Default()),
		events: events,
	}
}

func defaultLimits() bulk.Limits {
	return bulk.Limits{
		MaxBatchSize:         10,
		MaxMessagesToProcess: 100,
		MaxAttempts:          3,
		RetryDelay:           5 * time.Millisecond,
		ReceiveTimeout:       time.Second,
		SendTimeout:          time.Second,
		OperationTimeout:     10 * time.Second,
	}
}

func (h *harness) connect(t *testing.T, queue servicebus.QueueIdentity) {
	t.Helper()
	require.NoError(t, <-h.actor.SwitchQueue(queue))
}

func targetsFor(msgs []servicebus.Message) []bulk.Target {
	out := make([]bulk.Target, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, bulk.Target{ID: m.ID, Sequence: m.Sequence})
	}
	return out
}

func (h *harness) peekAll(t *testing.T, queue servicebus.QueueIdentity) []servicebus.Message {
	t.Helper()
	msgs, err := h.broker.Peek(context.Background(), queue, 0, 1000, time.Second)
	require.NoError(t, err)
	return msgs
}

func (h *harness) drainProgress() []bus.BulkProgress {
	var out []bus.BulkProgress
	for {
		ev, ok := h.events.TryRecv()
		if !ok {
			return out
		}
		if p, isProgress := ev.(bus.BulkProgress); isProgress {
			out = append(out, p)
		}
	}
}

func TestDeleteOne(t *testing.T) {
	h := newHarness(t, defaultLimits())
	queue := servicebus.MainQueue("orders")
	h.broker.Seed(queue, "a", "b", "c")
	h.connect(t, queue)

	msgs := h.peekAll(t, queue)
	target := bulk.Target{ID: msgs[0].ID, Sequence: msgs[0].Sequence}

	res, err := h.engine.DeleteOne(context.Background(), queue, target, time.Second)
	require.NoError(t, err)

	assert.Equal(t, bulk.OutcomeCompleted, res.Outcome)
	assert.Equal(t, []bulk.Target{target}, res.Succeeded)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 2, h.broker.Count(queue), "only the targeted message is deleted")
}

func TestUnwantedLeasesAreAbandoned(t *testing.T) {
	h := newHarness(t, defaultLimits())
	queue := servicebus.MainQueue("orders")
	h.broker.Seed(queue, "a", "b", "c")
	h.connect(t, queue)

	msgs := h.peekAll(t, queue)
	// Target the last message. The receive budget is capped at the one
	// remaining target, so the others are leased one per round ahead of it;
	// they must be put back promptly.
	res, err := h.engine.Run(context.Background(), bulk.Plan{
		Kind:      bulk.KindDelete,
		Queue:     queue,
		Selection: []bulk.Target{{ID: msgs[2].ID, Sequence: msgs[2].Sequence}},
		BatchSize: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, bulk.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 2, h.broker.Count(queue))

	// The abandoned messages are immediately receivable again.
	leased, err := h.actor.ReceiveBatch(context.Background(), 3, time.Second)
	require.NoError(t, err)
	assert.Len(t, leased, 2)
	for _, m := range leased {
		require.NoError(t, h.actor.Abandon(context.Background(), m.LockToken))
	}
}

func TestBulkDeleteAll(t *testing.T) {
	h := newHarness(t, defaultLimits())
	queue := servicebus.MainQueue("orders")
	h.broker.Seed(queue, "a", "b", "c", "d", "e")
	h.connect(t, queue)

	selection := targetsFor(h.peekAll(t, queue))
	res, err := h.engine.Run(context.Background(), bulk.Plan{
		Kind:      bulk.KindDelete,
		Queue:     queue,
		Selection: selection,
		BatchSize: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, bulk.OutcomeCompleted, res.Outcome)
	assert.Len(t, res.Succeeded, 5)
	assert.Equal(t, 0, h.broker.Count(queue))
	assert.Equal(t, len(selection), res.Total(), "partition covers the selection")
}

func TestPartialFailureWhenPairNeverSurfaces(t *testing.T) {
	h := newHarness(t, defaultLimits())
	queue := servicebus.MainQueue("orders")
	h.broker.Seed(queue, "a", "b", "c", "d", "e")
	h.connect(t, queue)

	selection := targetsFor(h.peekAll(t, queue))
	// Another client already removed one selected message.
	require.True(t, h.broker.Remove(queue, selection[2].Sequence))

	res, err := h.engine.Run(context.Background(), bulk.Plan{
		Kind:      bulk.KindDelete,
		Queue:     queue,
		Selection: selection,
	})
	require.NoError(t, err)

	assert.Equal(t, bulk.OutcomePartiallyFailed, res.Outcome)
	assert.Len(t, res.Succeeded, 4)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, selection[2], res.Failed[0])
	assert.Equal(t, len(selection), res.Total())

	// Progress counts are monotonically non-decreasing.
	progress := h.drainProgress()
	require.NotEmpty(t, progress)
	prev := 0
	for _, p := range progress {
		require.GreaterOrEqual(t, p.Processed, prev)
		prev = p.Processed
		assert.Equal(t, 5, p.Total)
	}
}

func TestBulkDeadLetter(t *testing.T) {
	h := newHarness(t, defaultLimits())
	queue := servicebus.MainQueue("orders")
	h.broker.Seed(queue, "poison1", "poison2")
	h.connect(t, queue)

	selection := targetsFor(h.peekAll(t, queue))
	res, err := h.engine.Run(context.Background(), bulk.Plan{
		Kind:        bulk.KindDeadLetter,
		Queue:       queue,
		Selection:   selection,
		Reason:      "manual",
		Description: "operator initiated",
	})
	require.NoError(t, err)

	assert.Equal(t, bulk.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 0, h.broker.Count(queue))

	dlq := h.peekAll(t, servicebus.DeadLetterQueue("orders"))
	require.Len(t, dlq, 2)
	assert.Equal(t, "manual", dlq[0].DeadLetterReason)
}

func TestResendAndDeleteFromDLQ(t *testing.T) {
	h := newHarness(t, defaultLimits())
	dlq := servicebus.DeadLetterQueue("orders")
	h.broker.Seed(dlq, "retry-me")
	h.connect(t, dlq)

	selection := targetsFor(h.peekAll(t, dlq))
	res, err := h.engine.Run(context.Background(), bulk.Plan{
		Kind:      bulk.KindResendAndDelete,
		Queue:     dlq,
		Selection: selection,
	})
	require.NoError(t, err)

	assert.Equal(t, bulk.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 0, h.broker.Count(dlq), "original removed from the DLQ")

	main := h.peekAll(t, servicebus.MainQueue("orders"))
	require.Len(t, main, 1, "copy lands on the sibling main queue")
	assert.Equal(t, "retry-me", string(main[0].Body))
}

func TestResendKeepsOriginalOnAbandon(t *testing.T) {
	h := newHarness(t, defaultLimits())
	dlq := servicebus.DeadLetterQueue("orders")
	h.broker.Seed(dlq, "copy-me")
	h.connect(t, dlq)

	selection := targetsFor(h.peekAll(t, dlq))
	res, err := h.engine.Run(context.Background(), bulk.Plan{
		Kind:      bulk.KindResend,
		Queue:     dlq,
		Selection: selection,
	})
	require.NoError(t, err)

	assert.Equal(t, bulk.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 1, h.broker.Count(dlq), "abandon keeps the original on the DLQ")
	assert.Equal(t, 1, h.broker.Count(servicebus.MainQueue("orders")))

	// The lease and abandon of the original counted as one delivery.
	after := h.peekAll(t, dlq)
	assert.Equal(t, 1, after[0].DeliveryCount)
}

func TestResendSendFailureCountsAsFailed(t *testing.T) {
	h := newHarness(t, defaultLimits())
	dlq := servicebus.DeadLetterQueue("orders")
	h.broker.Seed(dlq, "stuck")
	h.connect(t, dlq)

	selection := targetsFor(h.peekAll(t, dlq))
	h.broker.FailNext("send", servicebus.NewError(servicebus.CodeTransient, "send", "orders", nil))

	res, err := h.engine.Run(context.Background(), bulk.Plan{
		Kind:      bulk.KindResendAndDelete,
		Queue:     dlq,
		Selection: selection,
	})
	require.NoError(t, err)

	assert.Equal(t, bulk.OutcomePartiallyFailed, res.Outcome)
	assert.Len(t, res.Failed, 1)
	assert.Equal(t, 1, h.broker.Count(dlq), "failed send abandons the original")
	assert.Equal(t, 0, h.broker.Count(servicebus.MainQueue("orders")))
}

func TestLockLostCountsSingleFailureAndContinues(t *testing.T) {
	h := newHarness(t, defaultLimits())
	queue := servicebus.MainQueue("orders")
	h.broker.Seed(queue, "a", "b")
	h.connect(t, queue)

	selection := targetsFor(h.peekAll(t, queue))
	h.broker.FailNext("complete", servicebus.NewError(servicebus.CodeLockLost, "complete", "orders", nil))

	res, err := h.engine.Run(context.Background(), bulk.Plan{
		Kind:      bulk.KindDelete,
		Queue:     queue,
		Selection: selection,
		BatchSize: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, bulk.OutcomePartiallyFailed, res.Outcome)
	assert.Len(t, res.Failed, 1)
	assert.Len(t, res.Succeeded, 1, "the operation continues past lock loss")
}

func TestCancellationPartitionsSelection(t *testing.T) {
	limits := defaultLimits()
	limits.RetryDelay = 50 * time.Millisecond
	h := newHarness(t, limits)
	queue := servicebus.MainQueue("orders")
	h.broker.Seed(queue, "a", "b")
	h.connect(t, queue)

	selection := targetsFor(h.peekAll(t, queue))
	// One pair will never surface, forcing retry rounds we can cancel.
	require.True(t, h.broker.Remove(queue, selection[1].Sequence))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	res, err := h.engine.Run(ctx, bulk.Plan{
		Kind:      bulk.KindDelete,
		Queue:     queue,
		Selection: selection,
	})
	require.NoError(t, err)

	assert.Equal(t, bulk.OutcomeCancelled, res.Outcome)
	assert.Equal(t, len(selection), res.Total(),
		"succeeded + failed + cancelled_remaining partitions the selection")
	assert.NotEmpty(t, res.CancelledRemaining)
}

func TestOverallTimeoutYieldsTimedOut(t *testing.T) {
	limits := defaultLimits()
	limits.RetryDelay = 20 * time.Millisecond
	h := newHarness(t, limits)
	queue := servicebus.MainQueue("orders")
	h.broker.Seed(queue, "a")
	h.connect(t, queue)

	selection := targetsFor(h.peekAll(t, queue))
	require.True(t, h.broker.Remove(queue, selection[0].Sequence))

	res, err := h.engine.Run(context.Background(), bulk.Plan{
		Kind:           bulk.KindDelete,
		Queue:          queue,
		Selection:      selection,
		OverallTimeout: 40 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, bulk.OutcomeTimedOut, res.Outcome)
	assert.Len(t, res.Failed, 1)
	assert.Equal(t, len(selection), res.Total())
}

func TestPolicyViolationsRejectBeforeIO(t *testing.T) {
	limits := defaultLimits()
	limits.MaxMessagesToProcess = 2
	h := newHarness(t, limits)
	queue := servicebus.MainQueue("orders")
	// Deliberately not connected: rejection must happen before any broker
	// traffic.

	tests := []struct {
		name string
		plan bulk.Plan
	}{
		{"empty selection", bulk.Plan{Kind: bulk.KindDelete, Queue: queue}},
		{"selection too large", bulk.Plan{
			Kind:  bulk.KindDelete,
			Queue: queue,
			Selection: []bulk.Target{
				{ID: "a", Sequence: 1}, {ID: "b", Sequence: 2}, {ID: "c", Sequence: 3},
			},
		}},
		{"batch too large", bulk.Plan{
			Kind:      bulk.KindDelete,
			Queue:     queue,
			Selection: []bulk.Target{{ID: "a", Sequence: 1}},
			BatchSize: 1000,
		}},
		{"duplicate pair", bulk.Plan{
			Kind:      bulk.KindDelete,
			Queue:     queue,
			Selection: []bulk.Target{{ID: "a", Sequence: 1}, {ID: "a", Sequence: 1}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Run(context.Background(), tt.plan)
			assert.ErrorIs(t, err, bulk.ErrPolicyViolation)
		})
	}
}

func TestSendBulkBatches(t *testing.T) {
	limits := defaultLimits()
	limits.MaxBatchSize = 3
	h := newHarness(t, limits)
	queue := servicebus.MainQueue("orders")
	h.connect(t, queue)

	sent, err := h.engine.SendBulk(context.Background(), bulk.SendPlan{
		Queue: queue,
		Body:  []byte(`{"n":1}`),
		Count: 7,
	})
	require.NoError(t, err)

	assert.Equal(t, 7, sent)
	assert.Equal(t, 7, h.broker.Count(queue))

	// Progress is reported per batch: ceil(7/3) = 3 events.
	progress := h.drainProgress()
	require.Len(t, progress, 3)
	assert.Equal(t, 3, progress[0].Processed)
	assert.Equal(t, 7, progress[2].Processed)
}
