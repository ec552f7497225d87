// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mock

import (
	"context"
	"testing"
	"time"

	"github.com/dawidpereira/quetty/servicebus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeekIsNonDestructive(t *testing.T) {
	b := New()
	queue := servicebus.MainQueue("orders")
	b.Seed(queue, "a", "b", "c")

	ctx := context.Background()
	first, err := b.Peek(ctx, queue, 0, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, first, 3)

	again, err := b.Peek(ctx, queue, 0, 10, time.Second)
	require.NoError(t, err)
	assert.Len(t, again, 3)

	// Sequence floor filters.
	tail, err := b.Peek(ctx, queue, first[1].Sequence, 10, time.Second)
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	// Delivery count untouched by peek.
	assert.Equal(t, 0, first[0].DeliveryCount)
}

func TestReceiveLeasesAndSettles(t *testing.T) {
	b := New()
	queue := servicebus.MainQueue("orders")
	b.Seed(queue, "a", "b")
	ctx := context.Background()

	leased, err := b.Receive(ctx, queue, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, 1, leased[0].DeliveryCount)

	// A leased message is invisible to a second receive.
	second, err := b.Receive(ctx, queue, 2, time.Second)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, leased[0].Sequence, second[0].Sequence)

	require.NoError(t, b.Complete(ctx, leased[0].LockToken))
	assert.Equal(t, 1, b.Count(queue))

	// Settling twice is lock loss.
	err = b.Complete(ctx, leased[0].LockToken)
	assert.True(t, servicebus.IsLockLost(err))

	// Abandon puts the message back.
	require.NoError(t, b.Abandon(ctx, second[0].LockToken))
	assert.Equal(t, 1, b.Count(queue))
}

func TestDeadLetterMovesToSubQueue(t *testing.T) {
	b := New()
	queue := servicebus.MainQueue("orders")
	b.Seed(queue, "poison")
	ctx := context.Background()

	leased, err := b.Receive(ctx, queue, 1, time.Second)
	require.NoError(t, err)
	require.NoError(t, b.DeadLetter(ctx, leased[0].LockToken, "bad", "unparseable"))

	assert.Equal(t, 0, b.Count(queue))

	dlq := servicebus.DeadLetterQueue("orders")
	msgs, err := b.Peek(ctx, dlq, 0, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "bad", msgs[0].DeadLetterReason)
	assert.Equal(t, servicebus.StateDeadLettered, msgs[0].State)
	// The DLQ copy gets a fresh, larger sequence.
	assert.Greater(t, msgs[0].Sequence, leased[0].Sequence)
}

func TestLockExpiryReclaims(t *testing.T) {
	b := New()
	b.SetLockDuration(10 * time.Millisecond)
	queue := servicebus.MainQueue("orders")
	b.Seed(queue, "a")
	ctx := context.Background()

	leased, err := b.Receive(ctx, queue, 1, time.Second)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// The lease expired: the message is receivable again and the old token
	// is dead.
	again, err := b.Receive(ctx, queue, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].DeliveryCount)

	err = b.Complete(ctx, leased[0].LockToken)
	assert.True(t, servicebus.IsLockLost(err))
}

func TestSendAssignsAscendingSequences(t *testing.T) {
	b := New()
	queue := servicebus.MainQueue("orders")
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, queue, []servicebus.OutgoingMessage{
		{Body: []byte("1")}, {Body: []byte("2")},
	}))

	msgs, err := b.Peek(ctx, queue, 0, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Less(t, msgs[0].Sequence, msgs[1].Sequence)
}
