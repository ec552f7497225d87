// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dawidpereira/quetty/bus"
	"github.com/dawidpereira/quetty/servicebus"
	"github.com/google/uuid"
)

// SendPlan composes count copies of one message body onto a queue.
type SendPlan struct {
	Queue servicebus.QueueIdentity
	Body  []byte
	Count int
}

// SendBulk enqueues the composed copies in batches of at most
// max_batch_size, reporting progress per batch. Returns how many messages
// were durably accepted; on error the count covers the batches that made it.
func (e *Engine) SendBulk(ctx context.Context, plan SendPlan) (int, error) {
	if plan.Count < 1 {
		return 0, fmt.Errorf("%w: send count must be positive", ErrPolicyViolation)
	}
	if plan.Count > e.limits.MaxMessagesToProcess {
		return 0, fmt.Errorf("%w: send count %d exceeds max_messages_to_process %d",
			ErrPolicyViolation, plan.Count, e.limits.MaxMessagesToProcess)
	}

	deadline := time.Now().Add(e.limits.OperationTimeout)
	sent := 0
	for sent < plan.Count {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if time.Now().After(deadline) {
			return sent, fmt.Errorf("send bulk timed out after %d of %d messages", sent, plan.Count)
		}

		size := plan.Count - sent
		if size > e.limits.MaxBatchSize {
			size = e.limits.MaxBatchSize
		}

		batch := make([]servicebus.OutgoingMessage, size)
		for i := range batch {
			batch[i] = servicebus.OutgoingMessage{
				ID:   uuid.NewString(),
				Body: plan.Body,
			}
		}

		if err := e.actor.SendBatch(ctx, plan.Queue, batch, e.limits.SendTimeout); err != nil {
			e.logger.Error("send bulk batch failed",
				slog.Int("sent", sent), slog.Int("total", plan.Count),
				slog.String("error", err.Error()))
			return sent, err
		}
		sent += size

		e.events.MustPublish(bus.BulkProgress{
			Processed: sent,
			Total:     plan.Count,
			Phase:     "send",
		})
	}
	return sent, nil
}

// DeleteOne, DeadLetterOne, and ResendOne run single-message operations as
// one-element plans so they share the find-then-settle machinery and the
// actor's single-writer path.

// DeleteOne deletes one message by identity.
func (e *Engine) DeleteOne(ctx context.Context, queue servicebus.QueueIdentity, target Target, timeout time.Duration) (Result, error) {
	return e.Run(ctx, Plan{
		Kind:           KindDelete,
		Queue:          queue,
		Selection:      []Target{target},
		BatchSize:      1,
		AttemptTimeout: timeout,
	})
}

// DeadLetterOne dead-letters one message by identity.
func (e *Engine) DeadLetterOne(ctx context.Context, queue servicebus.QueueIdentity, target Target, reason, description string, timeout time.Duration) (Result, error) {
	return e.Run(ctx, Plan{
		Kind:           KindDeadLetter,
		Queue:          queue,
		Selection:      []Target{target},
		BatchSize:      1,
		AttemptTimeout: timeout,
		Reason:         reason,
		Description:    description,
	})
}

// ResendOne resends one message to the sibling queue, deleting the original
// when deleteOriginal is set.
func (e *Engine) ResendOne(ctx context.Context, queue servicebus.QueueIdentity, target Target, deleteOriginal bool, timeout time.Duration) (Result, error) {
	kind := KindResend
	if deleteOriginal {
		kind = KindResendAndDelete
	}
	return e.Run(ctx, Plan{
		Kind:           kind,
		Queue:          queue,
		Selection:      []Target{target},
		BatchSize:      1,
		AttemptTimeout: timeout,
	})
}
