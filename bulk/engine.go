// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bulk performs bounded, resumable, partial-failure-tolerant
// terminal actions across arbitrary message selections. The broker's
// delete/dead-letter primitives require a lock obtained via receive, not a
// sequence-addressed mutation, so the engine runs a find-then-settle loop:
// receive a batch, settle the messages it was looking for, abandon the
// rest, repeat until the selection drains or a budget runs out.
//
// All broker I/O flows through the session actor; the engine never holds a
// broker handle of its own.
package bulk

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/dawidpereira/quetty/bus"
	"github.com/dawidpereira/quetty/servicebus"
	"github.com/dawidpereira/quetty/session"
	"github.com/google/uuid"
)

// Engine executes bulk plans against the session actor.
type Engine struct {
	actor  *session.Actor
	limits Limits
	events *bus.Bus
	logger *slog.Logger
}

// NewEngine creates a bulk engine.
func NewEngine(actor *session.Actor, limits Limits, events *bus.Bus, logger *slog.Logger) *Engine {
	return &Engine{actor: actor, limits: limits, events: events, logger: logger}
}

// Run validates and executes plan. Partial success is a normal outcome, not
// an error: the returned Result partitions the selection into succeeded,
// failed, and cancelled-remaining; err is non-nil only for plan rejection.
func (e *Engine) Run(ctx context.Context, plan Plan) (Result, error) {
	if plan.BatchSize == 0 {
		plan.BatchSize = e.limits.MaxBatchSize
	}
	if plan.OverallTimeout == 0 {
		plan.OverallTimeout = e.limits.OperationTimeout
	}
	if plan.AttemptTimeout == 0 {
		plan.AttemptTimeout = e.limits.ReceiveTimeout
	}
	if err := plan.validate(e.limits); err != nil {
		return Result{}, err
	}

	run := &runState{
		plan:     plan,
		total:    len(plan.Selection),
		deadline: time.Now().Add(plan.OverallTimeout),
		pending:  make(map[Target]struct{}, len(plan.Selection)),
	}
	for _, t := range plan.Selection {
		run.pending[t] = struct{}{}
	}

	e.logger.Info("bulk operation started",
		slog.String("kind", plan.Kind.String()),
		slog.String("queue", plan.Queue.String()),
		slog.Int("selection", run.total),
		slog.Int("batch_size", plan.BatchSize))

	result := e.loop(ctx, run)

	e.logger.Info("bulk operation finished",
		slog.String("kind", plan.Kind.String()),
		slog.String("outcome", result.Outcome.String()),
		slog.Int("succeeded", len(result.Succeeded)),
		slog.Int("failed", len(result.Failed)),
		slog.Int("cancelled", len(result.CancelledRemaining)))
	return result, nil
}

type runState struct {
	plan     Plan
	total    int
	deadline time.Time

	pending   map[Target]struct{}
	succeeded []Target
	failed    []Target
}

func (r *runState) processed() int {
	return len(r.succeeded) + len(r.failed)
}

// remainingOrdered returns the pending targets in ascending sequence order.
// Broker lease-ordering tends to mirror sequence order, so working low
// sequences first minimizes the expected number of passes.
func (r *runState) remainingOrdered() []Target {
	out := make([]Target, 0, len(r.pending))
	for t := range r.pending {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func (e *Engine) loop(ctx context.Context, run *runState) Result {
	attempts := 0

	for len(run.pending) > 0 {
		if ctx.Err() != nil {
			return e.finish(run, OutcomeCancelled)
		}
		if time.Now().After(run.deadline) {
			return e.timedOut(run)
		}
		if attempts >= e.limits.MaxAttempts {
			break
		}

		budget := run.plan.BatchSize
		if len(run.pending) < budget {
			budget = len(run.pending)
		}

		leased, err := e.actor.ReceiveBatch(ctx, budget, run.plan.AttemptTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, session.ErrCancelled) {
				return e.finish(run, OutcomeCancelled)
			}
			var be *servicebus.Error
			if errors.As(err, &be) && !be.Retryable() {
				// The queue itself is gone or forbidden; nothing further
				// can succeed.
				e.logger.Error("bulk receive failed", "error", err)
				break
			}
			attempts++
			e.sleep(ctx, e.limits.RetryDelay)
			continue
		}

		if len(leased) == 0 {
			attempts++
			e.sleep(ctx, e.limits.RetryDelay)
			continue
		}

		if e.processBatch(ctx, run, leased) {
			return e.timedOut(run)
		}
		// Any non-empty batch resets the budget: the broker is still
		// surfacing traffic, so interleaved unselected messages must not
		// exhaust dlq_max_attempts. The overall timeout bounds the loop on
		// queues with steady foreign traffic.
		attempts = 0
	}

	return e.finish(run, outcomeFor(run))
}

// processBatch settles the wanted messages in leased and abandons the rest.
// When the overall deadline fires mid-batch, every leased-but-unsettled
// message is abandoned before returning so no lease is left dangling.
// Returns true when the deadline fired.
func (e *Engine) processBatch(ctx context.Context, run *runState, leased []servicebus.LeasedMessage) bool {
	for i, msg := range leased {
		if time.Now().After(run.deadline) {
			e.abandonAll(leased[i:])
			return true
		}

		target := Target{ID: msg.ID, Sequence: msg.Sequence}
		if _, wanted := run.pending[target]; !wanted {
			// Put it back promptly so other sessions can see it and its
			// delivery count is not inflated more than necessary.
			e.abandon(msg)
			continue
		}

		e.renewIfExpiring(ctx, &msg)

		if err := e.apply(ctx, run.plan, msg); err != nil {
			run.failed = append(run.failed, target)
			e.logger.Warn("bulk settle failed",
				slog.String("kind", run.plan.Kind.String()),
				slog.String("message_id", msg.ID),
				slog.Int64("sequence", msg.Sequence),
				slog.String("error", err.Error()))
		} else {
			run.succeeded = append(run.succeeded, target)
		}
		delete(run.pending, target)

		e.events.MustPublish(bus.BulkProgress{
			Processed: run.processed(),
			Total:     run.total,
			Phase:     run.plan.Kind.String(),
		})
	}
	return false
}

// renewIfExpiring extends the lease when the remaining window is too small
// to survive a settle round-trip. Best effort: a failure here surfaces at
// settle time as lock loss.
func (e *Engine) renewIfExpiring(ctx context.Context, msg *servicebus.LeasedMessage) {
	if msg.LockedUntil.IsZero() || time.Until(msg.LockedUntil) > e.limits.SendTimeout {
		return
	}
	if until, err := e.actor.RenewLock(ctx, msg.LockToken); err == nil {
		msg.LockedUntil = until
	}
}

// apply performs the plan's terminal action on one leased message.
func (e *Engine) apply(ctx context.Context, plan Plan, msg servicebus.LeasedMessage) error {
	switch plan.Kind {
	case KindDelete:
		return e.actor.Complete(ctx, msg.LockToken)

	case KindDeadLetter:
		return e.actor.DeadLetter(ctx, msg.LockToken, plan.Reason, plan.Description)

	case KindResend, KindResendAndDelete:
		return e.resend(ctx, plan, msg)

	default:
		return nil
	}
}

// resend sends a copy to the sibling queue, then settles the original:
// complete for resend-and-delete, abandon otherwise (the abandon increments
// the broker's delivery count).
func (e *Engine) resend(ctx context.Context, plan Plan, msg servicebus.LeasedMessage) error {
	copyOut := servicebus.OutgoingMessage{ID: msg.ID, Body: msg.Body}
	if copyOut.ID == "" {
		copyOut.ID = uuid.NewString()
	}

	sibling := plan.Queue.Sibling()
	if err := e.actor.SendBatch(ctx, sibling, []servicebus.OutgoingMessage{copyOut}, e.limits.SendTimeout); err != nil {
		// The copy never made it; put the original back and count a
		// failure.
		e.abandon(msg)
		return err
	}

	if plan.Kind != KindResendAndDelete {
		return e.actor.Abandon(ctx, msg.LockToken)
	}

	if err := e.actor.Complete(ctx, msg.LockToken); err != nil {
		// The copy is already on the sibling queue and the broker will
		// redeliver the original: downstream consumers may observe the
		// message twice. Surfaced as a counted failure, never silently
		// deduplicated.
		e.logger.Warn("resend copy delivered but original not completed; broker will redeliver a duplicate",
			slog.String("queue", plan.Queue.String()),
			slog.String("sibling", sibling.String()),
			slog.String("message_id", msg.ID),
			slog.Int64("sequence", msg.Sequence),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (e *Engine) abandon(msg servicebus.LeasedMessage) {
	// Abandonment must survive caller cancellation: a dangling lease blocks
	// the message for the whole lock duration.
	ctx, cancel := context.WithTimeout(context.Background(), e.limits.ReceiveTimeout)
	defer cancel()
	if err := e.actor.Abandon(ctx, msg.LockToken); err != nil && !servicebus.IsLockLost(err) {
		e.logger.Debug("abandon failed", "message_id", msg.ID, "error", err.Error())
	}
}

func (e *Engine) abandonAll(msgs []servicebus.LeasedMessage) {
	for _, msg := range msgs {
		e.abandon(msg)
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (e *Engine) timedOut(run *runState) Result {
	// Hard cap: unprocessed pairs count as failed.
	run.failed = append(run.failed, run.remainingOrdered()...)
	run.pending = nil
	return Result{
		Outcome:   OutcomeTimedOut,
		Succeeded: run.succeeded,
		Failed:    run.failed,
	}
}

func (e *Engine) finish(run *runState, outcome Outcome) Result {
	res := Result{
		Outcome:   outcome,
		Succeeded: run.succeeded,
		Failed:    run.failed,
	}
	switch outcome {
	case OutcomeCancelled:
		res.CancelledRemaining = run.remainingOrdered()
	default:
		// Attempt budget exhausted: pairs the broker never surfaced are
		// failures, not successes.
		res.Failed = append(res.Failed, run.remainingOrdered()...)
	}
	return res
}

func outcomeFor(run *runState) Outcome {
	if len(run.pending) == 0 && len(run.failed) == 0 {
		return OutcomeCompleted
	}
	return OutcomePartiallyFailed
}
