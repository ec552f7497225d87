// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session runs the single-writer actor owning the broker connection
// for the currently selected queue. All queue-scoped operations flow through
// its inbox and are processed strictly in arrival order; a queue switch is a
// barrier that cancels everything issued against the previous queue.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dawidpereira/quetty/servicebus"
)

// inboxDepth bounds the actor inbox. Senders get ErrInboxFull rather than
// blocking the UI loop.
const inboxDepth = 128

// Config holds actor settings.
type Config struct {
	PollTimeout   time.Duration
	StatsCacheTTL time.Duration
}

// Actor is the single writer for all queue-scoped broker state.
type Actor struct {
	client servicebus.Client
	mgmt   servicebus.Management
	cfg    Config
	logger *slog.Logger

	state *stateMachine
	inbox chan request

	// Queue identity and generation, guarded by mu so public methods can
	// tag requests and cancel in-flight work without entering the loop.
	mu         sync.Mutex
	queue      servicebus.QueueIdentity
	generation uint64
	opCtx      context.Context
	opCancel   context.CancelFunc

	stats *statsCache

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates the actor and starts its loop. The actor begins Disconnected;
// SwitchQueue establishes the first active queue.
func New(client servicebus.Client, mgmt servicebus.Management, cfg Config, logger *slog.Logger) *Actor {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}

	opCtx, opCancel := context.WithCancel(context.Background())
	a := &Actor{
		client:   client,
		mgmt:     mgmt,
		cfg:      cfg,
		logger:   logger,
		state:    newStateMachine(),
		inbox:    make(chan request, inboxDepth),
		opCtx:    opCtx,
		opCancel: opCancel,
		stats:    newStatsCache(cfg.StatsCacheTTL),
	}

	a.wg.Add(1)
	go a.loop()
	return a
}

// State returns the actor's current state.
func (a *Actor) State() State { return a.state.current() }

// ActiveQueue returns the currently active queue identity.
func (a *Actor) ActiveQueue() servicebus.QueueIdentity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue
}

func (a *Actor) currentGen() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

func (a *Actor) submit(req request) error {
	if a.state.isClosed() {
		return ErrClosed
	}
	select {
	case a.inbox <- req:
		return nil
	default:
		return ErrInboxFull
	}
}

// PeekPage requests one page of the peek stream for the active queue.
func (a *Actor) PeekPage(fromSequence int64, pageSize int, timeout time.Duration) <-chan PeekPageResult {
	reply := make(chan PeekPageResult, 1)
	req := peekPageRequest{
		baseRequest:  baseRequest{gen: a.currentGen()},
		fromSequence: fromSequence,
		pageSize:     pageSize,
		timeout:      timeout,
		reply:        reply,
	}
	if err := a.submit(req); err != nil {
		reply <- PeekPageResult{Err: err}
	}
	return reply
}

// ReceiveBatch leases up to maxCount messages from the active queue. Used
// by the bulk engine's find-then-settle loop.
func (a *Actor) ReceiveBatch(ctx context.Context, maxCount int, timeout time.Duration) ([]servicebus.LeasedMessage, error) {
	reply := make(chan receiveBatchResult, 1)
	req := receiveBatchRequest{
		baseRequest: baseRequest{gen: a.currentGen()},
		maxCount:    maxCount,
		timeout:     timeout,
		reply:       reply,
	}
	if err := a.submit(req); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.messages, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete settles a lease as completed.
func (a *Actor) Complete(ctx context.Context, lockToken string) error {
	return a.settle(ctx, settleComplete, lockToken, "", "")
}

// Abandon releases a lease back to the broker.
func (a *Actor) Abandon(ctx context.Context, lockToken string) error {
	return a.settle(ctx, settleAbandon, lockToken, "", "")
}

// DeadLetter settles a lease into the dead-letter sub-queue.
func (a *Actor) DeadLetter(ctx context.Context, lockToken, reason, description string) error {
	return a.settle(ctx, settleDeadLetter, lockToken, reason, description)
}

func (a *Actor) settle(ctx context.Context, kind settleKind, lockToken, reason, description string) error {
	reply := make(chan error, 1)
	req := settleRequest{
		baseRequest: baseRequest{gen: a.currentGen()},
		kind:        kind,
		lockToken:   lockToken,
		reason:      reason,
		description: description,
		reply:       reply,
	}
	if err := a.submit(req); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RenewLock extends a lease.
func (a *Actor) RenewLock(ctx context.Context, lockToken string) (time.Time, error) {
	reply := make(chan renewLockResult, 1)
	req := renewLockRequest{
		baseRequest: baseRequest{gen: a.currentGen()},
		lockToken:   lockToken,
		reply:       reply,
	}
	if err := a.submit(req); err != nil {
		return time.Time{}, err
	}
	select {
	case res := <-reply:
		return res.until, res.err
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}

// SendBatch enqueues a batch onto queue, which may be the active queue or
// its sibling (resend).
func (a *Actor) SendBatch(ctx context.Context, queue servicebus.QueueIdentity, batch []servicebus.OutgoingMessage, timeout time.Duration) error {
	reply := make(chan error, 1)
	req := sendBatchRequest{
		baseRequest: baseRequest{gen: a.currentGen()},
		queue:       queue,
		batch:       batch,
		timeout:     timeout,
		reply:       reply,
	}
	if err := a.submit(req); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SwitchQueue makes queue the active queue. It immediately cancels all
// in-flight work for the old queue and bumps the generation so queued
// requests fail with ErrCancelled; the barrier request then reconnects.
func (a *Actor) SwitchQueue(queue servicebus.QueueIdentity) <-chan error {
	a.mu.Lock()
	a.generation++
	gen := a.generation
	a.opCancel()
	a.opCtx, a.opCancel = context.WithCancel(context.Background())
	a.mu.Unlock()

	reply := make(chan error, 1)
	req := switchQueueRequest{
		baseRequest: baseRequest{gen: gen},
		queue:       queue,
		reply:       reply,
	}
	if err := a.submit(req); err != nil {
		reply <- err
	}
	return reply
}

// Stats fetches statistics for queue, served from the TTL cache when fresh.
func (a *Actor) Stats(ctx context.Context, queue string, force bool) (servicebus.QueueStats, error) {
	reply := make(chan StatsResult, 1)
	req := statsRequest{
		baseRequest: baseRequest{gen: a.currentGen()},
		queue:       queue,
		force:       force,
		reply:       reply,
	}
	if err := a.submit(req); err != nil {
		return servicebus.QueueStats{}, err
	}
	select {
	case res := <-reply:
		return res.Stats, res.Err
	case <-ctx.Done():
		return servicebus.QueueStats{}, ctx.Err()
	}
}

// Close shuts the actor down, cancelling in-flight work. Idempotent.
func (a *Actor) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.opCancel()
		a.mu.Unlock()

		reply := make(chan struct{})
		a.inbox <- closeRequest{reply: reply}
		<-reply
		a.wg.Wait()
	})
}

// loop processes the inbox strictly in arrival order.
func (a *Actor) loop() {
	defer a.wg.Done()

	for req := range a.inbox {
		switch r := req.(type) {
		case closeRequest:
			a.state.close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.client.Close(ctx); err != nil {
				a.logError("close", err)
			}
			cancel()
			close(r.reply)
			a.drainInbox()
			return

		case switchQueueRequest:
			a.handleSwitch(r)

		default:
			a.handleQueueScoped(req)
		}
	}
}

// drainInbox fails whatever is still queued so no caller is left waiting on
// a reply after shutdown.
func (a *Actor) drainInbox() {
	for {
		select {
		case req := <-a.inbox:
			if r, ok := req.(switchQueueRequest); ok {
				r.reply <- ErrClosed
				continue
			}
			failRequest(req, ErrClosed)
		default:
			return
		}
	}
}

// stale reports whether req was issued against a queue that is no longer
// active.
func (a *Actor) stale(req request) bool {
	return req.generation() != a.currentGen()
}

func (a *Actor) opContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opCtx
}

func (a *Actor) handleSwitch(r switchQueueRequest) {
	if a.stale(r) {
		// A later switch superseded this one.
		r.reply <- ErrCancelled
		return
	}

	from, ok := a.state.beginSwitch()
	if !ok {
		r.reply <- ErrNotReady
		return
	}

	a.logger.Info("switching queue",
		slog.String("from", a.ActiveQueue().String()),
		slog.String("to", r.queue.String()),
		slog.String("state", from.String()))

	a.mu.Lock()
	a.queue = r.queue
	a.mu.Unlock()

	// Prior requests have drained (the inbox is serial), so opening the new
	// handles is all that remains. A one-message peek validates that the
	// queue is reachable before the actor reports Ready.
	probeCtx, cancel := context.WithTimeout(a.opContext(), a.cfg.PollTimeout)
	_, err := a.client.Peek(probeCtx, r.queue, 0, 1, a.cfg.PollTimeout)
	cancel()
	if err != nil {
		a.logError("switch_queue", err, slog.String("queue", r.queue.String()))
		a.state.finishSwitch(false)
		r.reply <- a.mapCancel(err)
		return
	}

	a.state.finishSwitch(true)
	r.reply <- nil
}

func (a *Actor) handleQueueScoped(req request) {
	if a.stale(req) {
		failRequest(req, ErrCancelled)
		return
	}
	if !a.state.isReady() {
		failRequest(req, ErrNotReady)
		return
	}

	queue := a.ActiveQueue()
	ctx := a.opContext()

	// A switch issued while this request runs cancels ctx. The staleness
	// re-check before each reply turns results for the old queue into
	// Cancelled instead of stale data.
	switch r := req.(type) {
	case peekPageRequest:
		a.handlePeek(ctx, queue, r)
	case receiveBatchRequest:
		msgs, err := a.client.Receive(ctx, queue, r.maxCount, r.timeout)
		if a.stale(req) {
			r.reply <- receiveBatchResult{err: ErrCancelled}
			return
		}
		r.reply <- receiveBatchResult{messages: msgs, err: a.mapCancel(err)}
	case settleRequest:
		err := a.doSettle(ctx, r)
		if a.stale(req) {
			r.reply <- ErrCancelled
			return
		}
		r.reply <- a.mapCancel(err)
	case renewLockRequest:
		until, err := a.client.RenewLock(ctx, r.lockToken)
		if a.stale(req) {
			r.reply <- renewLockResult{err: ErrCancelled}
			return
		}
		r.reply <- renewLockResult{until: until, err: a.mapCancel(err)}
	case sendBatchRequest:
		sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := a.client.Send(sendCtx, r.queue, r.batch)
		cancel()
		if a.stale(req) {
			r.reply <- ErrCancelled
			return
		}
		r.reply <- a.mapCancel(err)
	case statsRequest:
		a.handleStats(ctx, r)
	}
}

func (a *Actor) handlePeek(ctx context.Context, queue servicebus.QueueIdentity, r peekPageRequest) {
	msgs, err := a.client.Peek(ctx, queue, r.fromSequence, r.pageSize, r.timeout)
	if a.stale(r) {
		r.reply <- PeekPageResult{Err: ErrCancelled}
		return
	}
	if err != nil {
		a.logError("peek", err, slog.String("queue", queue.String()))
		r.reply <- PeekPageResult{Err: a.mapCancel(err)}
		return
	}
	r.reply <- PeekPageResult{
		Messages: msgs,
		Terminal: len(msgs) < r.pageSize,
	}
}

func (a *Actor) doSettle(ctx context.Context, r settleRequest) error {
	switch r.kind {
	case settleComplete:
		return a.client.Complete(ctx, r.lockToken)
	case settleAbandon:
		return a.client.Abandon(ctx, r.lockToken)
	case settleDeadLetter:
		return a.client.DeadLetter(ctx, r.lockToken, r.reason, r.description)
	default:
		return nil
	}
}

func (a *Actor) handleStats(ctx context.Context, r statsRequest) {
	if !r.force {
		if stats, ok := a.stats.get(r.queue); ok {
			r.reply <- StatsResult{Stats: stats}
			return
		}
	}

	stats, err := a.mgmt.QueueStats(ctx, r.queue)
	if err != nil {
		a.logError("stats", err, slog.String("queue", r.queue))
		r.reply <- StatsResult{Err: a.mapCancel(err)}
		return
	}
	a.stats.put(r.queue, stats)
	r.reply <- StatsResult{Stats: stats}
}

// mapCancel converts context cancellation caused by a queue switch or
// shutdown into the actor's cancellation error.
func (a *Actor) mapCancel(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || a.opContext().Err() != nil {
		return ErrCancelled
	}
	return err
}

func failRequest(req request, err error) {
	switch r := req.(type) {
	case peekPageRequest:
		r.reply <- PeekPageResult{Err: err}
	case receiveBatchRequest:
		r.reply <- receiveBatchResult{err: err}
	case settleRequest:
		r.reply <- err
	case renewLockRequest:
		r.reply <- renewLockResult{err: err}
	case sendBatchRequest:
		r.reply <- err
	case statsRequest:
		r.reply <- StatsResult{Err: err}
	}
}

func (a *Actor) logError(op string, err error, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+2)
	args = append(args, slog.String("operation", op), slog.String("error", err.Error()))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	a.logger.Error("session actor operation failed", args...)
}
