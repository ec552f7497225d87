// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"time"

	"github.com/dawidpereira/quetty/servicebus"
)

// Actor errors.
var (
	ErrClosed    = errors.New("session actor has been closed")
	ErrNotReady  = errors.New("no active queue")
	ErrCancelled = errors.New("request cancelled by queue switch")
	ErrInboxFull = errors.New("session actor inbox is full")
)

// request is the actor's typed inbox message. Every request carries the
// generation it was issued against; a queue switch bumps the generation and
// stale requests fail with ErrCancelled instead of returning data for the
// wrong queue.
type request interface {
	generation() uint64
}

type baseRequest struct {
	gen uint64
}

func (r baseRequest) generation() uint64 { return r.gen }

// peekPageRequest asks for one page of the peek stream.
type peekPageRequest struct {
	baseRequest
	fromSequence int64
	pageSize     int
	timeout      time.Duration
	reply        chan PeekPageResult
}

// PeekPageResult is the actor's answer to a page request. Terminal is set
// when the broker returned fewer than pageSize messages, meaning the stream
// is exhausted at this cursor.
type PeekPageResult struct {
	Messages []servicebus.Message
	Terminal bool
	Err      error
}

// receiveBatchRequest takes a destructive lease batch for the bulk engine.
type receiveBatchRequest struct {
	baseRequest
	maxCount int
	timeout  time.Duration
	reply    chan receiveBatchResult
}

type receiveBatchResult struct {
	messages []servicebus.LeasedMessage
	err      error
}

// settleKind selects the settlement outcome for a lease.
type settleKind byte

const (
	settleComplete settleKind = iota
	settleAbandon
	settleDeadLetter
)

type settleRequest struct {
	baseRequest
	kind        settleKind
	lockToken   string
	reason      string
	description string
	reply       chan error
}

type renewLockRequest struct {
	baseRequest
	lockToken string
	reply     chan renewLockResult
}

type renewLockResult struct {
	until time.Time
	err   error
}

// sendBatchRequest enqueues a batch. The target may be the active queue's
// sibling (resend) rather than the active queue itself.
type sendBatchRequest struct {
	baseRequest
	queue   servicebus.QueueIdentity
	batch   []servicebus.OutgoingMessage
	timeout time.Duration
	reply   chan error
}

// switchQueueRequest is the barrier: by the time it is processed, every
// prior request for the old queue has been drained or cancelled.
type switchQueueRequest struct {
	baseRequest
	queue servicebus.QueueIdentity
	reply chan error
}

type statsRequest struct {
	baseRequest
	queue string
	force bool
	reply chan StatsResult
}

// StatsResult is the actor's answer to a statistics request.
type StatsResult struct {
	Stats servicebus.QueueStats
	Err   error
}

type closeRequest struct {
	baseRequest
	reply chan struct{}
}
