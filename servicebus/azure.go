// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package servicebus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

// AzureClient implements Client over the Azure Service Bus SDK. Receivers
// are opened lazily per queue identity and senders per queue name, and both
// are reused; settlement
// is addressed by lock token, so received messages are tracked until they
// are settled or their lock expires.
type AzureClient struct {
	inner *azservicebus.Client

	mu        sync.Mutex
	receivers map[QueueIdentity]*azservicebus.Receiver
	senders   map[string]*azservicebus.Sender
	leases    map[string]*azureLease
	closed    bool
}

type azureLease struct {
	msg      *azservicebus.ReceivedMessage
	receiver *azservicebus.Receiver
	expires  time.Time
}

// NewAzureClientFromConnectionString opens a client authenticated by a
// shared-access connection string.
func NewAzureClientFromConnectionString(connStr string) (*AzureClient, error) {
	inner, err := azservicebus.NewClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, NewError(CodeUnauthorized, "connect", "", err)
	}
	return newAzureClient(inner), nil
}

// NewAzureClient opens a client against namespace (the fully qualified
// host) authenticated by tokens.
func NewAzureClient(namespace string, tokens TokenSource) (*AzureClient, error) {
	inner, err := azservicebus.NewClient(namespace, &tokenCredential{tokens: tokens}, nil)
	if err != nil {
		return nil, NewError(CodeUnauthorized, "connect", "", err)
	}
	return newAzureClient(inner), nil
}

func newAzureClient(inner *azservicebus.Client) *AzureClient {
	return &AzureClient{
		inner:     inner,
		receivers: make(map[QueueIdentity]*azservicebus.Receiver),
		senders:   make(map[string]*azservicebus.Sender),
		leases:    make(map[string]*azureLease),
	}
}

// tokenCredential adapts the auth provider to the SDK's credential
// interface.
type tokenCredential struct {
	tokens TokenSource
}

func (c *tokenCredential) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	access, err := c.tokens.Token(ctx)
	if err != nil {
		return azcore.AccessToken{}, err
	}
	// The provider enforces the skew internally; an hour is a safe floor
	// for the SDK's own refresh bookkeeping.
	return azcore.AccessToken{Token: access, ExpiresOn: time.Now().Add(time.Hour)}, nil
}

func (c *AzureClient) receiver(queue QueueIdentity) (*azservicebus.Receiver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if r, ok := c.receivers[queue]; ok {
		return r, nil
	}

	opts := &azservicebus.ReceiverOptions{ReceiveMode: azservicebus.ReceiveModePeekLock}
	if queue.IsDeadLetter() {
		opts.SubQueue = azservicebus.SubQueueDeadLetter
	}
	r, err := c.inner.NewReceiverForQueue(queue.Name, opts)
	if err != nil {
		return nil, mapAzureError("open_receiver", queue.Name, err)
	}
	c.receivers[queue] = r
	return r, nil
}

func (c *AzureClient) sender(queue QueueIdentity) (*azservicebus.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	// Sends always target the main queue entity; the broker routes
	// dead-lettering itself.
	if s, ok := c.senders[queue.Name]; ok {
		return s, nil
	}
	s, err := c.inner.NewSender(queue.Name, nil)
	if err != nil {
		return nil, mapAzureError("open_sender", queue.Name, err)
	}
	c.senders[queue.Name] = s
	return s, nil
}

// Peek implements Client.
func (c *AzureClient) Peek(ctx context.Context, queue QueueIdentity, fromSequence int64, maxCount int, timeout time.Duration) ([]Message, error) {
	r, err := c.receiver(queue)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	peeked, err := r.PeekMessages(ctx, maxCount, &azservicebus.PeekMessagesOptions{
		FromSequenceNumber: &fromSequence,
	})
	if err != nil {
		return nil, mapAzureError("peek", queue.Name, err)
	}

	out := make([]Message, 0, len(peeked))
	for _, pm := range peeked {
		out = append(out, convertMessage(pm))
	}
	return out, nil
}

// Receive implements Client. A timeout with nothing available returns an
// empty slice, not an error.
func (c *AzureClient) Receive(ctx context.Context, queue QueueIdentity, maxCount int, timeout time.Duration) ([]LeasedMessage, error) {
	r, err := c.receiver(queue)
	if err != nil {
		return nil, err
	}

	recvCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	received, err := r.ReceiveMessages(recvCtx, maxCount, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, mapAzureError("receive", queue.Name, err)
	}

	out := make([]LeasedMessage, 0, len(received))
	c.mu.Lock()
	c.pruneExpiredLocked()
	for _, rm := range received {
		token := lockTokenString(rm.LockToken)
		until := time.Now().Add(time.Minute)
		if rm.LockedUntil != nil {
			until = *rm.LockedUntil
		}
		c.leases[token] = &azureLease{msg: rm, receiver: r, expires: until}
		out = append(out, LeasedMessage{
			Message:     convertMessage(rm),
			LockToken:   token,
			LockedUntil: until,
		})
	}
	c.mu.Unlock()
	return out, nil
}

func (c *AzureClient) takeLease(op, token string) (*azureLease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked()
	lease, ok := c.leases[token]
	if !ok {
		return nil, NewError(CodeLockLost, op, "", nil)
	}
	delete(c.leases, token)
	return lease, nil
}

// pruneExpiredLocked drops bookkeeping for leases the broker has already
// reclaimed. Callers hold c.mu.
func (c *AzureClient) pruneExpiredLocked() {
	now := time.Now()
	for token, lease := range c.leases {
		if now.After(lease.expires.Add(time.Minute)) {
			delete(c.leases, token)
		}
	}
}

// Complete implements Client.
func (c *AzureClient) Complete(ctx context.Context, lockToken string) error {
	lease, err := c.takeLease("complete", lockToken)
	if err != nil {
		return err
	}
	if err := lease.receiver.CompleteMessage(ctx, lease.msg, nil); err != nil {
		return mapAzureError("complete", "", err)
	}
	return nil
}

// Abandon implements Client.
func (c *AzureClient) Abandon(ctx context.Context, lockToken string) error {
	lease, err := c.takeLease("abandon", lockToken)
	if err != nil {
		return err
	}
	if err := lease.receiver.AbandonMessage(ctx, lease.msg, nil); err != nil {
		return mapAzureError("abandon", "", err)
	}
	return nil
}

// DeadLetter implements Client.
func (c *AzureClient) DeadLetter(ctx context.Context, lockToken string, reason, description string) error {
	lease, err := c.takeLease("dead_letter", lockToken)
	if err != nil {
		return err
	}
	opts := &azservicebus.DeadLetterOptions{}
	if reason != "" {
		opts.Reason = &reason
	}
	if description != "" {
		opts.ErrorDescription = &description
	}
	if err := lease.receiver.DeadLetterMessage(ctx, lease.msg, opts); err != nil {
		return mapAzureError("dead_letter", "", err)
	}
	return nil
}

// RenewLock implements Client.
func (c *AzureClient) RenewLock(ctx context.Context, lockToken string) (time.Time, error) {
	c.mu.Lock()
	lease, ok := c.leases[lockToken]
	c.mu.Unlock()
	if !ok {
		return time.Time{}, NewError(CodeLockLost, "renew_lock", "", nil)
	}

	if err := lease.receiver.RenewMessageLock(ctx, lease.msg, nil); err != nil {
		return time.Time{}, mapAzureError("renew_lock", "", err)
	}

	until := time.Now().Add(time.Minute)
	if lease.msg.LockedUntil != nil {
		until = *lease.msg.LockedUntil
	}
	c.mu.Lock()
	lease.expires = until
	c.mu.Unlock()
	return until, nil
}

// Send implements Client.
func (c *AzureClient) Send(ctx context.Context, queue QueueIdentity, batch []OutgoingMessage) error {
	if len(batch) == 0 {
		return ErrEmptyBatch
	}
	s, err := c.sender(queue)
	if err != nil {
		return err
	}

	mb, err := s.NewMessageBatch(ctx, nil)
	if err != nil {
		return mapAzureError("send", queue.Name, err)
	}
	for i := range batch {
		out := &azservicebus.Message{Body: batch[i].Body}
		if batch[i].ID != "" {
			out.MessageID = &batch[i].ID
		}
		if len(batch[i].Properties) > 0 {
			out.ApplicationProperties = make(map[string]any, len(batch[i].Properties))
			for k, v := range batch[i].Properties {
				out.ApplicationProperties[k] = v
			}
		}
		if err := mb.AddMessage(out, nil); err != nil {
			return mapAzureError("send", queue.Name, err)
		}
	}

	if err := s.SendMessageBatch(ctx, mb, nil); err != nil {
		return mapAzureError("send", queue.Name, err)
	}
	return nil
}

// Close implements Client.
func (c *AzureClient) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	receivers := c.receivers
	senders := c.senders
	c.receivers = nil
	c.senders = nil
	c.leases = nil
	c.mu.Unlock()

	var lastErr error
	for _, r := range receivers {
		if err := r.Close(ctx); err != nil {
			lastErr = err
		}
	}
	for _, s := range senders {
		if err := s.Close(ctx); err != nil {
			lastErr = err
		}
	}
	if err := c.inner.Close(ctx); err != nil {
		lastErr = err
	}
	return lastErr
}

func convertMessage(rm *azservicebus.ReceivedMessage) Message {
	msg := Message{
		ID:            rm.MessageID,
		Body:          rm.Body,
		DeliveryCount: int(rm.DeliveryCount),
		State:         convertState(rm.State),
	}
	if rm.SequenceNumber != nil {
		msg.Sequence = *rm.SequenceNumber
	}
	if rm.EnqueuedTime != nil {
		msg.EnqueuedAt = *rm.EnqueuedTime
	}
	if rm.DeadLetterReason != nil {
		msg.DeadLetterReason = *rm.DeadLetterReason
		msg.State = StateDeadLettered
	}
	if rm.DeadLetterErrorDescription != nil {
		msg.DeadLetterDescription = *rm.DeadLetterErrorDescription
	}
	return msg
}

func convertState(state azservicebus.MessageState) MessageState {
	switch state {
	case azservicebus.MessageStateScheduled:
		return StateScheduled
	case azservicebus.MessageStateDeferred:
		return StateDeferred
	default:
		return StateActive
	}
}

func lockTokenString(token [16]byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 0, 36)
	for i, b := range token {
		switch i {
		case 4, 6, 8, 10:
			out = append(out, '-')
		}
		out = append(out, hexdigits[b>>4], hexdigits[b&0x0f])
	}
	return string(out)
}

// mapAzureError folds SDK failures into the taxonomy.
func mapAzureError(op, queue string, err error) error {
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) {
		switch sbErr.Code {
		case azservicebus.CodeLockLost:
			return NewError(CodeLockLost, op, queue, err)
		case azservicebus.CodeNotFound:
			return NewError(CodeNotFound, op, queue, err)
		case azservicebus.CodeUnauthorizedAccess:
			return NewError(CodeUnauthorized, op, queue, err)
		case azservicebus.CodeTimeout:
			return NewError(CodeTimeout, op, queue, err)
		case azservicebus.CodeConnectionLost:
			return NewError(CodeTransient, op, queue, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeTimeout, op, queue, err)
	}
	return NewError(CodeTransient, op, queue, err)
}
