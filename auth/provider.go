// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// flow is one token-acquisition strategy. Acquire may be interactive
// (device code); Refresh returns ErrNoRefresh when the flow has no refresh
// handle.
type flow interface {
	Name() string
	Acquire(ctx context.Context) (*Token, error)
	Refresh(ctx context.Context, refresh string) (*Token, error)
}

// Provider owns the cached token for one identity flow. The mutex is held
// across refresh so at most one refresh is in flight and every concurrent
// Token call observes the post-refresh token, never a partial state.
type Provider struct {
	mu     sync.Mutex
	flow   flow
	token  *Token
	logger *slog.Logger
}

// NewProvider wraps a flow with caching and single-flight refresh.
func NewProvider(f flow, logger *slog.Logger) *Provider {
	return &Provider{flow: f, logger: logger}
}

// Token returns a currently-valid access string, refreshing or re-acquiring
// first when needed. On a refresh failure one full re-acquire is attempted;
// a second failure surfaces as ErrAuthExpired.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.token.Usable(now) {
		return p.token.Access, nil
	}

	if p.token != nil && p.token.Refresh != "" {
		t, err := p.flow.Refresh(ctx, p.token.Refresh)
		if err == nil {
			p.token = t
			return t.Access, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		p.logger.Warn("token refresh failed, re-acquiring",
			"flow", p.flow.Name(), "error", err)
	}

	t, err := p.flow.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	p.token = t
	return t.Access, nil
}

// Invalidate drops the cached token so the next Token call re-acquires.
// Used after the broker rejects a token that still looked valid locally.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = nil
}

// NotAfter returns the cached token's deadline, zero when none is cached.
func (p *Provider) NotAfter() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == nil {
		return time.Time{}
	}
	return p.token.NotAfter
}
