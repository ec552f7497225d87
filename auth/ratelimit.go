// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"

	"golang.org/x/time/rate"
)

// endpointLimiter throttles all calls to the identity endpoints. A small
// token bucket protects the endpoint under pathological retry storms: five
// calls of burst, refilled one per second.
type endpointLimiter struct {
	limiter *rate.Limiter
}

func newEndpointLimiter() *endpointLimiter {
	return &endpointLimiter{limiter: rate.NewLimiter(rate.Limit(1), 5)}
}

// wait blocks until a slot is available or ctx is done.
func (l *endpointLimiter) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrRateLimited
	}
	return nil
}

// sharedLimiter is process-wide: every flow implementation polls the same
// identity endpoints.
var sharedLimiter = newEndpointLimiter()
