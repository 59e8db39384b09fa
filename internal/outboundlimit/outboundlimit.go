// Package outboundlimit implements the outbound rate limiter named in
// spec.md §5: a token bucket with {capacity, refill_per_second,
// max_wait_ms} wrapping the LLM client. Acquire awaits a token, failing
// closed with RateLimitExceeded rather than queueing unboundedly once
// the projected wait exceeds max_wait_ms. Grounded on
// goadesign-goa-ai's features/model/middleware/ratelimit.go
// (AdaptiveRateLimiter wrapping golang.org/x/time/rate.Limiter at a
// model-client boundary), simplified from its adaptive AIMD behavior to
// the spec's fixed-capacity bucket — no adaptive backoff/probe signal is
// named anywhere in spec.md.
package outboundlimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitExceeded mirrors spec.md §7's RateLimitExceeded error.
type RateLimitExceeded struct {
	RetryAfterMS int64
	MaxWaitMS    int64
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("outboundlimit: projected wait %dms exceeds max_wait_ms %dms", e.RetryAfterMS, e.MaxWaitMS)
}

// Config bundles the bucket's parameters, matching spec.md §5 exactly.
type Config struct {
	Capacity        float64
	RefillPerSecond float64
	MaxWaitMS       int64
}

// Limiter wraps golang.org/x/time/rate.Limiter as the outbound limiter
// interface the dispatcher/run task consult before an LLM call.
type Limiter struct {
	limiter   *rate.Limiter
	maxWait   time.Duration
}

// New constructs a Limiter from cfg.
func New(cfg Config) *Limiter {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	refill := cfg.RefillPerSecond
	if refill <= 0 {
		refill = capacity
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(refill), int(capacity)),
		maxWait: time.Duration(cfg.MaxWaitMS) * time.Millisecond,
	}
}

// Acquire awaits a single token. If the projected wait exceeds a
// positive max_wait_ms it fails closed with RateLimitExceeded instead of
// blocking (spec.md §5 "Rate limiting"); with max_wait_ms <= 0 it waits
// however long the bucket needs.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	reservation := l.limiter.Reserve()
	if !reservation.OK() {
		return &RateLimitExceeded{RetryAfterMS: -1, MaxWaitMS: l.maxWait.Milliseconds()}
	}
	delay := reservation.Delay()
	if l.maxWait > 0 && delay > l.maxWait {
		reservation.Cancel()
		return &RateLimitExceeded{RetryAfterMS: delay.Milliseconds(), MaxWaitMS: l.maxWait.Milliseconds()}
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	}
}
