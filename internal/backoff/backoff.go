// Package backoff implements the reconnection policy shared by the match
// coordinator and the session tracker: when a bus channel errors or times
// out, re-subscribe after an exponentially growing delay, and give up after
// a bounded number of attempts. A clean close is never retried.
package backoff

import (
	"time"

	"github.com/whisper/rendezvous/internal/clock"
)

// Default policy values.
const (
	DefaultBase        = 2 * time.Second
	DefaultMaxAttempts = 3
)

// Policy describes the retry schedule: attempt n waits Base * 2^(n-1).
type Policy struct {
	Base        time.Duration
	MaxAttempts int
}

// DefaultPolicy returns base 2s, 3 attempts.
func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, MaxAttempts: DefaultMaxAttempts}
}

// Delay returns the wait before the given 1-based attempt, and false once
// the attempt exceeds the budget.
func (p Policy) Delay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > p.MaxAttempts {
		return 0, false
	}
	return p.Base << (attempt - 1), true
}

// Reconnector is the retry state machine: idle -> waiting(n) -> idle on
// success, or exhausted once the budget is spent. It is not safe for
// concurrent use; each owner drives it from its own event loop.
type Reconnector struct {
	policy   Policy
	clock    clock.Clock
	attempts int
	pending  *clock.Timer
}

// NewReconnector creates a Reconnector. A nil clock means clock.Real().
func NewReconnector(policy Policy, c clock.Clock) *Reconnector {
	if c == nil {
		c = clock.Real()
	}
	return &Reconnector{policy: policy, clock: c}
}

// Failure records a failed subscription and schedules retry after the
// next backoff delay. It returns false without scheduling anything when
// the retry budget is exhausted. A retry already pending is replaced.
func (r *Reconnector) Failure(retry func()) (time.Duration, bool) {
	r.attempts++
	delay, ok := r.policy.Delay(r.attempts)
	if !ok {
		return 0, false
	}
	r.pending.Stop()
	r.pending = r.clock.AfterFunc(delay, retry)
	return delay, true
}

// Success resets the attempt counter after a healthy (re)subscription.
func (r *Reconnector) Success() {
	r.attempts = 0
}

// Attempts returns the number of consecutive failures recorded.
func (r *Reconnector) Attempts() int {
	return r.attempts
}

// Stop cancels a pending retry, if any.
func (r *Reconnector) Stop() {
	r.pending.Stop()
	r.pending = nil
}
