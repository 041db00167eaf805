// Package retry implements bounded backoff policies. A policy decides how
// long to wait between attempts and when the attempt budget is spent; the
// caller owns the loop and threads an opaque State through it.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrExhausted is returned by Await when the attempt budget is spent.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy computes per-attempt backoff delays with a bounded attempt budget.
type Policy struct {
	maxAttempts int
	backoff     func(attempt int) time.Duration
}

// ConstantBounded returns a policy that waits a fixed delay between attempts
// and allows at most maxAttempts attempts in total.
func ConstantBounded(delay time.Duration, maxAttempts int) Policy {
	return Policy{
		maxAttempts: maxAttempts,
		backoff: func(int) time.Duration {
			return delay
		},
	}
}

// ExpRandLimitBounded returns a policy whose delay grows exponentially from
// base by factor per attempt, randomized by +/- jitter (a fraction in [0,1]),
// capped at limit, with at most maxAttempts attempts in total.
func ExpRandLimitBounded(base time.Duration, factor, jitter float64, limit time.Duration, maxAttempts int) Policy {
	return Policy{
		maxAttempts: maxAttempts,
		backoff: func(attempt int) time.Duration {
			d := float64(base)
			for i := 0; i < attempt; i++ {
				d *= factor
				if d >= float64(limit) {
					break
				}
			}
			if d > float64(limit) {
				d = float64(limit)
			}
			if jitter > 0 {
				d *= 1 + jitter*(2*rand.Float64()-1)
			}
			if d < 0 {
				d = 0
			}
			if d > float64(limit) {
				d = float64(limit)
			}
			return time.Duration(d)
		},
	}
}

// MaxAttempts returns the policy's attempt budget.
func (p Policy) MaxAttempts() int {
	return p.maxAttempts
}

// State accumulates attempts across a retry loop. The zero value is the
// state before the first attempt has failed.
type State struct {
	// Attempt is the number of completed backoff rounds.
	Attempt int
}

// Await advances the retry state after a failed attempt. It sleeps the
// policy's backoff for the current attempt, honoring context cancellation,
// and returns ErrExhausted once the budget is spent. The returned state is
// only meaningful when the error is nil.
func (p Policy) Await(ctx context.Context, st State) (State, error) {
	next := st.Attempt + 1
	if next >= p.maxAttempts {
		return st, ErrExhausted
	}

	d := p.backoff(st.Attempt)
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
	return State{Attempt: next}, nil
}
