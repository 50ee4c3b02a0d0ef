package lock

import (
	"context"
	"errors"
	"runtime"
	"time"
)

// ErrRetriesExhausted is returned when a RetryPolicy runs out of attempts or
// time before the awaited condition holds.
var ErrRetriesExhausted = errors.New("lock: retry policy exhausted")

// RetryPolicy bounds a busy-wait loop. Zero MaxAttempts and zero Timeout mean
// no bound; the loop then ends only when the condition holds or the context
// is done. A zero Interval yields the processor between attempts instead of
// sleeping.
type RetryPolicy struct {
	MaxAttempts int
	Timeout     time.Duration
	Interval    time.Duration
}

// Retry calls fn until it reports done, returns an error, the policy is
// exhausted or ctx is done.
func (p RetryPolicy) Retry(ctx context.Context, fn func() (bool, error)) error {
	return p.start().Retry(ctx, fn)
}

// retrier is a running RetryPolicy. Successive Retry calls share its attempt
// count and deadline.
type retrier struct {
	policy   RetryPolicy
	attempts int
	deadline time.Time
}

func (p RetryPolicy) start() *retrier {
	r := &retrier{policy: p}
	if p.Timeout > 0 {
		r.deadline = time.Now().Add(p.Timeout)
	}
	return r
}

func (r *retrier) Retry(ctx context.Context, fn func() (bool, error)) error {
	for {
		r.attempts++
		done, err := fn()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if r.policy.MaxAttempts > 0 && r.attempts >= r.policy.MaxAttempts {
			return ErrRetriesExhausted
		}
		if !r.deadline.IsZero() && !time.Now().Before(r.deadline) {
			return ErrRetriesExhausted
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if r.policy.Interval <= 0 {
			runtime.Gosched()
			continue
		}
		timer := time.NewTimer(r.policy.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
