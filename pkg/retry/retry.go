// Package retry re-runs an operation with capped exponential backoff. The
// outbox uses it for remote store writes and the dispatcher for event
// handlers.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks a failure that another attempt cannot fix, such as a
// constraint violation.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do stops immediately. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Retrier holds one backoff policy. It is immutable after New and safe to
// share.
type Retrier struct {
	attempts int
	base     time.Duration
	max      time.Duration
	jitter   float64
	retryIf  func(error) bool

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithMaxAttempts sets the total number of attempts, the first included.
func WithMaxAttempts(n int) Option {
	return func(r *Retrier) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithInitialDelay sets the wait before the second attempt.
func WithInitialDelay(d time.Duration) Option {
	return func(r *Retrier) {
		if d > 0 {
			r.base = d
		}
	}
}

// WithMaxDelay caps a single wait.
func WithMaxDelay(d time.Duration) Option {
	return func(r *Retrier) {
		if d > 0 {
			r.max = d
		}
	}
}

// WithJitter spreads each wait by up to ±j of its length; j is in [0, 1].
func WithJitter(j float64) Option {
	return func(r *Retrier) {
		if j >= 0 && j <= 1 {
			r.jitter = j
		}
	}
}

// WithRetryIf limits retries to errors for which fn returns true. Permanent
// errors are never retried.
func WithRetryIf(fn func(error) bool) Option {
	return func(r *Retrier) {
		if fn != nil {
			r.retryIf = fn
		}
	}
}

// New builds a Retrier. Without options it makes 3 attempts starting at
// 100ms and retries every error that is not permanent.
func New(opts ...Option) *Retrier {
	r := &Retrier{
		attempts: 3,
		base:     100 * time.Millisecond,
		max:      30 * time.Second,
		jitter:   0.1,
		retryIf:  func(error) bool { return true },
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.max < r.base {
		r.max = r.base
	}
	return r
}

// DatabaseRetrier is the default policy for remote store writes: short
// waits, so a flush pass over many records does not stall.
func DatabaseRetrier() *Retrier {
	return New(
		WithMaxAttempts(3),
		WithInitialDelay(50*time.Millisecond),
		WithMaxDelay(time.Second),
		WithJitter(0.05),
	)
}

// Do runs op until it succeeds, returns a permanent or non-retryable error,
// or the attempts are used up. The last error is returned; a permanent error
// is returned unwrapped. Cancelling ctx ends the wait and returns the last
// error seen.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return last
			}
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		var p *PermanentError
		if errors.As(err, &p) {
			return p.Err
		}
		last = err

		if attempt >= r.attempts || !r.retryIf(err) {
			return last
		}
		if r.sleep(ctx, r.delay(attempt)) != nil {
			return last
		}
	}
}

// delay is the wait after the given failed attempt: base doubled per
// attempt, capped at max, then jittered.
func (r *Retrier) delay(attempt int) time.Duration {
	d := r.base
	for i := 1; i < attempt && d < r.max; i++ {
		d *= 2
	}
	if d > r.max {
		d = r.max
	}
	if r.jitter > 0 {
		spread := float64(d) * r.jitter
		d += time.Duration(spread * (2*rand.Float64() - 1))
	}
	if d < 0 {
		return 0
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
