package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recording returns a Retrier that records its waits instead of sleeping.
func recording(waits *[]time.Duration, opts ...Option) *Retrier {
	r := New(append([]Option{WithJitter(0)}, opts...)...)
	r.sleep = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return r
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	var waits []time.Duration
	r := recording(&waits, WithMaxAttempts(5), WithInitialDelay(10*time.Millisecond))

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, waits)
}

func TestDo_BackoffIsCapped(t *testing.T) {
	var waits []time.Duration
	r := recording(&waits, WithMaxAttempts(6), WithInitialDelay(100*time.Millisecond), WithMaxDelay(300*time.Millisecond))

	down := errors.New("down")
	err := r.Do(context.Background(), func(context.Context) error { return down })

	assert.Equal(t, down, err)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
	}, waits)
}

func TestDo_PermanentStopsAndUnwraps(t *testing.T) {
	var waits []time.Duration
	r := recording(&waits, WithMaxAttempts(5))

	base := errors.New("check constraint")
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(base)
	})

	assert.Equal(t, base, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, waits)
	assert.Nil(t, Permanent(nil))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.False(t, IsPermanent(base))
}

func TestDo_RetryIfFiltersErrors(t *testing.T) {
	var waits []time.Duration
	transient := errors.New("timeout")
	r := recording(&waits, WithMaxAttempts(4), WithRetryIf(func(err error) bool { return errors.Is(err, transient) }))

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return transient
		}
		return errors.New("bad payload")
	})

	require.Error(t, err)
	assert.Equal(t, "bad payload", err.Error())
	assert.Equal(t, 2, calls)
}

func TestDo_CancelledWaitReturnsLastError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(WithMaxAttempts(3), WithInitialDelay(time.Hour))

	down := errors.New("down")
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := r.Do(ctx, func(context.Context) error {
		calls++
		return down
	})

	assert.Equal(t, down, err)
	assert.Equal(t, 1, calls)
}

func TestDatabaseRetrier(t *testing.T) {
	r := DatabaseRetrier()
	assert.Equal(t, 3, r.attempts)
	assert.Equal(t, 50*time.Millisecond, r.base)
	assert.Equal(t, time.Second, r.max)
}
