package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name  string
	runs  atomic.Int32
	fail  atomic.Bool
	delay time.Duration
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "test job" }
func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.delay > 0 {
		select {
		case <-time.After(j.delay):
		case <-ctx.Done():
		}
	}
	if j.fail.Load() {
		return errors.New("store unavailable")
	}
	return nil
}

func TestRegisterValidation(t *testing.T) {
	s := NewScheduler(Config{})
	job := &countingJob{name: "flush_outbox"}

	assert.ErrorIs(t, s.Register(nil, Every(time.Second)), ErrNilJob)
	assert.ErrorIs(t, s.Register(job, nil), ErrNilSchedule)
	require.NoError(t, s.Register(job, Every(time.Second)))
	assert.ErrorIs(t, s.Register(job, Every(time.Second)), ErrJobAlreadyExists)
	assert.ErrorIs(t, s.Failing("missing", 1), ErrJobNotFound)
}

func TestDue_FollowsSchedule(t *testing.T) {
	at := time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)
	s := NewScheduler(Config{})
	s.now = func() time.Time { return at }

	job := &countingJob{name: "evict_idle_sessions"}
	require.NoError(t, s.Register(job, Every(time.Minute)))

	assert.Empty(t, s.due(), "not due before the first interval")

	at = at.Add(time.Minute)
	due := s.due()
	require.Len(t, due, 1)
	assert.Equal(t, at.Add(time.Minute), due[0].next)
	assert.Empty(t, s.due(), "running job is not handed out twice")
}

func TestScheduler_RunsDueJobs(t *testing.T) {
	s := NewScheduler(Config{Tick: 5 * time.Millisecond})
	job := &countingJob{name: "flush_outbox"}
	require.NoError(t, s.Register(job, Every(10*time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return job.runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrNotRunning)
}

func TestScheduler_DoesNotOverlapRuns(t *testing.T) {
	s := NewScheduler(Config{Tick: 2 * time.Millisecond})
	job := &countingJob{name: "prune_closed_periods", delay: 60 * time.Millisecond}
	require.NoError(t, s.Register(job, Every(time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(40 * time.Millisecond)
	assert.EqualValues(t, 1, job.runs.Load())
	require.NoError(t, s.Stop())
}

func TestFailing_TracksConsecutiveFailures(t *testing.T) {
	s := NewScheduler(Config{Tick: 2 * time.Millisecond})
	job := &countingJob{name: "flush_outbox"}
	job.fail.Store(true)
	require.NoError(t, s.Register(job, Every(time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return s.Failing("flush_outbox", 3) != nil }, time.Second, 2*time.Millisecond)
	err := s.Failing("flush_outbox", 3)
	assert.Contains(t, err.Error(), "store unavailable")
	assert.NoError(t, s.Failing("flush_outbox", 0), "no limit never fails")

	job.fail.Store(false)
	require.Eventually(t, func() bool { return s.Failing("flush_outbox", 1) == nil }, time.Second, 2*time.Millisecond)
}

func TestCron_Next(t *testing.T) {
	almaty := time.FixedZone("ALMT", 5*3600)
	from := time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC) // Wednesday, 17:00 local

	prune := MustParseCron("5 0 * * *").In(almaty)
	assert.True(t, time.Date(2024, 3, 14, 0, 5, 0, 0, almaty).Equal(prune.Next(from)))
	assert.Equal(t, "5 0 * * *", prune.String())

	monday := MustParseCron("0 0 * * 1")
	assert.Equal(t, time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC), monday.Next(from))

	sunday := MustParseCron("0 0 * * 7")
	assert.Equal(t, time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC), sunday.Next(from))

	every5 := MustParseCron("*/5 * * * *")
	assert.Equal(t, time.Date(2024, 3, 13, 12, 5, 0, 0, time.UTC), every5.Next(from.Add(2*time.Minute+30*time.Second)))

	// the 1st of the month or any Friday, whichever comes first
	either := MustParseCron("0 6 1 * 5")
	assert.Equal(t, time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC), either.Next(from))
	assert.Equal(t, time.Date(2024, 4, 1, 6, 0, 0, 0, time.UTC), either.Next(time.Date(2024, 3, 29, 7, 0, 0, 0, time.UTC)))

	list := MustParseCron("0,30 9-17/4 * * *")
	assert.Equal(t, time.Date(2024, 3, 13, 13, 0, 0, 0, time.UTC), list.Next(from))

	never := MustParseCron("0 0 30 2 *")
	assert.True(t, never.Next(from).IsZero())
}

func TestParseCron_Errors(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"61 * * * *",
		"*/0 * * * *",
		"a * * * *",
		"0 0 * * 8",
		"0 0 10-5 * *",
		"0,99 * * * *",
	} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
	assert.Panics(t, func() { MustParseCron("bad") })
}

func TestEvery(t *testing.T) {
	at := time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, at.Add(time.Minute), Every(time.Minute).Next(at))
	assert.True(t, Every(0).Next(at).IsZero())
	assert.Equal(t, "@every 1m0s", Every(time.Minute).String())
}
