// Package scheduler runs background maintenance for the progression engine:
// flushing the write-behind outbox, evicting idle sessions and pruning
// challenge rows once their period window has closed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/soulpet/companion-hub/pkg/logger"
)

// Job is one maintenance task.
type Job interface {
	Name() string
	Description() string
	// Run is called with a context cancelled on Stop.
	Run(ctx context.Context) error
}

// Schedule yields the next run time after t.
type Schedule interface {
	Next(t time.Time) time.Time
	String() string
}

var (
	ErrNilJob           = errors.New("job cannot be nil")
	ErrNilSchedule      = errors.New("schedule cannot be nil")
	ErrJobAlreadyExists = errors.New("job already exists")
	ErrJobNotFound      = errors.New("job not found")
	ErrAlreadyRunning   = errors.New("scheduler is already running")
	ErrNotRunning       = errors.New("scheduler is not running")
)

// entry is a registered job and its run state. Fields below job/schedule
// are guarded by Scheduler.mu.
type entry struct {
	job      Job
	schedule Schedule

	next     time.Time
	running  bool
	lastRun  time.Time
	lastErr  error
	failures int // consecutive
}

// Config configures a Scheduler.
type Config struct {
	Logger *logger.Logger
	// Location is the zone schedules are evaluated in (default UTC).
	Location *time.Location
	// Tick is how often due jobs are looked for (default 1s).
	Tick time.Duration
}

// Scheduler runs each registered job when its schedule is due. A job never
// overlaps itself: a due job whose previous run is still going is skipped
// until that run returns.
type Scheduler struct {
	log  *logger.Logger
	loc  *time.Location
	tick time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &Scheduler{
		log:     cfg.Logger.With(logger.Component("scheduler")),
		loc:     cfg.Location,
		tick:    cfg.Tick,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Register adds a job. Names must be unique.
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	if job == nil {
		return ErrNilJob
	}
	if schedule == nil {
		return ErrNilSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}
	e := &entry{job: job, schedule: schedule, next: schedule.Next(s.now().In(s.loc))}
	s.entries[name] = e

	s.log.Info("job registered",
		logger.String("job", name),
		logger.String("description", job.Description()),
		logger.String("schedule", schedule.String()),
		logger.Time("next_run", e.next),
	)
	return nil
}

// Start launches the loop. The loop ends when ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)

	s.log.Info("scheduler started", logger.Int("jobs_count", len(s.entries)))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}

	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range s.due() {
				s.wg.Add(1)
				go s.run(ctx, e)
			}
		}
	}
}

// due marks and returns the jobs whose time has come.
func (s *Scheduler) due() []*entry {
	now := s.now().In(s.loc)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entry
	for _, e := range s.entries {
		if e.running || e.next.IsZero() || now.Before(e.next) {
			continue
		}
		e.running = true
		e.next = e.schedule.Next(now)
		out = append(out, e)
	}
	return out
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	defer s.wg.Done()

	name := e.job.Name()
	started := s.now()
	err := e.job.Run(ctx)
	elapsed := s.now().Sub(started)

	s.mu.Lock()
	e.running = false
	e.lastRun = started
	e.lastErr = err
	if err != nil {
		e.failures++
	} else {
		e.failures = 0
	}
	failures := e.failures
	s.mu.Unlock()

	if err != nil {
		s.log.Error("job failed",
			logger.String("job", name),
			logger.Int("consecutive_failures", failures),
			logger.Latency(elapsed),
			logger.Err(err),
		)
		return
	}
	s.log.Debug("job completed", logger.String("job", name), logger.Latency(elapsed))
}

// Failing returns an error when the named job has failed at least limit
// times in a row. It backs the readiness check for the outbox flush: a
// store that keeps rejecting retries means progress is not being synced.
func (s *Scheduler) Failing(name string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if limit <= 0 || e.failures < limit {
		return nil
	}
	return fmt.Errorf("%s failed %d times in a row, last at %s: %v",
		name, e.failures, e.lastRun.UTC().Format(time.RFC3339), e.lastErr)
}

