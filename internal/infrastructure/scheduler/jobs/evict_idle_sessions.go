package jobs

import (
	"context"
	"time"

	"github.com/soulpet/companion-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// EVICT IDLE SESSIONS JOB
// ══════════════════════════════════════════════════════════════════════════════

// SessionEvictor drops sessions that have not been used for a while.
type SessionEvictor interface {
	EvictIdle(idle time.Duration) int
	Len() int
}

// EvictIdleSessionsJob bounds the memory held by session stores. An evicted
// session is rebuilt from the store on the user's next request.
type EvictIdleSessionsJob struct {
	sessions SessionEvictor
	idle     time.Duration
	log      *logger.Logger
}

// NewEvictIdleSessionsJob creates the job.
func NewEvictIdleSessionsJob(sessions SessionEvictor, idle time.Duration, log *logger.Logger) *EvictIdleSessionsJob {
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &EvictIdleSessionsJob{
		sessions: sessions,
		idle:     idle,
		log:      log.With(logger.String("job", "evict_idle_sessions")),
	}
}

// Name implements scheduler.Job.
func (j *EvictIdleSessionsJob) Name() string { return "evict_idle_sessions" }

// Description implements scheduler.Job.
func (j *EvictIdleSessionsJob) Description() string {
	return "Releases session stores idle for longer than " + j.idle.String()
}

// Run implements scheduler.Job.
func (j *EvictIdleSessionsJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := j.sessions.EvictIdle(j.idle); n > 0 {
		j.log.Info("evicted idle sessions",
			logger.Int("evicted", n),
			logger.Int("remaining", j.sessions.Len()),
		)
	}
	return nil
}
