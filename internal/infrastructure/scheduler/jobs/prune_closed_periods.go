package jobs

import (
	"context"

	"github.com/soulpet/companion-hub/internal/application/session"
	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// PRUNE CLOSED PERIODS JOB
// ══════════════════════════════════════════════════════════════════════════════

// SessionSet enumerates loaded sessions.
type SessionSet interface {
	Users() []shared.UserID
	Lookup(userID shared.UserID) (*session.Store, bool)
}

// PruneClosedPeriodsJob drops in-memory challenge rows whose daily or weekly
// window has closed. Stored rows are kept; only session copies go.
type PruneClosedPeriodsJob struct {
	sessions SessionSet
	keyer    challenge.PeriodKeyer
	clock    shared.Clock
	log      *logger.Logger
}

// NewPruneClosedPeriodsJob creates the job.
func NewPruneClosedPeriodsJob(sessions SessionSet, keyer challenge.PeriodKeyer, clock shared.Clock, log *logger.Logger) *PruneClosedPeriodsJob {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &PruneClosedPeriodsJob{
		sessions: sessions,
		keyer:    keyer,
		clock:    clock,
		log:      log.With(logger.String("job", "prune_closed_periods")),
	}
}

// Name implements scheduler.Job.
func (j *PruneClosedPeriodsJob) Name() string { return "prune_closed_periods" }

// Description implements scheduler.Job.
func (j *PruneClosedPeriodsJob) Description() string {
	return "Drops session challenge rows from closed daily and weekly windows"
}

// Run implements scheduler.Job.
func (j *PruneClosedPeriodsJob) Run(ctx context.Context) error {
	keep := make(map[string]bool)
	for _, key := range j.keyer.CurrentKeys(j.clock.Now()) {
		keep[key] = true
	}

	pruned := 0
	for _, userID := range j.sessions.Users() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if sess, ok := j.sessions.Lookup(userID); ok {
			pruned += sess.PruneChallenges(keep)
		}
	}

	if pruned > 0 {
		j.log.Info("pruned closed period rows", logger.Int("rows", pruned))
	}
	return nil
}
