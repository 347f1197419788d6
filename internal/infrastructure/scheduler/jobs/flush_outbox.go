// Package jobs contains the scheduled maintenance jobs of the progression
// engine.
package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/soulpet/companion-hub/internal/infrastructure/outbox"
	"github.com/soulpet/companion-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// FLUSH OUTBOX JOB
// ══════════════════════════════════════════════════════════════════════════════

// Flusher is the outbox surface the job drives.
type Flusher interface {
	Flush(ctx context.Context) (outbox.FlushResult, error)
	Len() int
}

// FlushOutboxJob retries deferred progress writes.
type FlushOutboxJob struct {
	outbox  Flusher
	timeout time.Duration
	log     *logger.Logger

	lastResult atomic.Pointer[outbox.FlushResult]
}

// NewFlushOutboxJob creates the job. timeout bounds one flush pass.
func NewFlushOutboxJob(box Flusher, timeout time.Duration, log *logger.Logger) *FlushOutboxJob {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &FlushOutboxJob{
		outbox:  box,
		timeout: timeout,
		log:     log.With(logger.String("job", "flush_outbox")),
	}
}

// Name implements scheduler.Job.
func (j *FlushOutboxJob) Name() string { return "flush_outbox" }

// Description implements scheduler.Job.
func (j *FlushOutboxJob) Description() string {
	return "Retries progress writes that could not reach the store"
}

// Run implements scheduler.Job.
func (j *FlushOutboxJob) Run(ctx context.Context) error {
	if j.outbox.Len() == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	res, err := j.outbox.Flush(ctx)
	j.lastResult.Store(&res)

	j.log.Debug("flush pass finished",
		logger.Int("attempted", res.Attempted),
		logger.Int("succeeded", res.Succeeded),
		logger.Int("failed", res.Failed),
		logger.Int("remaining", res.Remaining),
		logger.Bool("short_circuited", res.ShortCircuited),
	)

	if err != nil {
		return fmt.Errorf("flush outbox: %w", err)
	}
	if res.Failed > 0 || res.ShortCircuited {
		return fmt.Errorf("flush outbox: %d writes still pending", res.Remaining)
	}
	return nil
}

// LastResult returns the result of the most recent pass, if any.
func (j *FlushOutboxJob) LastResult() (outbox.FlushResult, bool) {
	res := j.lastResult.Load()
	if res == nil {
		return outbox.FlushResult{}, false
	}
	return *res, true
}
