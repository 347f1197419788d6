// Package outbox implements the write-behind queue for progression records
// whose first write to the remote store failed. Entries are coalesced per
// record key with the same monotone merge the store applies, retried with
// backoff behind a circuit breaker, and dropped once the remote is seen to
// already hold an equal or newer value.
package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/pkg/circuitbreaker"
	"github.com/soulpet/companion-hub/pkg/logger"
	"github.com/soulpet/companion-hub/pkg/retry"
)

// Kind identifies which record an entry carries.
type Kind string

const (
	KindCompanion Kind = "companion"
	KindChallenge Kind = "challenge"
)

// Entry is one pending write.
type Entry struct {
	ID        string
	Kind      Kind
	UserID    shared.UserID
	Companion companion.Progress
	Challenge challenge.Progress
	Attempts  int
	LastError string
	QueuedAt  time.Time
	UpdatedAt time.Time
}

func (e *Entry) key() string {
	if e.Kind == KindCompanion {
		return "c/" + e.Companion.Key().String()
	}
	return "ch/" + e.Challenge.Key().String()
}

// FlushResult summarizes one Flush pass.
type FlushResult struct {
	Attempted int
	Succeeded int
	Failed    int
	Remaining int
	// ShortCircuited is set when the breaker stopped the pass early.
	ShortCircuited bool
}

// Outbox is safe for concurrent use.
type Outbox struct {
	companions companion.Repository
	challenges challenge.ProgressRepository
	retrier    *retry.Retrier
	breaker    *circuitbreaker.CircuitBreaker
	clock      shared.Clock
	log        *logger.Logger

	mu      sync.Mutex
	entries map[string]*Entry
}

// Config wires an Outbox.
type Config struct {
	Companions companion.Repository
	Challenges challenge.ProgressRepository
	Retrier    *retry.Retrier
	Breaker    *circuitbreaker.CircuitBreaker
	Clock      shared.Clock
	Logger     *logger.Logger
}

// New creates an Outbox.
func New(cfg Config) *Outbox {
	if cfg.Retrier == nil {
		cfg.Retrier = retry.DatabaseRetrier()
	}
	if cfg.Clock == nil {
		cfg.Clock = shared.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	log := cfg.Logger.With(logger.Component("outbox"))
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.RemoteStoreBreaker(func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		})
	}
	return &Outbox{
		companions: cfg.Companions,
		challenges: cfg.Challenges,
		retrier:    cfg.Retrier,
		breaker:    cfg.Breaker,
		clock:      cfg.Clock,
		log:        log,
		entries:    make(map[string]*Entry),
	}
}

// QueueCompanion schedules a companion record for retry.
func (o *Outbox) QueueCompanion(p companion.Progress, cause error) {
	o.enqueue(&Entry{Kind: KindCompanion, UserID: p.UserID, Companion: p}, cause)
}

// QueueChallenge schedules a challenge record for retry.
func (o *Outbox) QueueChallenge(p challenge.Progress, cause error) {
	o.enqueue(&Entry{Kind: KindChallenge, UserID: p.UserID, Challenge: p}, cause)
}

func (o *Outbox) enqueue(e *Entry, cause error) {
	now := o.clock.Now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	k := e.key()
	if existing, ok := o.entries[k]; ok {
		if e.Kind == KindCompanion {
			existing.Companion = existing.Companion.Merge(e.Companion)
		} else {
			existing.Challenge = existing.Challenge.Merge(e.Challenge)
		}
		existing.LastError = msg
		existing.UpdatedAt = now
		return
	}

	e.ID = uuid.NewString()
	e.LastError = msg
	e.QueuedAt = now
	e.UpdatedAt = now
	o.entries[k] = e

	o.log.Warn("write queued for retry",
		logger.String("entry_id", e.ID),
		logger.String("kind", string(e.Kind)),
		logger.UserID(e.UserID.String()),
		logger.String("error", msg),
	)
}

// Len returns the number of pending entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Breaker reports the state of the breaker guarding remote writes.
func (o *Outbox) Breaker() circuitbreaker.Snapshot {
	return o.breaker.Snapshot()
}

// Pending returns a copy of pending entries, oldest first.
func (o *Outbox) Pending() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Entry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// Flush tries every pending entry once (with the retrier's backoff). Entries
// that land are removed unless a newer value was queued meanwhile.
func (o *Outbox) Flush(ctx context.Context) (FlushResult, error) {
	var res FlushResult
	for _, e := range o.Pending() {
		if err := ctx.Err(); err != nil {
			res.Remaining = o.Len()
			return res, err
		}

		res.Attempted++
		err := o.breaker.Execute(ctx, func(ctx context.Context) error {
			return o.retrier.Do(ctx, func(ctx context.Context) error {
				return o.write(ctx, e)
			})
		})

		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			res.Attempted--
			res.ShortCircuited = true
			break
		}
		if err != nil {
			res.Failed++
			o.markFailed(e, err)
			continue
		}
		res.Succeeded++
		o.markWritten(e)
	}
	res.Remaining = o.Len()
	if res.Attempted > 0 {
		o.log.Info("outbox flushed",
			logger.Int("attempted", res.Attempted),
			logger.Int("succeeded", res.Succeeded),
			logger.Int("failed", res.Failed),
			logger.Int("remaining", res.Remaining),
		)
	}
	return res, nil
}

func (o *Outbox) write(ctx context.Context, e Entry) error {
	if e.Kind == KindCompanion {
		return o.companions.UpsertCompanionProgress(ctx, e.Companion)
	}
	return o.challenges.UpsertChallengeProgress(ctx, e.Challenge)
}

func (o *Outbox) markFailed(e Entry, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.entries[e.key()]; ok {
		cur.Attempts++
		cur.LastError = err.Error()
		cur.UpdatedAt = o.clock.Now()
	}
}

func (o *Outbox) markWritten(e Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := e.key()
	cur, ok := o.entries[k]
	if !ok {
		return
	}
	if written(e, cur) {
		delete(o.entries, k)
	}
}

// written reports whether the value sent in e covers everything cur holds now.
func written(e Entry, cur *Entry) bool {
	if e.Kind == KindCompanion {
		return e.Companion.Dominates(cur.Companion)
	}
	return e.Challenge.Dominates(cur.Challenge)
}

// Reconcile drops the user's entries that the remote records already cover and
// returns the rest so a freshly loaded session can overlay them.
func (o *Outbox) Reconcile(userID shared.UserID, companions []companion.Progress, challenges []challenge.Progress) ([]companion.Progress, []challenge.Progress) {
	remoteC := make(map[companion.Key]companion.Progress, len(companions))
	for _, p := range companions {
		remoteC[p.Key()] = p
	}
	remoteCh := make(map[challenge.Key]challenge.Progress, len(challenges))
	for _, p := range challenges {
		remoteCh[p.Key()] = p
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	var (
		pendingC  []companion.Progress
		pendingCh []challenge.Progress
		dropped   int
	)
	for k, e := range o.entries {
		if e.UserID != userID {
			continue
		}
		switch e.Kind {
		case KindCompanion:
			if remote, ok := remoteC[e.Companion.Key()]; ok && remote.Dominates(e.Companion) {
				delete(o.entries, k)
				dropped++
				continue
			}
			pendingC = append(pendingC, e.Companion)
		case KindChallenge:
			if remote, ok := remoteCh[e.Challenge.Key()]; ok && remote.Dominates(e.Challenge) {
				delete(o.entries, k)
				dropped++
				continue
			}
			pendingCh = append(pendingCh, e.Challenge)
		}
	}
	if dropped > 0 {
		o.log.Info("dropped superseded writes", logger.UserID(userID.String()), logger.Int("count", dropped))
	}
	return pendingC, pendingCh
}
