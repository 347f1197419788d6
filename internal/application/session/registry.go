package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/evolution"
	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/pkg/logger"
)

// PendingWrites is the view of the write-behind queue the registry needs on
// load: entries the remote already covers are dropped, the rest are returned
// so the fresh session does not show less than the user already earned.
type PendingWrites interface {
	Reconcile(userID shared.UserID, companions []companion.Progress, challenges []challenge.Progress) ([]companion.Progress, []challenge.Progress)
}

// Registry owns the live sessions and performs cold loads.
type Registry struct {
	companions companion.Repository
	challenges challenge.ProgressRepository
	keyer      challenge.PeriodKeyer
	calc       *evolution.Calculator
	pending    PendingWrites
	clock      shared.Clock
	log        *logger.Logger

	loads singleflight.Group

	mu       sync.RWMutex
	sessions map[shared.UserID]*Store
}

// RegistryConfig wires a Registry.
type RegistryConfig struct {
	Companions companion.Repository
	Challenges challenge.ProgressRepository
	Keyer      challenge.PeriodKeyer
	Calculator *evolution.Calculator
	Pending    PendingWrites
	Clock      shared.Clock
	Logger     *logger.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = shared.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Registry{
		companions: cfg.Companions,
		challenges: cfg.Challenges,
		keyer:      cfg.Keyer,
		calc:       cfg.Calculator,
		pending:    cfg.Pending,
		clock:      cfg.Clock,
		log:        cfg.Logger.With(logger.Component("session_registry")),
		sessions:   make(map[shared.UserID]*Store),
	}
}

// Get returns the live session for the user, cold-loading it on first use.
// Concurrent first calls for the same user share one load.
func (r *Registry) Get(ctx context.Context, userID shared.UserID) (*Store, error) {
	if !userID.IsValid() {
		return nil, shared.ErrEmptyUserID
	}

	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if ok {
		s.Touch(r.clock.Now())
		return s, nil
	}

	v, err, _ := r.loads.Do(userID.String(), func() (interface{}, error) {
		r.mu.RLock()
		existing, ok := r.sessions[userID]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		fresh := NewStore(userID)
		if err := r.load(ctx, fresh); err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if existing, ok := r.sessions[userID]; ok {
			return existing, nil
		}
		r.sessions[userID] = fresh
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}

	s = v.(*Store)
	s.Touch(r.clock.Now())
	return s, nil
}

// Refresh re-reads remote state into the user's session, creating it if needed.
func (r *Registry) Refresh(ctx context.Context, userID shared.UserID) (*Store, error) {
	s, err := r.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := r.load(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads companion records and both current challenge windows concurrently,
// then folds them and any still-pending writes into s.
func (r *Registry) load(ctx context.Context, s *Store) error {
	now := r.clock.Now()
	keys := r.keyer.CurrentKeys(now)

	var (
		companions []companion.Progress
		daily      []challenge.Progress
		weekly     []challenge.Progress
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		companions, err = r.companions.LoadCompanionProgress(gctx, s.UserID())
		return err
	})
	g.Go(func() error {
		var err error
		daily, err = r.challenges.LoadChallengeProgress(gctx, s.UserID(), keys[challenge.PeriodDaily])
		return err
	})
	g.Go(func() error {
		var err error
		weekly, err = r.challenges.LoadChallengeProgress(gctx, s.UserID(), keys[challenge.PeriodWeekly])
		return err
	})
	if err := g.Wait(); err != nil {
		r.log.Warn("remote load failed", logger.UserID(s.UserID().String()), logger.Err(err))
		return shared.WrapError("session", "Load", shared.ErrServiceUnavailable, "failed to load progression state", err)
	}

	challenges := append(daily, weekly...)
	s.Reconcile(companions, challenges, now)

	if r.pending != nil {
		pc, pch := r.pending.Reconcile(s.UserID(), companions, challenges)
		if len(pc) > 0 || len(pch) > 0 {
			r.log.Info("overlaying pending writes",
				logger.UserID(s.UserID().String()),
				logger.Int("companions", len(pc)),
				logger.Int("challenges", len(pch)),
			)
			s.Reconcile(pc, pch, now)
		}
	}

	// Stored stage may lag the thresholds; it is never lowered.
	if r.calc != nil {
		s.Normalize(r.calc.Apply)
	}

	r.log.Debug("session loaded",
		logger.UserID(s.UserID().String()),
		logger.Int("companions", len(companions)),
		logger.Int("challenges", len(challenges)),
	)
	return nil
}

// Lookup returns the session without loading it.
func (r *Registry) Lookup(userID shared.UserID) (*Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Users returns the IDs of live sessions.
func (r *Registry) Users() []shared.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]shared.UserID, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// EvictIdle drops sessions not touched within idle. Sessions with operations
// in flight are kept. Past-window challenge rows are pruned from survivors.
func (r *Registry) EvictIdle(idle time.Duration) int {
	now := r.clock.Now()
	cutoff := now.Add(-idle)
	keep := map[string]bool{}
	for _, k := range r.keyer.CurrentKeys(now) {
		keep[k] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, s := range r.sessions {
		if s.LastSeen().Before(cutoff) && !s.busy() {
			delete(r.sessions, id)
			evicted++
			continue
		}
		s.PruneChallenges(keep)
	}
	if evicted > 0 {
		r.log.Info("evicted idle sessions", logger.Int("count", evicted), logger.Duration("idle", idle))
	}
	return evicted
}

func (s *Store) busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.inflight) > 0 || len(s.watchers) > 0
}
