// Package session holds the per-user progression state that the
// coordinator mutates optimistically before the remote store confirms.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// One Store per authenticated user. All CompleteStep calls for the same
// (user, companion) are serialized through Lock.
// ══════════════════════════════════════════════════════════════════════════════

// Store is the explicit session state for one user.
type Store struct {
	userID shared.UserID

	// keyLocks serialize whole CompleteStep operations per companion.
	locksMu  sync.Mutex
	keyLocks map[companion.Type]*sync.Mutex

	mu         sync.RWMutex
	companions map[companion.Type]companion.Progress
	challenges map[challenge.Key]challenge.Progress
	inflight   map[string]struct{}
	inbox      []shared.CompanionEvolvedEvent
	watchers   map[int]chan shared.CompanionEvolvedEvent
	nextWatch  int
	active     companion.Type
	lastSeen   time.Time
	syncedAt   time.Time
}

// NewStore creates an empty session for the user.
func NewStore(userID shared.UserID) *Store {
	return &Store{
		userID:     userID,
		keyLocks:   make(map[companion.Type]*sync.Mutex),
		companions: make(map[companion.Type]companion.Progress),
		challenges: make(map[challenge.Key]challenge.Progress),
		inflight:   make(map[string]struct{}),
		watchers:   make(map[int]chan shared.CompanionEvolvedEvent),
		active:     companion.TypeDog,
	}
}

// UserID returns the owner of the session.
func (s *Store) UserID() shared.UserID {
	return s.userID
}

// Lock acquires the per-companion operation lock and returns its release func.
func (s *Store) Lock(c companion.Type) func() {
	s.locksMu.Lock()
	l, ok := s.keyLocks[c]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[c] = l
	}
	s.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// ─────────────────────────────────────────────────────────────────────────────
// Companion progress
// ─────────────────────────────────────────────────────────────────────────────

// Companion returns the companion record, or the default record if none exists yet.
func (s *Store) Companion(c companion.Type) companion.Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.companions[c]; ok {
		return p
	}
	return companion.NewProgress(s.userID, c)
}

// Companions returns every companion record in canonical order, defaults included.
func (s *Store) Companions() []companion.Progress {
	out := make([]companion.Progress, 0, len(companion.AllTypes()))
	for _, c := range companion.AllTypes() {
		out = append(out, s.Companion(c))
	}
	return out
}

// PutCompanion replaces the companion record.
func (s *Store) PutCompanion(p companion.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.companions[p.Companion] = p
}

// Normalize rewrites every stored companion record through fn under the
// session lock. Used after a load to recompute derived fields.
func (s *Store) Normalize(fn func(companion.Progress) companion.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c, p := range s.companions {
		s.companions[c] = fn(p)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Challenge progress (challenge.ProgressStore)
// ─────────────────────────────────────────────────────────────────────────────

// GetChallenge implements challenge.ProgressStore.
func (s *Store) GetChallenge(key challenge.Key) (challenge.Progress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.challenges[key]
	return p, ok
}

// PutChallenge implements challenge.ProgressStore.
func (s *Store) PutChallenge(p challenge.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[p.Key()] = p
}

// PruneChallenges drops rows whose period key is not in keep.
// Rows from past windows are never read again once the window is over.
func (s *Store) PruneChallenges(keep map[string]bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.challenges {
		if !keep[k.PeriodKey] {
			delete(s.challenges, k)
			n++
		}
	}
	return n
}

// ─────────────────────────────────────────────────────────────────────────────
// Reconciliation
// ─────────────────────────────────────────────────────────────────────────────

// Reconcile folds remote records into the session. Every field is merged by
// maximum, so a stale remote read never moves local state backwards.
func (s *Store) Reconcile(companions []companion.Progress, challenges []challenge.Progress, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, remote := range companions {
		if remote.UserID != s.userID || !remote.Companion.IsValid() {
			continue
		}
		if local, ok := s.companions[remote.Companion]; ok {
			s.companions[remote.Companion] = local.Merge(remote)
		} else {
			s.companions[remote.Companion] = remote
		}
	}
	for _, remote := range challenges {
		if remote.UserID != s.userID {
			continue
		}
		key := remote.Key()
		if local, ok := s.challenges[key]; ok {
			s.challenges[key] = local.Merge(remote)
		} else {
			s.challenges[key] = remote
		}
	}
	if at.After(s.syncedAt) {
		s.syncedAt = at
	}
}

// SyncedAt returns when remote state was last folded in.
func (s *Store) SyncedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncedAt
}

// ─────────────────────────────────────────────────────────────────────────────
// In-flight tracking
// ─────────────────────────────────────────────────────────────────────────────

// Begin marks an operation key as in flight. A second Begin for the same key
// before End returns ErrStepInFlight.
func (s *Store) Begin(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[op]; busy {
		return shared.ErrStepInFlight
	}
	s.inflight[op] = struct{}{}
	return nil
}

// End clears an in-flight marker.
func (s *Store) End(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, op)
}

// InFlight reports whether op is outstanding.
func (s *Store) InFlight(op string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, busy := s.inflight[op]
	return busy
}

// ─────────────────────────────────────────────────────────────────────────────
// Evolution inbox
// ─────────────────────────────────────────────────────────────────────────────

// PushEvolution queues a one-shot evolution notification and fans it out to
// live watchers. Slow watchers miss the live copy but the inbox keeps it
// until acknowledged. Pushing an event already in the inbox is a no-op.
func (s *Store) PushEvolution(ev shared.CompanionEvolvedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, queued := range s.inbox {
		if queued.ID == ev.ID {
			return
		}
	}
	s.inbox = append(s.inbox, ev)
	for _, ch := range s.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// PendingEvolutions returns unacknowledged notifications, oldest first.
func (s *Store) PendingEvolutions() []shared.CompanionEvolvedEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]shared.CompanionEvolvedEvent, len(s.inbox))
	copy(out, s.inbox)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Acknowledge consumes a notification. Each notification can be acknowledged once.
func (s *Store) Acknowledge(eventID string) (shared.CompanionEvolvedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ev := range s.inbox {
		if ev.ID == eventID {
			s.inbox = append(s.inbox[:i], s.inbox[i+1:]...)
			return ev, nil
		}
	}
	return shared.CompanionEvolvedEvent{}, shared.ErrEvolutionNotFound
}

// Watch subscribes to live evolution notifications. Call cancel to release.
func (s *Store) Watch(buffer int) (<-chan shared.CompanionEvolvedEvent, func()) {
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan shared.CompanionEvolvedEvent, buffer)

	s.mu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Presentation state
// ─────────────────────────────────────────────────────────────────────────────

// Active returns the companion currently shown to the user.
func (s *Store) Active() companion.Type {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActive switches the displayed companion. Progress is untouched.
func (s *Store) SetActive(c companion.Type) error {
	if !c.IsValid() {
		return shared.ErrUnknownCompanion
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = c
	return nil
}

// Touch records activity for idle eviction.
func (s *Store) Touch(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.lastSeen) {
		s.lastSeen = at
	}
}

// LastSeen returns the last Touch time.
func (s *Store) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}
