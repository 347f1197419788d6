// Package memstore is an in-process implementation of the progression
// gateways. It applies the same monotone merge as the SQL stores and can be
// told to fail writes, which makes it the default backend for tests and demos.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/shared"
)

// Store implements companion.Repository and challenge.ProgressRepository.
type Store struct {
	mu         sync.RWMutex
	companions map[companion.Key]companion.Progress
	challenges map[challenge.Key]challenge.Progress

	writeErr  error
	readErr   error
	writes    int
	failedOps int
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		companions: make(map[companion.Key]companion.Progress),
		challenges: make(map[challenge.Key]challenge.Progress),
	}
}

// FailWrites makes every subsequent upsert return err. nil restores normal operation.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// FailReads makes every subsequent load return err. nil restores normal operation.
func (s *Store) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// Writes returns the number of successful upserts.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// FailedWrites returns the number of rejected upserts.
func (s *Store) FailedWrites() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failedOps
}

// UpsertCompanionProgress implements companion.Repository.
func (s *Store) UpsertCompanionProgress(ctx context.Context, p companion.Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		s.failedOps++
		return shared.WrapError("memstore", "UpsertCompanionProgress", shared.ErrPersistence, "write rejected", s.writeErr)
	}
	if cur, ok := s.companions[p.Key()]; ok {
		p = cur.Merge(p)
	}
	s.companions[p.Key()] = p
	s.writes++
	return nil
}

// LoadCompanionProgress implements companion.Repository.
func (s *Store) LoadCompanionProgress(ctx context.Context, userID shared.UserID) ([]companion.Progress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.readErr != nil {
		return nil, shared.WrapError("memstore", "LoadCompanionProgress", shared.ErrPersistence, "read rejected", s.readErr)
	}
	var out []companion.Progress
	for k, p := range s.companions {
		if k.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Companion < out[j].Companion })
	return out, nil
}

// UpsertChallengeProgress implements challenge.ProgressRepository.
func (s *Store) UpsertChallengeProgress(ctx context.Context, p challenge.Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		s.failedOps++
		return shared.WrapError("memstore", "UpsertChallengeProgress", shared.ErrPersistence, "write rejected", s.writeErr)
	}
	if cur, ok := s.challenges[p.Key()]; ok {
		p = cur.Merge(p)
	}
	s.challenges[p.Key()] = p
	s.writes++
	return nil
}

// LoadChallengeProgress implements challenge.ProgressRepository.
func (s *Store) LoadChallengeProgress(ctx context.Context, userID shared.UserID, periodKey string) ([]challenge.Progress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.readErr != nil {
		return nil, shared.WrapError("memstore", "LoadChallengeProgress", shared.ErrPersistence, "read rejected", s.readErr)
	}
	var out []challenge.Progress
	for k, p := range s.challenges {
		if k.UserID == userID && k.PeriodKey == periodKey {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChallengeID < out[j].ChallengeID })
	return out, nil
}

// Companion returns a stored companion record. Test helper.
func (s *Store) Companion(userID shared.UserID, c companion.Type) (companion.Progress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.companions[companion.Key{UserID: userID, Companion: c}]
	return p, ok
}

// Challenge returns a stored challenge record. Test helper.
func (s *Store) Challenge(key challenge.Key) (challenge.Progress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.challenges[key]
	return p, ok
}
