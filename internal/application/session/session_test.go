package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/evolution"
	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/internal/infrastructure/persistence/memstore"
)

var loadTime = time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)

type countingRepo struct {
	*memstore.Store
	loads atomic.Int32
}

func (r *countingRepo) LoadCompanionProgress(ctx context.Context, userID shared.UserID) ([]companion.Progress, error) {
	r.loads.Add(1)
	time.Sleep(10 * time.Millisecond)
	return r.Store.LoadCompanionProgress(ctx, userID)
}

type stubPending struct {
	companions []companion.Progress
}

func (p stubPending) Reconcile(userID shared.UserID, _ []companion.Progress, _ []challenge.Progress) ([]companion.Progress, []challenge.Progress) {
	var out []companion.Progress
	for _, c := range p.companions {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func newRegistry(store *memstore.Store, pending PendingWrites) *Registry {
	return NewRegistry(RegistryConfig{
		Companions: store,
		Challenges: store,
		Keyer:      challenge.NewPeriodKeyer(time.UTC),
		Calculator: evolution.MustCalculator(evolution.DefaultEconomy()),
		Pending:    pending,
		Clock:      shared.FixedClock{At: loadTime},
	})
}

func TestStore_DefaultsAndReconcile(t *testing.T) {
	s := NewStore("u1")

	dog := s.Companion(companion.TypeDog)
	assert.Equal(t, 1, dog.Level)
	assert.Equal(t, companion.StageBaby, dog.Stage)
	assert.Len(t, s.Companions(), 3)

	s.PutCompanion(companion.Progress{UserID: "u1", Companion: companion.TypeDog, XP: 120, ChallengesCompleted: 6, Level: 3, Stage: companion.StageTeen})
	s.Reconcile([]companion.Progress{
		{UserID: "u1", Companion: companion.TypeDog, XP: 60, ChallengesCompleted: 7, Level: 2, Stage: companion.StageBaby},
		{UserID: "someone-else", Companion: companion.TypeCat, XP: 999},
	}, nil, loadTime)

	dog = s.Companion(companion.TypeDog)
	assert.Equal(t, 120, dog.XP.Int())
	assert.Equal(t, 7, dog.ChallengesCompleted)
	assert.Equal(t, companion.StageTeen, dog.Stage)
	assert.Equal(t, 0, s.Companion(companion.TypeCat).XP.Int())
	assert.Equal(t, loadTime, s.SyncedAt())
}

func TestStore_BeginEnd(t *testing.T) {
	s := NewStore("u1")

	require.NoError(t, s.Begin("dog/dog_breathing_daily"))
	assert.True(t, shared.IsBusy(s.Begin("dog/dog_breathing_daily")))
	require.NoError(t, s.Begin("cat/cat_focus_daily"))

	s.End("dog/dog_breathing_daily")
	assert.False(t, s.InFlight("dog/dog_breathing_daily"))
	assert.NoError(t, s.Begin("dog/dog_breathing_daily"))
}

func TestStore_EvolutionInbox(t *testing.T) {
	s := NewStore("u1")
	ch, cancel := s.Watch(1)
	defer cancel()

	ev := shared.NewCompanionEvolvedEvent("e1", "u1", "dog", "baby", "teen", "Deep Breaths", loadTime)
	s.PushEvolution(ev)

	select {
	case got := <-ch:
		assert.Equal(t, "e1", got.ID)
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive evolution")
	}

	require.Len(t, s.PendingEvolutions(), 1)
	acked, err := s.Acknowledge("e1")
	require.NoError(t, err)
	assert.Equal(t, "teen", acked.ToStage)

	_, err = s.Acknowledge("e1")
	assert.ErrorIs(t, err, shared.ErrEvolutionNotFound)
	assert.Empty(t, s.PendingEvolutions())
}

func TestStore_SetActive(t *testing.T) {
	s := NewStore("u1")
	assert.Equal(t, companion.TypeDog, s.Active())

	require.NoError(t, s.SetActive(companion.TypeFish))
	assert.Equal(t, companion.TypeFish, s.Active())
	assert.Error(t, s.SetActive(companion.Type("dragon")))
	assert.Equal(t, companion.TypeFish, s.Active())
}

func TestRegistry_LoadsRemoteState(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	// stored stage lags the thresholds
	require.NoError(t, store.UpsertCompanionProgress(ctx, companion.Progress{
		UserID: "u1", Companion: companion.TypeCat, XP: 120, ChallengesCompleted: 6, Level: 3, Stage: companion.StageBaby,
	}))
	require.NoError(t, store.UpsertChallengeProgress(ctx, challenge.Progress{
		UserID: "u1", Companion: companion.TypeCat, ChallengeID: "cat_focus_daily", PeriodKey: "2024-03-13", Progress: 1, Target: 2,
	}))
	require.NoError(t, store.UpsertChallengeProgress(ctx, challenge.Progress{
		UserID: "u1", Companion: companion.TypeCat, ChallengeID: "cat_focus_daily", PeriodKey: "2024-03-12", Progress: 2, Target: 2, Completed: true,
	}))

	r := newRegistry(store, nil)
	s, err := r.Get(ctx, "u1")
	require.NoError(t, err)

	cat := s.Companion(companion.TypeCat)
	assert.Equal(t, 120, cat.XP.Int())
	assert.Equal(t, companion.StageTeen, cat.Stage)

	today, ok := s.GetChallenge(challenge.Key{UserID: "u1", Companion: companion.TypeCat, ChallengeID: "cat_focus_daily", PeriodKey: "2024-03-13"})
	require.True(t, ok)
	assert.Equal(t, 1, today.Progress)

	_, ok = s.GetChallenge(challenge.Key{UserID: "u1", Companion: companion.TypeCat, ChallengeID: "cat_focus_daily", PeriodKey: "2024-03-12"})
	assert.False(t, ok)
}

func TestRegistry_ConcurrentGetSharesOneLoad(t *testing.T) {
	repo := &countingRepo{Store: memstore.New()}
	r := NewRegistry(RegistryConfig{
		Companions: repo,
		Challenges: repo,
		Keyer:      challenge.NewPeriodKeyer(time.UTC),
		Clock:      shared.FixedClock{At: loadTime},
	})

	var wg sync.WaitGroup
	sessions := make([]*Store, 8)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Get(context.Background(), "u1")
			if err == nil {
				sessions[i] = s
			}
		}(i)
	}
	wg.Wait()

	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, int32(1), repo.loads.Load())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_LoadFailureIsNotCached(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.FailReads(errors.New("down"))
	r := newRegistry(store, nil)

	_, err := r.Get(ctx, "u1")
	assert.ErrorIs(t, err, shared.ErrServiceUnavailable)
	assert.Equal(t, 0, r.Len())

	store.FailReads(nil)
	_, err = r.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())

	_, err = r.Get(ctx, "")
	assert.True(t, shared.IsValidation(err))
}

func TestRegistry_OverlaysPendingWrites(t *testing.T) {
	pending := stubPending{companions: []companion.Progress{
		{UserID: "u1", Companion: companion.TypeFish, XP: 25, ChallengesCompleted: 2, Level: 1},
	}}
	r := newRegistry(memstore.New(), pending)

	s, err := r.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 25, s.Companion(companion.TypeFish).XP.Int())
}

func TestRegistry_EvictIdle(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(memstore.New(), nil)

	idle, err := r.Get(ctx, "idle")
	require.NoError(t, err)
	busy, err := r.Get(ctx, "busy")
	require.NoError(t, err)
	require.NoError(t, busy.Begin("dog/dog_breathing_daily"))

	// both sessions were touched at loadTime, so any positive idle window keeps them
	assert.Equal(t, 0, r.EvictIdle(time.Minute))

	idle.lastSeen = loadTime.Add(-time.Hour)
	busy.lastSeen = loadTime.Add(-time.Hour)
	assert.Equal(t, 1, r.EvictIdle(time.Minute))

	_, ok := r.Lookup("idle")
	assert.False(t, ok)
	_, ok = r.Lookup("busy")
	assert.True(t, ok)
}
