package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulpet/companion-hub/internal/application/session"
	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/evolution"
	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/internal/infrastructure/outbox"
	"github.com/soulpet/companion-hub/internal/infrastructure/persistence/memstore"
)

var stepTime = time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) ofType(t shared.EventType) []shared.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []shared.Event
	for _, e := range p.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	coord  *ProgressionCoordinator
	store  *memstore.Store
	outbox *outbox.Outbox
	events *recordingPublisher
	sess   *session.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog, err := challenge.NewCatalog([]challenge.Definition{
		{ID: "dog_breathing_daily", Companion: companion.TypeDog, Period: challenge.PeriodDaily, Title: "Deep Breaths", Target: 3, XPReward: 15},
		{ID: "dog_zen_weekly", Companion: companion.TypeDog, Period: challenge.PeriodWeekly, Title: "Zen Master", Target: 10, XPReward: 50},
		{ID: "cat_focus_daily", Companion: companion.TypeCat, Period: challenge.PeriodDaily, Title: "Focus Session", Target: 2, XPReward: 15},
	})
	require.NoError(t, err)

	store := memstore.New()
	clock := shared.FixedClock{At: stepTime}
	ob := outbox.New(outbox.Config{Companions: store, Challenges: store, Clock: clock})
	events := &recordingPublisher{}

	ids := 0
	coord := NewProgressionCoordinator(ProgressionCoordinatorConfig{
		Tracker:        challenge.NewTracker(catalog, challenge.NewPeriodKeyer(time.UTC)),
		Calculator:     evolution.MustCalculator(evolution.DefaultEconomy()),
		Companions:     store,
		Challenges:     store,
		WriteBehind:    ob,
		EventPublisher: events,
		Clock:          clock,
		IDGenerator: func() string {
			ids++
			return fmt.Sprintf("evt-%d", ids)
		},
	})

	return &fixture{coord: coord, store: store, outbox: ob, events: events, sess: session.NewStore("u1")}
}

func (f *fixture) step(t *testing.T, c, id string, amount int) *CompleteStepResult {
	t.Helper()
	res, err := f.coord.CompleteStep(context.Background(), f.sess, CompleteStepCommand{
		UserID: "u1", Companion: c, ChallengeID: id, Amount: amount,
	})
	require.NoError(t, err)
	return res
}

func TestCompleteStep_AwardsOnlyOnCompletion(t *testing.T) {
	f := newFixture(t)

	r1 := f.step(t, "dog", "dog_breathing_daily", 1)
	assert.False(t, r1.JustCompleted)
	assert.Equal(t, 1, r1.Challenge.Progress)
	assert.Equal(t, 0, r1.Companion.XP.Int())

	r2 := f.step(t, "dog", "dog_breathing_daily", 1)
	assert.False(t, r2.JustCompleted)
	assert.Equal(t, 2, r2.Challenge.Progress)

	r3 := f.step(t, "dog", "dog_breathing_daily", 1)
	assert.True(t, r3.JustCompleted)
	assert.Equal(t, 15, r3.XPAwarded)
	assert.Equal(t, 15, r3.Companion.XP.Int())
	assert.Equal(t, 1, r3.Companion.ChallengesCompleted)
	assert.Equal(t, 1, r3.Companion.Level)
	assert.Equal(t, companion.StageBaby, r3.Companion.Stage)
	assert.Nil(t, r3.Evolution)
	assert.True(t, r3.Synced)
	require.NotNil(t, r3.Challenge.CompletedAt)

	r4 := f.step(t, "dog", "dog_breathing_daily", 1)
	assert.False(t, r4.JustCompleted)
	assert.Equal(t, 0, r4.XPAwarded)
	assert.Equal(t, 15, r4.Companion.XP.Int())
	assert.Equal(t, 3, r4.Challenge.Progress)

	stored, ok := f.store.Companion("u1", companion.TypeDog)
	require.True(t, ok)
	assert.Equal(t, 15, stored.XP.Int())
	assert.Len(t, f.events.ofType(shared.EventChallengeCompleted), 1)
}

func TestCompleteStep_OvershootIsClamped(t *testing.T) {
	f := newFixture(t)

	r := f.step(t, "dog", "dog_breathing_daily", 50)
	assert.True(t, r.JustCompleted)
	assert.Equal(t, 3, r.Challenge.Progress)
	assert.Equal(t, 15, r.Companion.XP.Int())
}

func TestCompleteStep_EvolvesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.sess.PutCompanion(companion.Progress{
		UserID: "u1", Companion: companion.TypeCat,
		XP: 290, ChallengesCompleted: 14, Level: 6, Stage: companion.StageTeen,
	})

	r := f.step(t, "cat", "cat_focus_daily", 2)
	require.True(t, r.JustCompleted)
	assert.Equal(t, 305, r.Companion.XP.Int())
	assert.Equal(t, 15, r.Companion.ChallengesCompleted)
	assert.Equal(t, 7, r.Companion.Level)
	assert.Equal(t, companion.StageGuardian, r.Companion.Stage)

	require.NotNil(t, r.Evolution)
	assert.Equal(t, "teen", r.Evolution.FromStage)
	assert.Equal(t, "guardian", r.Evolution.ToStage)
	assert.Equal(t, "Focus Session", r.Evolution.Reason)

	again := f.step(t, "cat", "cat_focus_daily", 1)
	assert.Nil(t, again.Evolution)

	assert.Len(t, f.sess.PendingEvolutions(), 1)
	assert.Len(t, f.events.ofType(shared.EventCompanionEvolved), 1)
	assert.Len(t, f.events.ofType(shared.EventCompanionLeveledUp), 1)
}

func TestCompleteStep_PublishesLevelUp(t *testing.T) {
	f := newFixture(t)

	f.step(t, "dog", "dog_breathing_daily", 3)
	assert.Empty(t, f.events.ofType(shared.EventCompanionLeveledUp), "15 XP stays on level 1")

	f.sess.PutCompanion(companion.Progress{
		UserID: "u1", Companion: companion.TypeCat,
		XP: 40, ChallengesCompleted: 2, Level: 1, Stage: companion.StageBaby,
	})
	res, err := f.coord.CompleteStep(context.Background(), f.sess, CompleteStepCommand{
		UserID: "u1", Companion: "cat", ChallengeID: "cat_focus_daily", Amount: 2, CorrelationID: "req-9",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Companion.Level)
	assert.Nil(t, res.Evolution)

	events := f.events.ofType(shared.EventCompanionLeveledUp)
	require.Len(t, events, 1)
	ev, ok := events[0].(shared.CompanionLeveledUpEvent)
	require.True(t, ok)
	assert.Equal(t, 1, ev.FromLevel)
	assert.Equal(t, 2, ev.ToLevel)
	assert.Equal(t, "u1:cat", ev.AggregateID())
	assert.Equal(t, "req-9", ev.Correlation())
}

func TestCompleteStep_OtherCompanionsUntouched(t *testing.T) {
	f := newFixture(t)

	f.step(t, "cat", "cat_focus_daily", 2)

	assert.Equal(t, 15, f.sess.Companion(companion.TypeCat).XP.Int())
	assert.Equal(t, 0, f.sess.Companion(companion.TypeDog).XP.Int())
	assert.Equal(t, 0, f.sess.Companion(companion.TypeFish).XP.Int())
}

func TestCompleteStep_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.CompleteStep(ctx, f.sess, CompleteStepCommand{UserID: "u1", Companion: "cat", ChallengeID: "dog_breathing_daily", Amount: 1})
	assert.True(t, shared.IsNotFound(err))

	_, err = f.coord.CompleteStep(ctx, f.sess, CompleteStepCommand{UserID: "u1", Companion: "dog", ChallengeID: "nope", Amount: 1})
	assert.True(t, shared.IsNotFound(err))

	_, err = f.coord.CompleteStep(ctx, f.sess, CompleteStepCommand{UserID: "u1", Companion: "dog", ChallengeID: "dog_breathing_daily", Amount: 0})
	assert.True(t, shared.IsValidation(err))

	_, err = f.coord.CompleteStep(ctx, f.sess, CompleteStepCommand{UserID: "u1", Companion: "dragon", ChallengeID: "dog_breathing_daily", Amount: 1})
	assert.True(t, shared.IsValidation(err))

	_, err = f.coord.CompleteStep(ctx, f.sess, CompleteStepCommand{UserID: "u2", Companion: "dog", ChallengeID: "dog_breathing_daily", Amount: 1})
	assert.ErrorIs(t, err, shared.ErrForbidden)

	assert.Equal(t, 0, f.store.Writes())
	assert.Equal(t, 0, f.sess.Companion(companion.TypeDog).XP.Int())
	assert.Empty(t, f.events.events)
}

func TestCompleteStep_FailedWritesAreQueued(t *testing.T) {
	f := newFixture(t)
	f.store.FailWrites(errors.New("connection reset"))

	r := f.step(t, "cat", "cat_focus_daily", 2)
	assert.True(t, r.JustCompleted)
	assert.False(t, r.Synced)
	assert.Equal(t, 15, f.sess.Companion(companion.TypeCat).XP.Int())
	assert.Equal(t, 2, f.outbox.Len())
	assert.Len(t, f.events.ofType(shared.EventPersistenceFailed), 2)

	f.store.FailWrites(nil)
	res, err := f.outbox.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 0, f.outbox.Len())

	stored, ok := f.store.Companion("u1", companion.TypeCat)
	require.True(t, ok)
	assert.Equal(t, 15, stored.XP.Int())
	assert.Equal(t, 1, stored.ChallengesCompleted)
}

func TestCompleteStep_ConcurrentStepsAwardOnce(t *testing.T) {
	f := newFixture(t)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.coord.CompleteStep(context.Background(), f.sess, CompleteStepCommand{
				UserID: "u1", Companion: "dog", ChallengeID: "dog_breathing_daily", Amount: 1,
			})
			if err != nil {
				return
			}
			if res.JustCompleted {
				mu.Lock()
				completed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, completed)
	dog := f.sess.Companion(companion.TypeDog)
	assert.Equal(t, 15, dog.XP.Int())
	assert.Equal(t, 1, dog.ChallengesCompleted)
}

func TestCompleteStep_PathIndependent(t *testing.T) {
	a := newFixture(t)
	b := newFixture(t)

	for i := 0; i < 10; i++ {
		a.step(t, "dog", "dog_zen_weekly", 1)
	}
	b.step(t, "dog", "dog_zen_weekly", 4)
	b.step(t, "dog", "dog_zen_weekly", 6)

	assert.Equal(t, a.sess.Companion(companion.TypeDog).XP, b.sess.Companion(companion.TypeDog).XP)
	assert.Equal(t, 50, b.sess.Companion(companion.TypeDog).XP.Int())
}
