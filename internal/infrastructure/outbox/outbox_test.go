package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/internal/infrastructure/persistence/memstore"
	"github.com/soulpet/companion-hub/pkg/circuitbreaker"
	"github.com/soulpet/companion-hub/pkg/retry"
)

var queuedAt = time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)

func newTestOutbox(store *memstore.Store, breaker *circuitbreaker.CircuitBreaker) *Outbox {
	return New(Config{
		Companions: store,
		Challenges: store,
		Retrier:    retry.New(retry.WithMaxAttempts(1)),
		Breaker:    breaker,
		Clock:      shared.FixedClock{At: queuedAt},
	})
}

func dog(xp, count int) companion.Progress {
	return companion.Progress{UserID: "u1", Companion: companion.TypeDog, XP: shared.XP(xp), ChallengesCompleted: count, Level: xp/50 + 1}
}

func TestOutbox_QueueCoalescesByKey(t *testing.T) {
	o := newTestOutbox(memstore.New(), nil)

	o.QueueCompanion(dog(20, 1), errors.New("first"))
	o.QueueCompanion(dog(10, 2), errors.New("second"))

	pending := o.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 20, pending[0].Companion.XP.Int())
	assert.Equal(t, 2, pending[0].Companion.ChallengesCompleted)
	assert.Equal(t, "second", pending[0].LastError)
	assert.NotEmpty(t, pending[0].ID)
}

func TestOutbox_FlushRetriesUntilRemoteRecovers(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	o := newTestOutbox(store, circuitbreaker.New("test", circuitbreaker.WithFailureThreshold(10)))

	o.QueueCompanion(dog(15, 1), errors.New("timeout"))
	o.QueueChallenge(challenge.Progress{
		UserID: "u1", Companion: companion.TypeDog, ChallengeID: "dog_breathing_daily",
		PeriodKey: "2024-03-13", Progress: 3, Target: 3, Completed: true,
	}, errors.New("timeout"))

	store.FailWrites(errors.New("still down"))
	res, err := o.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 2, res.Remaining)
	for _, e := range o.Pending() {
		assert.Equal(t, 1, e.Attempts)
	}

	store.FailWrites(nil)
	res, err = o.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 0, res.Remaining)

	stored, ok := store.Companion("u1", companion.TypeDog)
	require.True(t, ok)
	assert.Equal(t, 15, stored.XP.Int())
}

func TestOutbox_FlushStopsWhenBreakerOpens(t *testing.T) {
	store := memstore.New()
	store.FailWrites(errors.New("down"))
	o := newTestOutbox(store, circuitbreaker.New("test",
		circuitbreaker.WithFailureThreshold(1),
		circuitbreaker.WithTimeout(time.Hour),
	))

	o.QueueCompanion(dog(10, 1), nil)
	o.QueueCompanion(companion.Progress{UserID: "u2", Companion: companion.TypeCat, XP: 10, ChallengesCompleted: 1, Level: 1}, nil)

	res, err := o.Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, res.ShortCircuited)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, circuitbreaker.StateOpen, o.Breaker().State)
	assert.Equal(t, 1, o.Breaker().ConsecutiveFailures)
}

func TestOutbox_ReconcileDropsCoveredEntries(t *testing.T) {
	o := newTestOutbox(memstore.New(), nil)

	o.QueueCompanion(dog(30, 2), nil)
	o.QueueCompanion(companion.Progress{UserID: "u1", Companion: companion.TypeCat, XP: 45, ChallengesCompleted: 3, Level: 1}, nil)
	o.QueueCompanion(companion.Progress{UserID: "u2", Companion: companion.TypeCat, XP: 5, ChallengesCompleted: 1, Level: 1}, nil)

	remote := []companion.Progress{
		dog(40, 3),
		{UserID: "u1", Companion: companion.TypeCat, XP: 15, ChallengesCompleted: 1, Level: 1},
	}
	pc, pch := o.Reconcile("u1", remote, nil)

	require.Len(t, pc, 1)
	assert.Equal(t, companion.TypeCat, pc[0].Companion)
	assert.Empty(t, pch)
	assert.Equal(t, 2, o.Len())
}
