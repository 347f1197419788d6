package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/pkg/logger"
	"github.com/soulpet/companion-hub/pkg/retry"
)

var testAt = time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)

func evolvedEvent(id string) shared.CompanionEvolvedEvent {
	return shared.NewCompanionEvolvedEvent(id, "u1", "cat", "teen", "guardian", "Focus Session", testAt)
}

func TestInMemoryBus_SyncDelivery(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{EnableMetrics: true})
	defer bus.Close()

	var typed, all int
	require.NoError(t, bus.Subscribe(shared.EventCompanionEvolved, func(shared.Event) error { typed++; return nil }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { all++; return nil }))

	require.NoError(t, bus.Publish(evolvedEvent("e1")))
	require.NoError(t, bus.Publish(shared.NewChallengeCompletedEvent("e2", "u1", "dog", "dog_walk_daily", "2024-03-13", 10, 10, testAt)))

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, all)

	snap := bus.Metrics().Snapshot()
	assert.EqualValues(t, 2, snap.TotalPublished)
	assert.EqualValues(t, 3, snap.TotalHandlerExecs)
}

func TestInMemoryBus_HandlerFailuresDoNotFailPublisher(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{EnableMetrics: true})
	defer bus.Close()

	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { return errors.New("boom") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { panic("kaboom") }))

	assert.NoError(t, bus.Publish(evolvedEvent("e1")))
	snap := bus.Metrics().Snapshot()
	assert.EqualValues(t, 2, snap.HandlerFailures)
}

func TestInMemoryBus_AsyncCloseWaits(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2})

	var handled atomic.Int32
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		time.Sleep(5 * time.Millisecond)
		handled.Add(1)
		return nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(evolvedEvent("e")))
	}
	require.NoError(t, bus.Close())
	assert.EqualValues(t, 5, handled.Load())

	assert.ErrorIs(t, bus.Publish(evolvedEvent("late")), ErrEventBusClosed)
	assert.ErrorIs(t, bus.SubscribeAll(func(shared.Event) error { return nil }), ErrEventBusClosed)
}

func TestInMemoryBus_RejectsNil(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{})
	defer bus.Close()
	assert.ErrorIs(t, bus.Publish(nil), ErrNilEvent)
	assert.ErrorIs(t, bus.Subscribe(shared.EventCompanionEvolved, nil), ErrNilHandler)
}

// fakeBroker fans published messages out to every subscriber.
type fakeBroker struct {
	mu   sync.Mutex
	subs []chan RedisMessage
	fail bool
}

func (b *fakeBroker) Publish(_ context.Context, channel string, message any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("redis down")
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	for _, ch := range b.subs {
		ch <- RedisMessage{Channel: channel, Payload: string(data)}
	}
	return nil
}

func (b *fakeBroker) Subscribe(_ context.Context, _ string) (<-chan RedisMessage, func() error, error) {
	ch := make(chan RedisMessage, 16)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch, func() error { return nil }, nil
}

func TestRedisBus_DeliversAcrossInstances(t *testing.T) {
	broker := &fakeBroker{}
	a, err := NewRedisEventBus(RedisEventBusConfig{Transport: broker, InstanceID: "a"})
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedisEventBus(RedisEventBusConfig{Transport: broker, InstanceID: "b"})
	require.NoError(t, err)
	defer b.Close()

	var localHits atomic.Int32
	require.NoError(t, a.Subscribe(shared.EventCompanionEvolved, func(shared.Event) error {
		localHits.Add(1)
		return nil
	}))

	received := make(chan shared.Event, 1)
	require.NoError(t, b.Subscribe(shared.EventCompanionEvolved, func(e shared.Event) error {
		received <- e
		return nil
	}))

	ev := evolvedEvent("evt-1")
	ev.BaseEvent = ev.BaseEvent.WithCorrelationID("req-7")
	require.NoError(t, a.Publish(ev))

	select {
	case got := <-received:
		remote, ok := got.(*RemoteEvent)
		require.True(t, ok)
		assert.Equal(t, "a", remote.Origin)
		assert.Equal(t, "req-7", remote.CorrelationID)

		typed, ok := remote.CompanionEvolved()
		require.True(t, ok)
		assert.Equal(t, "evt-1", typed.ID)
		assert.Equal(t, "u1", typed.UserID)
		assert.Equal(t, "guardian", typed.ToStage)
		assert.Equal(t, "Focus Session", typed.Reason)
		assert.True(t, testAt.Equal(typed.Timestamp))
	case <-time.After(time.Second):
		t.Fatal("remote event not delivered")
	}

	// The publisher sees its own event once, from the local bus only.
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, localHits.Load())
}

func TestRedisBus_RedisOutageStillDeliversLocally(t *testing.T) {
	broker := &fakeBroker{fail: true}
	bus, err := NewRedisEventBus(RedisEventBusConfig{Transport: broker})
	require.NoError(t, err)
	defer bus.Close()

	var hits int
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { hits++; return nil }))
	require.NoError(t, bus.Publish(evolvedEvent("e1")))
	assert.Equal(t, 1, hits)
}

func TestRedisBus_RequiresTransport(t *testing.T) {
	_, err := NewRedisEventBus(RedisEventBusConfig{})
	assert.Error(t, err)
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{})
	defer bus.Close()
	d := NewDispatcher(DispatcherConfig{
		EventBus:            bus,
		Retrier:             retry.New(retry.WithMaxAttempts(3), retry.WithInitialDelay(time.Millisecond)),
		DeadLetterQueueSize: 10,
	})
	defer d.Stop()

	calls := 0
	require.NoError(t, d.Register(shared.EventCompanionEvolved, "flaky", func(shared.Event) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}))
	require.NoError(t, d.Start())

	require.NoError(t, bus.Publish(evolvedEvent("e1")))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, d.DeadLetterQueue().Size())
}

func TestDispatcher_DeadLettersAfterExhaustion(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{
		Retrier:             retry.New(retry.WithMaxAttempts(2), retry.WithInitialDelay(time.Millisecond)),
		DeadLetterQueueSize: 10,
	})
	defer d.Stop()
	d.Use(RecoveryMiddleware(logger.Nop()))

	require.NoError(t, d.Register(shared.EventCompanionEvolved, "panicky", func(shared.Event) error { panic("bad") }))
	require.NoError(t, d.Register(shared.EventCompanionEvolved, "fine", func(shared.Event) error { return nil }))
	assert.Error(t, d.Register(shared.EventCompanionEvolved, "fine", func(shared.Event) error { return nil }))

	err := d.Dispatch(evolvedEvent("e1"))
	require.Error(t, err)

	entry, ok := d.DeadLetterQueue().Pop()
	require.True(t, ok)
	assert.Equal(t, "panicky", entry.HandlerName)
	assert.Equal(t, 2, entry.Attempts)
	assert.ErrorIs(t, entry.Error, ErrHandlerPanic)
}

func TestDeadLetterQueue_DropsOldest(t *testing.T) {
	q := NewDeadLetterQueue(2)
	q.Add(DeadLetterEntry{HandlerName: "a"})
	q.Add(DeadLetterEntry{HandlerName: "b"})
	q.Add(DeadLetterEntry{HandlerName: "c"})

	entries := q.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].HandlerName)
	assert.Equal(t, "c", entries[1].HandlerName)
}
