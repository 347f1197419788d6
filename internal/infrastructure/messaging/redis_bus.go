package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soulpet/companion-hub/internal/domain/shared"
	rediscache "github.com/soulpet/companion-hub/internal/infrastructure/persistence/redis"
	"github.com/soulpet/companion-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// REDIS EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// RedisEventBus fans events out to every instance over Redis Pub/Sub. Each
// event is delivered to local handlers directly and to other instances through
// one channel per event type. Messages an instance published itself are
// skipped on receipt.
type RedisEventBus struct {
	transport  Transport
	localBus   *InMemoryEventBus
	instanceID string
	log        *logger.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
}

// Transport is the pub/sub surface the bus needs.
type Transport interface {
	Publish(ctx context.Context, channel string, message any) error
	Subscribe(ctx context.Context, pattern string) (<-chan RedisMessage, func() error, error)
}

// RedisMessage is one message received from Pub/Sub.
type RedisMessage struct {
	Channel string
	Payload string
}

// RedisEventBusConfig contains configuration for RedisEventBus.
type RedisEventBusConfig struct {
	Transport Transport

	// InstanceID identifies this process; generated when empty.
	InstanceID string

	LocalBusConfig InMemoryEventBusConfig

	Logger *logger.Logger
}

// wireMessage is the JSON body published to Redis.
type wireMessage struct {
	Origin string               `json:"origin"`
	Event  shared.EventEnvelope `json:"event"`
}

// NewRedisEventBus creates a Redis-backed event bus and starts its subscriber.
func NewRedisEventBus(config RedisEventBusConfig) (*RedisEventBus, error) {
	if config.Transport == nil {
		return nil, errors.New("redis transport is required")
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.LocalBusConfig.Logger == nil {
		config.LocalBusConfig.Logger = config.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := &RedisEventBus{
		transport:  config.Transport,
		localBus:   NewInMemoryEventBus(config.LocalBusConfig),
		instanceID: config.InstanceID,
		log:        config.Logger.With(logger.Component("redis_event_bus"), logger.String("instance", config.InstanceID)),
		ctx:        ctx,
		cancel:     cancel,
	}

	if err := bus.startSubscriber(); err != nil {
		cancel()
		return nil, fmt.Errorf("start subscriber: %w", err)
	}

	return bus, nil
}

// Subscribe registers a handler for a specific event type.
func (b *RedisEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.localBus.Subscribe(eventType, handler)
}

// SubscribeAll registers a handler for all events.
func (b *RedisEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.localBus.SubscribeAll(handler)
}

// Publish sends an event to local handlers and to Redis. A Redis failure is
// logged; local delivery still happens.
func (b *RedisEventBus) Publish(event shared.Event) error {
	if event == nil {
		return ErrNilEvent
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrEventBusClosed
	}

	if err := b.publishRemote(event); err != nil {
		b.log.Error("failed to publish to redis",
			logger.String("event_type", string(event.EventType())),
			logger.Err(err),
		)
	}

	return b.localBus.Publish(event)
}

func (b *RedisEventBus) publishRemote(event shared.Event) error {
	id := uuid.NewString()
	if ider, ok := event.(interface{ EventID() string }); ok && ider.EventID() != "" {
		id = ider.EventID()
	}
	envelope, err := shared.EnvelopeOf(id, event)
	if err != nil {
		return err
	}

	msg := wireMessage{Origin: b.instanceID, Event: envelope}

	ctx, cancel := context.WithTimeout(b.ctx, 3*time.Second)
	defer cancel()
	return b.transport.Publish(ctx, rediscache.PubSubChannel(string(event.EventType())), msg)
}

func (b *RedisEventBus) startSubscriber() error {
	messages, unsubscribe, err := b.transport.Subscribe(b.ctx, rediscache.PrefixPubSub+"*")
	if err != nil {
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if err := unsubscribe(); err != nil {
				b.log.Warn("unsubscribe failed", logger.Err(err))
			}
		}()
		b.subscriptionLoop(messages)
	}()

	return nil
}

func (b *RedisEventBus) subscriptionLoop(messages <-chan RedisMessage) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.handleRedisMessage(msg)
		}
	}
}

func (b *RedisEventBus) handleRedisMessage(msg RedisMessage) {
	var wire wireMessage
	if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
		b.log.Error("failed to unmarshal event", logger.String("channel", msg.Channel), logger.Err(err))
		return
	}

	if wire.Origin == b.instanceID {
		return
	}

	event, err := newRemoteEvent(wire)
	if err != nil {
		b.log.Error("failed to decode event payload", logger.EventID(wire.Event.ID), logger.Err(err))
		return
	}

	if err := b.localBus.Publish(event); err != nil {
		b.log.Error("failed to process remote event", logger.EventID(wire.Event.ID), logger.Err(err))
	}
}

// Close stops the subscriber and drains the local bus.
func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	if err := b.localBus.Close(); err != nil {
		b.log.Error("failed to close local bus", logger.Err(err))
	}

	b.log.Info("redis event bus closed")
	return nil
}

// Metrics returns the metrics of the local bus.
func (b *RedisEventBus) Metrics() *EventBusMetrics {
	return b.localBus.Metrics()
}

// ══════════════════════════════════════════════════════════════════════════════
// REMOTE EVENTS
// ══════════════════════════════════════════════════════════════════════════════

// RemoteEvent is an event received from another instance.
type RemoteEvent struct {
	ID            string
	Origin        string
	CorrelationID string
	eventType     shared.EventType
	aggregateID   string
	occurredAt    time.Time
	payload       map[string]interface{}
}

func newRemoteEvent(wire wireMessage) (*RemoteEvent, error) {
	payload := map[string]interface{}{}
	if len(wire.Event.Payload) > 0 {
		if err := json.Unmarshal(wire.Event.Payload, &payload); err != nil {
			return nil, err
		}
	}
	return &RemoteEvent{
		ID:            wire.Event.ID,
		Origin:        wire.Origin,
		CorrelationID: wire.Event.CorrelationID,
		eventType:     wire.Event.Type,
		aggregateID:   wire.Event.AggregateID,
		occurredAt:    wire.Event.Timestamp,
		payload:       payload,
	}, nil
}

func (e *RemoteEvent) EventType() shared.EventType     { return e.eventType }
func (e *RemoteEvent) AggregateID() string             { return e.aggregateID }
func (e *RemoteEvent) OccurredAt() time.Time           { return e.occurredAt }
func (e *RemoteEvent) Payload() map[string]interface{} { return e.payload }

func (e *RemoteEvent) str(key string) string {
	v, _ := e.payload[key].(string)
	return v
}

// CompanionEvolved rebuilds the typed event from a remote companion_evolved event.
func (e *RemoteEvent) CompanionEvolved() (shared.CompanionEvolvedEvent, bool) {
	if e.eventType != shared.EventCompanionEvolved {
		return shared.CompanionEvolvedEvent{}, false
	}
	ev := shared.NewCompanionEvolvedEvent(e.ID, e.str("user_id"), e.str("companion"),
		e.str("from_stage"), e.str("to_stage"), e.str("reason"), e.occurredAt)
	ev.BaseEvent = ev.BaseEvent.WithCorrelationID(e.CorrelationID)
	return ev, true
}

// ══════════════════════════════════════════════════════════════════════════════
// CACHE TRANSPORT
// ══════════════════════════════════════════════════════════════════════════════

// CacheTransport adapts the Redis cache client to Transport.
type CacheTransport struct {
	cache *rediscache.Cache
}

// NewCacheTransport wraps cache.
func NewCacheTransport(cache *rediscache.Cache) *CacheTransport {
	return &CacheTransport{cache: cache}
}

// Publish implements Transport.
func (t *CacheTransport) Publish(ctx context.Context, channel string, message any) error {
	return t.cache.Publish(ctx, channel, message)
}

// Subscribe implements Transport with a pattern subscription.
func (t *CacheTransport) Subscribe(ctx context.Context, pattern string) (<-chan RedisMessage, func() error, error) {
	ps := t.cache.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	out := make(chan RedisMessage, 64)
	go func() {
		defer close(out)
		for m := range ps.Channel() {
			if !strings.HasPrefix(m.Channel, rediscache.PrefixPubSub) {
				continue
			}
			select {
			case out <- RedisMessage{Channel: m.Channel, Payload: m.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, ps.Close, nil
}
