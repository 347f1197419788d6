// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types.
const (
	// Progression events
	EventChallengeCompleted EventType = "progress.challenge_completed"
	EventCompanionEvolved   EventType = "progress.companion_evolved"
	EventCompanionLeveledUp EventType = "progress.companion_leveled_up"

	// System events
	EventProgressSynced    EventType = "system.progress_synced"
	EventPersistenceFailed EventType = "system.persistence_failed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event. The id is supplied by the caller so this
// package stays free of ID generators.
func NewBaseEvent(id string, eventType EventType, aggregateID string, at time.Time) BaseEvent {
	return BaseEvent{
		ID:          id,
		Type:        eventType,
		Timestamp:   at,
		AggregateId: aggregateID,
		Version:     1,
	}
}

// EventID returns the event identifier.
func (e BaseEvent) EventID() string {
	return e.ID
}

// Correlation returns the correlation ID, if any.
func (e BaseEvent) Correlation() string {
	return e.CorrelationID
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// CompanionAggregateID is the aggregate key for a user's companion.
func CompanionAggregateID(userID, companion string) string {
	return userID + ":" + companion
}

// ═══════════════════════════════════════════════════════════════════════════
// Progression Events
// ═══════════════════════════════════════════════════════════════════════════

// ChallengeCompletedEvent is emitted once per period instance when a challenge
// reaches its target.
type ChallengeCompletedEvent struct {
	BaseEvent
	UserID      string `json:"user_id"`
	Companion   string `json:"companion"`
	ChallengeID string `json:"challenge_id"`
	PeriodKey   string `json:"period_key"`
	XPAwarded   int    `json:"xp_awarded"`
	NewXP       int    `json:"new_xp"`
}

// Payload implements Event interface.
func (e ChallengeCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":      e.UserID,
		"companion":    e.Companion,
		"challenge_id": e.ChallengeID,
		"period_key":   e.PeriodKey,
		"xp_awarded":   e.XPAwarded,
		"new_xp":       e.NewXP,
	}
}

// NewChallengeCompletedEvent creates a new ChallengeCompletedEvent.
func NewChallengeCompletedEvent(id, userID, companion, challengeID, periodKey string, awarded, newXP int, at time.Time) ChallengeCompletedEvent {
	return ChallengeCompletedEvent{
		BaseEvent:   NewBaseEvent(id, EventChallengeCompleted, CompanionAggregateID(userID, companion), at),
		UserID:      userID,
		Companion:   companion,
		ChallengeID: challengeID,
		PeriodKey:   periodKey,
		XPAwarded:   awarded,
		NewXP:       newXP,
	}
}

// CompanionEvolvedEvent is the one-shot notification raised when a companion
// moves to a higher growth stage. Reason carries the title of the challenge
// that triggered the transition.
type CompanionEvolvedEvent struct {
	BaseEvent
	UserID    string `json:"user_id"`
	Companion string `json:"companion"`
	FromStage string `json:"from_stage"`
	ToStage   string `json:"to_stage"`
	Reason    string `json:"reason"`
}

// Payload implements Event interface.
func (e CompanionEvolvedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":    e.UserID,
		"companion":  e.Companion,
		"from_stage": e.FromStage,
		"to_stage":   e.ToStage,
		"reason":     e.Reason,
	}
}

// NewCompanionEvolvedEvent creates a new CompanionEvolvedEvent.
func NewCompanionEvolvedEvent(id, userID, companion, from, to, reason string, at time.Time) CompanionEvolvedEvent {
	return CompanionEvolvedEvent{
		BaseEvent: NewBaseEvent(id, EventCompanionEvolved, CompanionAggregateID(userID, companion), at),
		UserID:    userID,
		Companion: companion,
		FromStage: from,
		ToStage:   to,
		Reason:    reason,
	}
}

// CompanionLeveledUpEvent is emitted when an XP award raises a companion's
// level. A single award may skip levels.
type CompanionLeveledUpEvent struct {
	BaseEvent
	UserID    string `json:"user_id"`
	Companion string `json:"companion"`
	FromLevel int    `json:"from_level"`
	ToLevel   int    `json:"to_level"`
}

// Payload implements Event interface.
func (e CompanionLeveledUpEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":    e.UserID,
		"companion":  e.Companion,
		"from_level": e.FromLevel,
		"to_level":   e.ToLevel,
	}
}

// NewCompanionLeveledUpEvent creates a new CompanionLeveledUpEvent.
func NewCompanionLeveledUpEvent(id, userID, companion string, from, to int, at time.Time) CompanionLeveledUpEvent {
	return CompanionLeveledUpEvent{
		BaseEvent: NewBaseEvent(id, EventCompanionLeveledUp, CompanionAggregateID(userID, companion), at),
		UserID:    userID,
		Companion: companion,
		FromLevel: from,
		ToLevel:   to,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// System Events
// ═══════════════════════════════════════════════════════════════════════════

// PersistenceFailedEvent is emitted when a write could not reach the remote
// store and was queued for retry.
type PersistenceFailedEvent struct {
	BaseEvent
	UserID    string `json:"user_id"`
	RecordKey string `json:"record_key"`
	Error     string `json:"error"`
}

// Payload implements Event interface.
func (e PersistenceFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":    e.UserID,
		"record_key": e.RecordKey,
		"error":      e.Error,
	}
}

// NewPersistenceFailedEvent creates a new PersistenceFailedEvent.
func NewPersistenceFailedEvent(id, userID, recordKey string, err error, at time.Time) PersistenceFailedEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return PersistenceFailedEvent{
		BaseEvent: NewBaseEvent(id, EventPersistenceFailed, userID, at),
		UserID:    userID,
		RecordKey: recordKey,
		Error:     msg,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EnvelopeOf builds a transport envelope for an event.
func EnvelopeOf(id string, event Event) (EventEnvelope, error) {
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return EventEnvelope{}, WrapError("shared", "EnvelopeOf", ErrInvalidFormat, "failed to marshal payload", err)
	}
	env := EventEnvelope{
		ID:          id,
		Type:        event.EventType(),
		AggregateID: event.AggregateID(),
		Timestamp:   event.OccurredAt(),
		Version:     1,
		Payload:     payload,
	}
	if c, ok := event.(interface{ Correlation() string }); ok {
		env.CorrelationID = c.Correlation()
	}
	return env, nil
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
