// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/soulpet/companion-hub/internal/application/session"
	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/evolution"
	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// COMPLETE STEP COMMAND
// Advances one challenge of one companion by Amount. When the step finishes
// the challenge for the current period, the companion is awarded XP exactly
// once and may evolve. Session state is updated first; both records are then
// written to the remote store, and failed writes go to the write-behind queue.
// ══════════════════════════════════════════════════════════════════════════════

// CompleteStepCommand contains the data for one step.
type CompleteStepCommand struct {
	// UserID must match the session owner.
	UserID string

	// Companion is "dog", "cat" or "fish".
	Companion string

	// ChallengeID must belong to Companion.
	ChallengeID string

	// Amount is the number of steps; must be positive.
	Amount int

	// CorrelationID for tracing.
	CorrelationID string
}

// Validate validates the command shape. Catalog membership is checked later.
func (c CompleteStepCommand) Validate() error {
	if c.UserID == "" {
		return shared.ErrEmptyUserID
	}
	if c.ChallengeID == "" {
		return shared.NewDomainError("challenge", "CompleteStep", shared.ErrEmptyValue, "challenge id is required")
	}
	if c.Amount <= 0 {
		return shared.ErrNonPositiveAmount
	}
	if _, err := companion.ParseType(c.Companion); err != nil {
		return err
	}
	return nil
}

// CompleteStepResult contains the state after the step.
type CompleteStepResult struct {
	// Companion is the companion record after the step.
	Companion companion.Progress

	// Challenge is the challenge record for the current period.
	Challenge challenge.Progress

	// Definition is the resolved catalog entry.
	Definition challenge.Definition

	// JustCompleted is true only on the call that finished the challenge.
	JustCompleted bool

	// XPAwarded is the reward granted by this call, 0 if none.
	XPAwarded int

	// Evolution is set when this call moved the companion to a new stage.
	Evolution *shared.CompanionEvolvedEvent

	// Synced is false when at least one record was queued for retry.
	Synced bool
}

// WriteBehind receives records whose remote write failed.
type WriteBehind interface {
	QueueCompanion(p companion.Progress, cause error)
	QueueChallenge(p challenge.Progress, cause error)
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// ProgressionCoordinator handles CompleteStepCommand.
type ProgressionCoordinator struct {
	tracker        *challenge.Tracker
	calc           *evolution.Calculator
	companions     companion.Repository
	challenges     challenge.ProgressRepository
	writeBehind    WriteBehind
	eventPublisher shared.EventPublisher
	clock          shared.Clock
	newID          func() string
	log            *logger.Logger
	tracer         trace.Tracer
}

// ProgressionCoordinatorConfig wires a ProgressionCoordinator.
type ProgressionCoordinatorConfig struct {
	Tracker        *challenge.Tracker
	Calculator     *evolution.Calculator
	Companions     companion.Repository
	Challenges     challenge.ProgressRepository
	WriteBehind    WriteBehind
	EventPublisher shared.EventPublisher
	Clock          shared.Clock
	// IDGenerator defaults to random UUIDs.
	IDGenerator func() string
	Logger      *logger.Logger
}

// NewProgressionCoordinator creates a ProgressionCoordinator.
func NewProgressionCoordinator(cfg ProgressionCoordinatorConfig) *ProgressionCoordinator {
	if cfg.Clock == nil {
		cfg.Clock = shared.SystemClock{}
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &ProgressionCoordinator{
		tracker:        cfg.Tracker,
		calc:           cfg.Calculator,
		companions:     cfg.Companions,
		challenges:     cfg.Challenges,
		writeBehind:    cfg.WriteBehind,
		eventPublisher: cfg.EventPublisher,
		clock:          cfg.Clock,
		newID:          cfg.IDGenerator,
		log:            cfg.Logger.With(logger.Component("progression")),
		tracer:         otel.Tracer("companion-hub/progression"),
	}
}

// CompleteStep executes the command against the user's session.
func (h *ProgressionCoordinator) CompleteStep(ctx context.Context, sess *session.Store, cmd CompleteStepCommand) (*CompleteStepResult, error) {
	ctx, span := h.tracer.Start(ctx, "progression.CompleteStep", trace.WithAttributes(
		attribute.String("user_id", cmd.UserID),
		attribute.String("companion", cmd.Companion),
		attribute.String("challenge_id", cmd.ChallengeID),
		attribute.Int("amount", cmd.Amount),
	))
	defer span.End()

	res, err := h.completeStep(ctx, sess, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete step failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("just_completed", res.JustCompleted),
		attribute.Bool("evolved", res.Evolution != nil),
		attribute.Bool("synced", res.Synced),
	)
	return res, nil
}

func (h *ProgressionCoordinator) completeStep(ctx context.Context, sess *session.Store, cmd CompleteStepCommand) (*CompleteStepResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if sess == nil || sess.UserID().String() != cmd.UserID {
		return nil, shared.NewDomainError("progression", "CompleteStep", shared.ErrForbidden, "session does not belong to user")
	}
	c, _ := companion.ParseType(cmd.Companion)
	userID := sess.UserID()

	release := sess.Lock(c)
	defer release()

	now := h.clock.Now()
	outcome, err := h.tracker.RecordProgress(sess, userID, c, cmd.ChallengeID, cmd.Amount, now)
	if err != nil {
		return nil, err
	}

	res := &CompleteStepResult{
		Companion:  sess.Companion(c),
		Challenge:  outcome.Progress,
		Definition: outcome.Definition,
		Synced:     true,
	}
	if !outcome.Changed {
		return res, nil
	}

	if !outcome.JustCompleted {
		res.Synced = h.writeChallenge(ctx, outcome.Progress)
		return res, nil
	}

	before := res.Companion
	updated, evolved := h.calc.Award(before, outcome.Definition.XPReward)
	updated.UpdatedAt = now
	sess.PutCompanion(updated)

	res.Companion = updated
	res.JustCompleted = true
	res.XPAwarded = updated.XP.Int() - before.XP.Int()

	challengeOK := h.writeChallenge(ctx, outcome.Progress)
	companionOK := h.writeCompanion(ctx, updated)
	res.Synced = challengeOK && companionOK

	h.publish(shared.NewChallengeCompletedEvent(
		h.newID(), userID.String(), c.String(), outcome.Definition.ID,
		outcome.Progress.PeriodKey, res.XPAwarded, updated.XP.Int(), now,
	), cmd.CorrelationID)

	h.log.Info("challenge completed",
		logger.UserID(userID.String()),
		logger.Companion(c.String()),
		logger.ChallengeID(outcome.Definition.ID),
		logger.PeriodKey(outcome.Progress.PeriodKey),
		logger.XPAmount(res.XPAwarded),
	)

	if updated.Level > before.Level {
		h.publish(shared.NewCompanionLeveledUpEvent(
			h.newID(), userID.String(), c.String(), before.Level, updated.Level, now,
		), cmd.CorrelationID)

		h.log.Info("companion leveled up",
			logger.UserID(userID.String()),
			logger.Companion(c.String()),
			logger.Int("from_level", before.Level),
			logger.Int("level", updated.Level),
		)
	}

	if evolved {
		ev := shared.NewCompanionEvolvedEvent(
			h.newID(), userID.String(), c.String(),
			before.Stage.String(), updated.Stage.String(),
			outcome.Definition.Title, now,
		)
		if cmd.CorrelationID != "" {
			ev.BaseEvent = ev.BaseEvent.WithCorrelationID(cmd.CorrelationID)
		}
		sess.PushEvolution(ev)
		res.Evolution = &ev
		h.publish(ev, "")

		h.log.Info("companion evolved",
			logger.UserID(userID.String()),
			logger.Companion(c.String()),
			logger.String("from", before.Stage.String()),
			logger.Stage(updated.Stage.String()),
		)
	}

	return res, nil
}

func (h *ProgressionCoordinator) writeChallenge(ctx context.Context, p challenge.Progress) bool {
	err := h.challenges.UpsertChallengeProgress(ctx, p)
	if err == nil {
		return true
	}
	h.deferWrite(p.UserID, "challenge/"+p.Key().String(), err)
	if h.writeBehind != nil {
		h.writeBehind.QueueChallenge(p, err)
	}
	return false
}

func (h *ProgressionCoordinator) writeCompanion(ctx context.Context, p companion.Progress) bool {
	err := h.companions.UpsertCompanionProgress(ctx, p)
	if err == nil {
		return true
	}
	h.deferWrite(p.UserID, "companion/"+p.Key().String(), err)
	if h.writeBehind != nil {
		h.writeBehind.QueueCompanion(p, err)
	}
	return false
}

func (h *ProgressionCoordinator) deferWrite(userID shared.UserID, recordKey string, err error) {
	h.log.Warn("remote write failed, queued for retry",
		logger.UserID(userID.String()),
		logger.String("record", recordKey),
		logger.Err(err),
	)
	h.publish(shared.NewPersistenceFailedEvent(h.newID(), userID.String(), recordKey, err, h.clock.Now()), "")
}

func (h *ProgressionCoordinator) publish(event shared.Event, correlationID string) {
	if h.eventPublisher == nil {
		return
	}
	if correlationID != "" {
		switch e := event.(type) {
		case shared.ChallengeCompletedEvent:
			e.BaseEvent = e.BaseEvent.WithCorrelationID(correlationID)
			event = e
		case shared.CompanionLeveledUpEvent:
			e.BaseEvent = e.BaseEvent.WithCorrelationID(correlationID)
			event = e
		}
	}
	if err := h.eventPublisher.Publish(event); err != nil {
		h.log.Warn("failed to publish event",
			logger.String("event_type", string(event.EventType())),
			logger.Err(fmt.Errorf("publish: %w", err)),
		)
	}
}
