// Package eventhandler содержит обработчики событий прогрессии.
package eventhandler

import (
	"github.com/soulpet/companion-hub/internal/application/session"
	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON COMPANION EVOLVED HANDLER
// Доставляет уведомления об эволюции, пришедшие с других инстансов, в
// загруженные на этом инстансе сессии.
//
// Локальные события уже положены в inbox координатором, поэтому здесь
// обрабатываются только удалённые. Сессии, которых нет в памяти, не
// создаются: пользователь увидит стадию при следующей загрузке.
// ═══════════════════════════════════════════════════════════════════════════

// SessionLookup возвращает уже загруженную сессию пользователя.
type SessionLookup interface {
	Lookup(userID shared.UserID) (*session.Store, bool)
}

// remoteEvolution реализуется событиями, полученными через шину Redis.
type remoteEvolution interface {
	CompanionEvolved() (shared.CompanionEvolvedEvent, bool)
}

// OnCompanionEvolvedHandler обрабатывает событие эволюции компаньона.
type OnCompanionEvolvedHandler struct {
	sessions SessionLookup
	log      *logger.Logger
}

// NewOnCompanionEvolvedHandler создаёт обработчик.
func NewOnCompanionEvolvedHandler(sessions SessionLookup, log *logger.Logger) *OnCompanionEvolvedHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &OnCompanionEvolvedHandler{
		sessions: sessions,
		log:      log.With(logger.String("handler", "on_companion_evolved")),
	}
}

// Handle реализует shared.EventHandler.
func (h *OnCompanionEvolvedHandler) Handle(event shared.Event) error {
	if local, ok := event.(shared.CompanionEvolvedEvent); ok {
		h.log.Info("companion evolved",
			logger.UserID(local.UserID),
			logger.Companion(local.Companion),
			logger.String("from_stage", local.FromStage),
			logger.String("to_stage", local.ToStage),
			logger.EventID(local.ID),
		)
		return nil
	}

	remote, ok := event.(remoteEvolution)
	if !ok {
		return nil
	}
	ev, ok := remote.CompanionEvolved()
	if !ok {
		return nil
	}

	userID := shared.UserID(ev.UserID)
	if !userID.IsValid() || ev.ID == "" {
		h.log.Warn("dropping malformed remote evolution", logger.EventID(ev.ID))
		return nil
	}

	sess, ok := h.sessions.Lookup(userID)
	if !ok {
		return nil
	}
	// Пуш идемпотентен по ID события.
	sess.PushEvolution(ev)

	h.log.Info("remote evolution delivered",
		logger.UserID(ev.UserID),
		logger.Companion(ev.Companion),
		logger.String("to_stage", ev.ToStage),
		logger.EventID(ev.ID),
	)
	return nil
}
