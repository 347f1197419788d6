package eventhandler

import (
	"sync"
	"time"

	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON PERSISTENCE FAILED HANDLER
// Учитывает записи, которые не дошли до хранилища и ушли в outbox.
// Снимок используется readiness-проверкой: много свежих сбоев означает,
// что инстанс работает в деградированном режиме.
// ═══════════════════════════════════════════════════════════════════════════

// SyncFailures - снимок счётчиков сбоев записи.
type SyncFailures struct {
	Total     int64
	LastError string
	LastAt    time.Time
	ByUser    map[string]int64
}

// OnPersistenceFailedHandler считает сбои записи.
type OnPersistenceFailedHandler struct {
	mu       sync.Mutex
	failures SyncFailures
	log      *logger.Logger
}

// NewOnPersistenceFailedHandler создаёт обработчик.
func NewOnPersistenceFailedHandler(log *logger.Logger) *OnPersistenceFailedHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &OnPersistenceFailedHandler{
		failures: SyncFailures{ByUser: make(map[string]int64)},
		log:      log.With(logger.String("handler", "on_persistence_failed")),
	}
}

// Handle реализует shared.EventHandler.
func (h *OnPersistenceFailedHandler) Handle(event shared.Event) error {
	payload := event.Payload()
	userID, _ := payload["user_id"].(string)
	msg, _ := payload["error"].(string)
	recordKey, _ := payload["record_key"].(string)

	h.mu.Lock()
	h.failures.Total++
	h.failures.LastError = msg
	h.failures.LastAt = event.OccurredAt()
	if userID != "" {
		h.failures.ByUser[userID]++
	}
	h.mu.Unlock()

	h.log.Warn("progress write deferred",
		logger.UserID(userID),
		logger.String("record_key", recordKey),
		logger.String("error", msg),
	)
	return nil
}

// Snapshot возвращает копию счётчиков.
func (h *OnPersistenceFailedHandler) Snapshot() SyncFailures {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.failures
	out.ByUser = make(map[string]int64, len(h.failures.ByUser))
	for k, v := range h.failures.ByUser {
		out.ByUser[k] = v
	}
	return out
}
