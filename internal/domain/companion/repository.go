package companion

import (
	"context"

	"github.com/soulpet/companion-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Реализации находятся в infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// Repository - удалённое авторитетное хранилище прогресса компаньонов.
type Repository interface {
	// UpsertCompanionProgress сохраняет запись по ключу (user, companion).
	// Хранилище объединяет значения по максимуму, поэтому вызов идемпотентен
	// и никогда не уменьшает сохранённые значения.
	UpsertCompanionProgress(ctx context.Context, p Progress) error

	// LoadCompanionProgress возвращает все записи пользователя.
	// Отсутствие записей - не ошибка.
	LoadCompanionProgress(ctx context.Context, userID shared.UserID) ([]Progress, error)
}
