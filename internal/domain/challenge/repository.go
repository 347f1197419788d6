package challenge

import (
	"context"

	"github.com/soulpet/companion-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// ══════════════════════════════════════════════════════════════════════════════

// ProgressRepository - удалённое авторитетное хранилище прогресса челленджей.
type ProgressRepository interface {
	// UpsertChallengeProgress сохраняет запись по ключу (user, companion, challenge, period).
	// Объединение монотонно: прогресс не уменьшается, completed не сбрасывается.
	UpsertChallengeProgress(ctx context.Context, p Progress) error

	// LoadChallengeProgress возвращает записи пользователя для ключа периода.
	LoadChallengeProgress(ctx context.Context, userID shared.UserID, periodKey string) ([]Progress, error)
}

// ProgressStore - локальное состояние сессии, с которым работает Tracker.
// Реализация должна быть защищена вызывающей стороной от гонок по ключу.
type ProgressStore interface {
	// GetChallenge возвращает запись по ключу, если она есть.
	GetChallenge(key Key) (Progress, bool)

	// PutChallenge сохраняет запись.
	PutChallenge(p Progress)
}
