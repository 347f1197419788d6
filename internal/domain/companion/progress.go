package companion

import (
	"time"

	"github.com/soulpet/companion-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS ENTITY
// ══════════════════════════════════════════════════════════════════════════════

// Key однозначно идентифицирует запись прогресса компаньона.
type Key struct {
	UserID    shared.UserID
	Companion Type
}

// String возвращает ключ в виде "user:companion".
func (k Key) String() string {
	return shared.CompanionAggregateID(k.UserID.String(), k.Companion.String())
}

// Progress - накопленный прогресс одного компаньона одного пользователя.
//
// Инварианты:
//   - XP и ChallengesCompleted никогда не уменьшаются;
//   - Level вычисляется из XP;
//   - Stage никогда не откатывается назад.
type Progress struct {
	UserID              shared.UserID `json:"user_id"`
	Companion           Type          `json:"companion"`
	XP                  shared.XP     `json:"xp"`
	ChallengesCompleted int           `json:"challenges_completed"`
	Level               int           `json:"level"`
	Stage               Stage         `json:"stage"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// NewProgress создаёт запись по умолчанию: baby, 0 XP, уровень 1.
func NewProgress(userID shared.UserID, companion Type) Progress {
	return Progress{
		UserID:    userID,
		Companion: companion,
		Level:     1,
		Stage:     StageBaby,
	}
}

// Key возвращает ключ записи.
func (p Progress) Key() Key {
	return Key{UserID: p.UserID, Companion: p.Companion}
}

// Merge объединяет две версии одной записи по максимуму каждого поля.
// Объединение коммутативно и идемпотентно, поэтому повторная или
// переупорядоченная доставка сходится к одному результату.
func (p Progress) Merge(other Progress) Progress {
	out := p
	out.XP = p.XP.Max(other.XP)
	if other.ChallengesCompleted > out.ChallengesCompleted {
		out.ChallengesCompleted = other.ChallengesCompleted
	}
	if other.Level > out.Level {
		out.Level = other.Level
	}
	out.Stage = p.Stage.Max(other.Stage)
	if other.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = other.UpdatedAt
	}
	return out
}

// Dominates возвращает true, если p не меньше other по всем монотонным полям.
func (p Progress) Dominates(other Progress) bool {
	return p.XP >= other.XP &&
		p.ChallengesCompleted >= other.ChallengesCompleted &&
		p.Level >= other.Level &&
		p.Stage >= other.Stage
}

// Validate проверяет целостность записи.
func (p Progress) Validate() error {
	if !p.UserID.IsValid() {
		return shared.ErrEmptyUserID
	}
	if !p.Companion.IsValid() {
		return shared.ErrUnknownCompanion
	}
	if !p.XP.IsValid() || p.ChallengesCompleted < 0 {
		return shared.NewDomainError("companion", "Validate", shared.ErrNegativeValue, "progress counters cannot be negative")
	}
	if !p.Stage.IsValid() {
		return shared.ErrUnknownStage
	}
	return nil
}
