// Package companion содержит доменную модель виртуального питомца-компаньона.
// Здесь нет внешних зависимостей.
package companion

import (
	"strings"

	"github.com/soulpet/companion-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// Type определяет вид компаньона. У каждого вида своя независимая
// прогрессия и свой набор челленджей.
type Type string

const (
	// TypeDog - спокойствие (дыхание, заземление).
	TypeDog Type = "dog"
	// TypeCat - фокус и продуктивность.
	TypeCat Type = "cat"
	// TypeFish - надежда и рефлексия.
	TypeFish Type = "fish"
)

// AllTypes возвращает все виды компаньонов в каноническом порядке.
func AllTypes() []Type {
	return []Type{TypeDog, TypeCat, TypeFish}
}

// IsValid проверяет, что вид известен.
func (t Type) IsValid() bool {
	switch t {
	case TypeDog, TypeCat, TypeFish:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление.
func (t Type) String() string {
	return string(t)
}

// ParseType разбирает строку в Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", shared.ErrUnknownCompanion
	}
	return t, nil
}

// Stage - стадия роста. Стадии строго упорядочены: baby < teen < guardian.
type Stage int

const (
	// StageBaby - начальная стадия.
	StageBaby Stage = iota
	// StageTeen - промежуточная стадия.
	StageTeen
	// StageGuardian - финальная стадия.
	StageGuardian
)

// AllStages возвращает стадии по возрастанию.
func AllStages() []Stage {
	return []Stage{StageBaby, StageTeen, StageGuardian}
}

// IsValid проверяет, что стадия в допустимом диапазоне.
func (s Stage) IsValid() bool {
	return s >= StageBaby && s <= StageGuardian
}

// String возвращает строковое представление стадии.
func (s Stage) String() string {
	switch s {
	case StageBaby:
		return "baby"
	case StageTeen:
		return "teen"
	case StageGuardian:
		return "guardian"
	default:
		return "unknown"
	}
}

// Rank возвращает порядковый номер стадии (0..2). Используется для хранения.
func (s Stage) Rank() int {
	return int(s)
}

// Max возвращает большую из двух стадий.
func (s Stage) Max(other Stage) Stage {
	if other > s {
		return other
	}
	return s
}

// Next возвращает следующую стадию и false, если стадия уже финальная.
func (s Stage) Next() (Stage, bool) {
	if s >= StageGuardian {
		return StageGuardian, false
	}
	return s + 1, true
}

// ParseStage разбирает строку в Stage.
func ParseStage(s string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "baby":
		return StageBaby, nil
	case "teen":
		return StageTeen, nil
	case "guardian":
		return StageGuardian, nil
	default:
		return StageBaby, shared.ErrUnknownStage
	}
}

// StageFromRank восстанавливает стадию из сохранённого порядкового номера.
// Значения вне диапазона прижимаются к границам.
func StageFromRank(rank int) Stage {
	switch {
	case rank <= 0:
		return StageBaby
	case rank >= int(StageGuardian):
		return StageGuardian
	default:
		return Stage(rank)
	}
}

// MarshalText реализует encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText реализует encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(b []byte) error {
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
