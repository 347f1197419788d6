// Package evolution вычисляет уровень и стадию роста компаньона из
// накопленного опыта и числа выполненных челленджей.
// Все функции чистые; пороги передаются через Economy.
package evolution

import (
	"fmt"

	"github.com/soulpet/companion-hub/internal/domain/shared"
)

// Economy - пороги прогрессии. Для стадии нужны ОБА порога: и XP, и
// количество выполненных челленджей.
type Economy struct {
	XPTeen        int `json:"xp_teen"`
	CountTeen     int `json:"count_teen"`
	XPGuardian    int `json:"xp_guardian"`
	CountGuardian int `json:"count_guardian"`
	XPPerLevel    int `json:"xp_per_level"`
}

// DefaultEconomy возвращает стандартные пороги.
func DefaultEconomy() Economy {
	return Economy{
		XPTeen:        100,
		CountTeen:     5,
		XPGuardian:    300,
		CountGuardian: 15,
		XPPerLevel:    50,
	}
}

// Validate проверяет, что пороги положительны и упорядочены.
func (e Economy) Validate() error {
	if e.XPTeen <= 0 || e.CountTeen <= 0 || e.XPGuardian <= 0 || e.CountGuardian <= 0 || e.XPPerLevel <= 0 {
		return shared.WrapError("evolution", "Validate", shared.ErrValidation, "thresholds must be positive",
			fmt.Errorf("%+v", e))
	}
	if e.XPGuardian < e.XPTeen || e.CountGuardian < e.CountTeen {
		return shared.WrapError("evolution", "Validate", shared.ErrValidation, "guardian thresholds must not be below teen thresholds",
			fmt.Errorf("%+v", e))
	}
	return nil
}
