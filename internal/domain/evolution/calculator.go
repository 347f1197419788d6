package evolution

import (
	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/shared"
)

// Calculator применяет Economy к значениям прогресса.
type Calculator struct {
	economy Economy
}

// NewCalculator создаёт калькулятор. Невалидная экономика - ошибка.
func NewCalculator(economy Economy) (*Calculator, error) {
	if err := economy.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{economy: economy}, nil
}

// MustCalculator как NewCalculator, но паникует. Для тестов и констант.
func MustCalculator(economy Economy) *Calculator {
	c, err := NewCalculator(economy)
	if err != nil {
		panic(err)
	}
	return c
}

// Economy возвращает текущие пороги.
func (c *Calculator) Economy() Economy {
	return c.economy
}

// LevelOf = floor(xp / XPPerLevel) + 1.
func (c *Calculator) LevelOf(xp shared.XP) int {
	if xp <= 0 {
		return 1
	}
	return xp.Int()/c.economy.XPPerLevel + 1
}

// StageOf возвращает стадию, которой соответствуют значения, без учёта
// предыдущей стадии.
func (c *Calculator) StageOf(xp shared.XP, count int) companion.Stage {
	x := xp.Int()
	switch {
	case x >= c.economy.XPGuardian && count >= c.economy.CountGuardian:
		return companion.StageGuardian
	case x >= c.economy.XPTeen && count >= c.economy.CountTeen:
		return companion.StageTeen
	default:
		return companion.StageBaby
	}
}

// Advance возвращает max(current, StageOf(xp, count)): стадия не откатывается.
func (c *Calculator) Advance(current companion.Stage, xp shared.XP, count int) companion.Stage {
	return current.Max(c.StageOf(xp, count))
}

// Apply пересчитывает производные поля записи.
func (c *Calculator) Apply(p companion.Progress) companion.Progress {
	p.Level = c.LevelOf(p.XP)
	p.Stage = c.Advance(p.Stage, p.XP, p.ChallengesCompleted)
	return p
}

// Award начисляет награду за один выполненный челлендж и возвращает новую
// запись и признак смены стадии.
func (c *Calculator) Award(p companion.Progress, reward int) (companion.Progress, bool) {
	before := p.Stage
	p.XP = p.XP.Add(reward)
	p.ChallengesCompleted++
	p = c.Apply(p)
	return p, p.Stage != before
}

// thresholds возвращает пороги для стадии.
func (c *Calculator) thresholds(s companion.Stage) (xp, count int) {
	switch s {
	case companion.StageTeen:
		return c.economy.XPTeen, c.economy.CountTeen
	case companion.StageGuardian:
		return c.economy.XPGuardian, c.economy.CountGuardian
	default:
		return 0, 0
	}
}
