package challenge

import (
	"fmt"
	"time"

	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/shared"
)

// Key однозначно идентифицирует экземпляр челленджа в окне периода.
type Key struct {
	UserID      shared.UserID
	Companion   companion.Type
	ChallengeID string
	PeriodKey   string
}

// String возвращает ключ в виде "user:companion:challenge@period".
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s@%s", k.UserID, k.Companion, k.ChallengeID, k.PeriodKey)
}

// Progress - прогресс челленджа в одном окне периода.
//
// Инварианты: 0 <= Progress <= Target; Completed == (Progress >= Target).
type Progress struct {
	UserID      shared.UserID  `json:"user_id"`
	Companion   companion.Type `json:"companion"`
	ChallengeID string         `json:"challenge_id"`
	PeriodKey   string         `json:"period_key"`
	Progress    int            `json:"progress"`
	Target      int            `json:"target"`
	Completed   bool           `json:"completed"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// NewProgress создаёт пустую запись для окна периода.
func NewProgress(key Key, target int) Progress {
	return Progress{
		UserID:      key.UserID,
		Companion:   key.Companion,
		ChallengeID: key.ChallengeID,
		PeriodKey:   key.PeriodKey,
		Target:      target,
	}
}

// Key возвращает ключ записи.
func (p Progress) Key() Key {
	return Key{UserID: p.UserID, Companion: p.Companion, ChallengeID: p.ChallengeID, PeriodKey: p.PeriodKey}
}

// Remaining возвращает, сколько шагов осталось до цели.
func (p Progress) Remaining() int {
	return max(0, p.Target-p.Progress)
}

// normalize восстанавливает инварианты после изменения полей.
func (p Progress) normalize() Progress {
	if p.Progress < 0 {
		p.Progress = 0
	}
	if p.Target > 0 && p.Progress > p.Target {
		p.Progress = p.Target
	}
	p.Completed = p.Target > 0 && p.Progress >= p.Target
	return p
}

// Merge объединяет две версии одной записи: максимум прогресса,
// Completed через OR, самая ранняя отметка завершения.
func (p Progress) Merge(other Progress) Progress {
	out := p
	if other.Target > out.Target {
		out.Target = other.Target
	}
	if other.Progress > out.Progress {
		out.Progress = other.Progress
	}
	completed := p.Completed || other.Completed
	switch {
	case out.CompletedAt == nil:
		out.CompletedAt = other.CompletedAt
	case other.CompletedAt != nil && other.CompletedAt.Before(*out.CompletedAt):
		out.CompletedAt = other.CompletedAt
	}
	out = out.normalize()
	if completed && !out.Completed {
		// a completed row from any source stays completed
		out.Progress = out.Target
		out.Completed = true
	}
	return out
}

// Dominates возвращает true, если p не отстаёт от other.
func (p Progress) Dominates(other Progress) bool {
	return p.Progress >= other.Progress && (p.Completed || !other.Completed)
}
