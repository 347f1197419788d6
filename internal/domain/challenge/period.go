// Package challenge описывает повторяющиеся челленджи компаньонов:
// каталог определений, прогресс в пределах окна сброса и трекер,
// который отвечает за однократную выдачу награды за окно.
package challenge

import (
	"strings"
	"time"

	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/pkg/timeutil"
)

// Period - окно сброса челленджа.
type Period string

const (
	// PeriodDaily сбрасывается в локальную полночь.
	PeriodDaily Period = "daily"
	// PeriodWeekly сбрасывается в понедельник 00:00 (неделя ISO-8601).
	PeriodWeekly Period = "weekly"
)

// AllPeriods возвращает все периоды.
func AllPeriods() []Period {
	return []Period{PeriodDaily, PeriodWeekly}
}

// IsValid проверяет, что период известен.
func (p Period) IsValid() bool {
	return p == PeriodDaily || p == PeriodWeekly
}

// String возвращает строковое представление.
func (p Period) String() string {
	return string(p)
}

// ParsePeriod разбирает строку в Period.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", shared.ErrUnknownPeriod
	}
	return p, nil
}

// PeriodKeyer вычисляет ключ экземпляра периода в заданной временной зоне.
// Daily: "2006-01-02". Weekly: "2006-W01" (год недели ISO).
type PeriodKeyer struct {
	loc *time.Location
}

// NewPeriodKeyer создаёт PeriodKeyer. nil означает UTC.
func NewPeriodKeyer(loc *time.Location) PeriodKeyer {
	if loc == nil {
		loc = time.UTC
	}
	return PeriodKeyer{loc: loc}
}

// Location возвращает временную зону.
func (k PeriodKeyer) Location() *time.Location {
	if k.loc == nil {
		return time.UTC
	}
	return k.loc
}

// KeyOf возвращает ключ периода для момента now.
func (k PeriodKeyer) KeyOf(p Period, now time.Time) string {
	if p == PeriodWeekly {
		return timeutil.ISOWeekKey(now, k.Location())
	}
	return timeutil.DateKey(now, k.Location())
}

// CurrentKeys возвращает ключи всех периодов для момента now.
func (k PeriodKeyer) CurrentKeys(now time.Time) map[Period]string {
	return map[Period]string{
		PeriodDaily:  k.KeyOf(PeriodDaily, now),
		PeriodWeekly: k.KeyOf(PeriodWeekly, now),
	}
}

// ResetsAt возвращает момент следующего сброса периода.
func (k PeriodKeyer) ResetsAt(p Period, now time.Time) time.Time {
	if p == PeriodWeekly {
		return timeutil.NextWeekBoundary(now, k.Location())
	}
	return timeutil.NextDayBoundary(now, k.Location())
}
