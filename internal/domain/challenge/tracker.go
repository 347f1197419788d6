package challenge

import (
	"time"

	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/shared"
)

// Outcome - результат одного RecordProgress.
type Outcome struct {
	Definition Definition
	Progress   Progress
	// JustCompleted истинно ровно один раз за окно периода: на переходе
	// незавершён -> завершён.
	JustCompleted bool
	// Changed ложно, если запись уже была завершена и вызов ничего не изменил.
	Changed bool
}

// Tracker ведёт прогресс челленджей в окнах периодов.
type Tracker struct {
	catalog *Catalog
	keyer   PeriodKeyer
}

// NewTracker создаёт трекер.
func NewTracker(catalog *Catalog, keyer PeriodKeyer) *Tracker {
	return &Tracker{catalog: catalog, keyer: keyer}
}

// Keyer возвращает вычислитель ключей периода.
func (t *Tracker) Keyer() PeriodKeyer {
	return t.keyer
}

// RecordProgress добавляет delta к прогрессу челленджа в текущем окне периода.
//
//   - delta <= 0 -> ErrNonPositiveAmount, состояние не меняется;
//   - неизвестный челлендж или чужой компаньон -> NotFound;
//   - прогресс обрезается до [0, target];
//   - вызов на уже завершённой записи ничего не меняет.
func (t *Tracker) RecordProgress(store ProgressStore, userID shared.UserID, c companion.Type, challengeID string, delta int, now time.Time) (Outcome, error) {
	if delta <= 0 {
		return Outcome{}, shared.ErrNonPositiveAmount
	}
	def, err := t.catalog.Resolve(c, challengeID)
	if err != nil {
		return Outcome{}, err
	}

	key := Key{
		UserID:      userID,
		Companion:   c,
		ChallengeID: def.ID,
		PeriodKey:   t.keyer.KeyOf(def.Period, now),
	}

	current, ok := store.GetChallenge(key)
	if !ok {
		current = NewProgress(key, def.Target)
	}
	wasCompleted := current.Completed
	current.Target = def.Target
	current = current.normalize()

	if wasCompleted || current.Completed {
		current.Completed = true
		return Outcome{Definition: def, Progress: current}, nil
	}

	next := current
	next.Progress = current.Progress + delta
	next = next.normalize()
	just := next.Completed
	if just {
		at := now
		next.CompletedAt = &at
	}
	store.PutChallenge(next)

	return Outcome{
		Definition:    def,
		Progress:      next,
		JustCompleted: just,
		Changed:       true,
	}, nil
}

// Board возвращает все определения компаньона в паре с прогрессом текущего
// окна периода. Отсутствующие записи возвращаются нулевыми.
func (t *Tracker) Board(store ProgressStore, userID shared.UserID, c companion.Type, now time.Time) []Outcome {
	defs := t.catalog.DefinitionsFor(c)
	out := make([]Outcome, 0, len(defs))
	for _, def := range defs {
		key := Key{UserID: userID, Companion: c, ChallengeID: def.ID, PeriodKey: t.keyer.KeyOf(def.Period, now)}
		p, ok := store.GetChallenge(key)
		if !ok {
			p = NewProgress(key, def.Target)
		}
		p.Target = def.Target
		out = append(out, Outcome{Definition: def, Progress: p.normalize()})
	}
	return out
}
