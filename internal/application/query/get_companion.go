// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"time"

	"github.com/soulpet/companion-hub/internal/application/session"
	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/evolution"
	"github.com/soulpet/companion-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET COMPANION QUERY
// Собирает карточку компаньона: прогресс, имя текущей эволюции, что осталось
// до следующей стадии и доска челленджей текущих окон периодов.
// Только чтение: состояние сессии не меняется.
// ══════════════════════════════════════════════════════════════════════════════

// ChallengeView - челлендж в паре с прогрессом текущего окна.
type ChallengeView struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Icon        string           `json:"icon,omitempty"`
	Period      challenge.Period `json:"period"`
	PeriodKey   string           `json:"period_key"`
	Progress    int              `json:"progress"`
	Target      int              `json:"target"`
	Remaining   int              `json:"remaining"`
	XPReward    int              `json:"xp_reward"`
	Completed   bool             `json:"completed"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	ResetsAt    time.Time        `json:"resets_at"`
}

// CompanionView - карточка компаньона.
type CompanionView struct {
	Type                companion.Type          `json:"type"`
	Name                string                  `json:"name"`
	Emoji               string                  `json:"emoji,omitempty"`
	Role                string                  `json:"role"`
	Stage               companion.Stage         `json:"stage"`
	StageName           string                  `json:"stage_name"`
	Level               int                     `json:"level"`
	XP                  int                     `json:"xp"`
	ChallengesCompleted int                     `json:"challenges_completed"`
	Active              bool                    `json:"active"`
	Next                *evolution.Requirements `json:"next,omitempty"`
	Challenges          []ChallengeView         `json:"challenges,omitempty"`
}

// GetCompanionQuery - параметры запроса.
type GetCompanionQuery struct {
	// Companion - вид компаньона.
	Companion string

	// IncludeChallenges - добавить доску челленджей.
	IncludeChallenges bool
}

// ProgressionQueries обслуживает запросы чтения по сессии пользователя.
type ProgressionQueries struct {
	tracker *challenge.Tracker
	calc    *evolution.Calculator
	infos   *companion.InfoSet
	clock   shared.Clock
}

// NewProgressionQueries создаёт обработчик запросов.
func NewProgressionQueries(tracker *challenge.Tracker, calc *evolution.Calculator, infos *companion.InfoSet, clock shared.Clock) *ProgressionQueries {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if infos == nil {
		infos = companion.NewInfoSet()
	}
	return &ProgressionQueries{tracker: tracker, calc: calc, infos: infos, clock: clock}
}

// GetCompanion возвращает карточку одного компаньона.
func (h *ProgressionQueries) GetCompanion(ctx context.Context, sess *session.Store, q GetCompanionQuery) (*CompanionView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := companion.ParseType(q.Companion)
	if err != nil {
		return nil, err
	}
	view := h.build(sess, t, h.clock.Now(), q.IncludeChallenges)
	return &view, nil
}

// ListCompanions возвращает карточки всех компаньонов в каноническом порядке.
// Доска челленджей не включается.
func (h *ProgressionQueries) ListCompanions(ctx context.Context, sess *session.Store) ([]CompanionView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := h.clock.Now()
	out := make([]CompanionView, 0, len(companion.AllTypes()))
	for _, t := range companion.AllTypes() {
		out = append(out, h.build(sess, t, now, false))
	}
	return out, nil
}

// GetBoard возвращает только доску челленджей компаньона.
func (h *ProgressionQueries) GetBoard(ctx context.Context, sess *session.Store, companionType string) ([]ChallengeView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := companion.ParseType(companionType)
	if err != nil {
		return nil, err
	}
	return h.board(sess, t, h.clock.Now()), nil
}

func (h *ProgressionQueries) build(sess *session.Store, t companion.Type, now time.Time, withBoard bool) CompanionView {
	p := h.calc.Apply(sess.Companion(t))
	info, ok := h.infos.Get(t)
	if !ok {
		info = companion.Info{Type: t, Name: t.String()}
	}

	view := CompanionView{
		Type:                t,
		Name:                info.Name,
		Emoji:               info.Emoji,
		Role:                info.Role,
		Stage:               p.Stage,
		StageName:           info.StageName(p.Stage),
		Level:               p.Level,
		XP:                  p.XP.Int(),
		ChallengesCompleted: p.ChallengesCompleted,
		Active:              sess.Active() == t,
		Next:                h.calc.NextRequirements(p.Stage, p.XP, p.ChallengesCompleted),
	}
	if withBoard {
		view.Challenges = h.board(sess, t, now)
	}
	return view
}

func (h *ProgressionQueries) board(sess *session.Store, t companion.Type, now time.Time) []ChallengeView {
	keyer := h.tracker.Keyer()
	outcomes := h.tracker.Board(sess, sess.UserID(), t, now)
	out := make([]ChallengeView, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, ChallengeView{
			ID:          o.Definition.ID,
			Title:       o.Definition.Title,
			Description: o.Definition.Description,
			Icon:        o.Definition.Icon,
			Period:      o.Definition.Period,
			PeriodKey:   o.Progress.PeriodKey,
			Progress:    o.Progress.Progress,
			Target:      o.Progress.Target,
			Remaining:   o.Progress.Remaining(),
			XPReward:    o.Definition.XPReward,
			Completed:   o.Progress.Completed,
			CompletedAt: o.Progress.CompletedAt,
			ResetsAt:    keyer.ResetsAt(o.Definition.Period, now),
		})
	}
	return out
}
