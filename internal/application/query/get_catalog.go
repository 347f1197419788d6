package query

import (
	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/companion"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET CATALOG QUERY
// Справочник видов компаньонов и челленджей. Не зависит от пользователя.
// ══════════════════════════════════════════════════════════════════════════════

// CompanionInfoView - вид компаньона для экрана выбора.
type CompanionInfoView struct {
	companion.Info
	Stages []StageView `json:"stages"`
}

// StageView - стадия и имя эволюции.
type StageView struct {
	Stage companion.Stage `json:"stage"`
	Name  string          `json:"name"`
}

// CatalogQueries отдаёт справочные данные.
type CatalogQueries struct {
	challenges *challenge.Catalog
	infos      *companion.InfoSet
}

// NewCatalogQueries создаёт обработчик.
func NewCatalogQueries(challenges *challenge.Catalog, infos *companion.InfoSet) *CatalogQueries {
	return &CatalogQueries{challenges: challenges, infos: infos}
}

// Companions возвращает виды компаньонов в каноническом порядке.
func (h *CatalogQueries) Companions() []CompanionInfoView {
	infos := h.infos.All()
	out := make([]CompanionInfoView, 0, len(infos))
	for _, info := range infos {
		v := CompanionInfoView{Info: info}
		for _, s := range companion.AllStages() {
			v.Stages = append(v.Stages, StageView{Stage: s, Name: info.StageName(s)})
		}
		out = append(out, v)
	}
	return out
}

// Challenges возвращает определения. Пустой companionType - все.
func (h *CatalogQueries) Challenges(companionType string) ([]challenge.Definition, error) {
	if companionType == "" {
		return h.challenges.All(), nil
	}
	t, err := companion.ParseType(companionType)
	if err != nil {
		return nil, err
	}
	return h.challenges.DefinitionsFor(t), nil
}

// ChallengesForPeriod фильтрует Challenges по периоду сброса. Пустой period - без фильтра.
func (h *CatalogQueries) ChallengesForPeriod(companionType, period string) ([]challenge.Definition, error) {
	defs, err := h.Challenges(companionType)
	if err != nil || period == "" {
		return defs, err
	}
	p, err := challenge.ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	out := make([]challenge.Definition, 0, len(defs))
	for _, d := range defs {
		if d.Period == p {
			out = append(out, d)
		}
	}
	return out, nil
}
