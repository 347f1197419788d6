package companion

// Info - справочная информация о виде компаньона для экрана выбора.
type Info struct {
	Type        Type             `json:"type" yaml:"type"`
	Name        string           `json:"name" yaml:"name"`
	Emoji       string           `json:"emoji,omitempty" yaml:"emoji"`
	Role        string           `json:"role" yaml:"role"`
	Description string           `json:"description" yaml:"description"`
	StageNames  map[Stage]string `json:"stage_names" yaml:"-"`
}

// StageName возвращает имя эволюции для стадии или название стадии,
// если имя не задано.
func (i Info) StageName(s Stage) string {
	if name, ok := i.StageNames[s]; ok && name != "" {
		return name
	}
	return s.String()
}

// InfoSet - неизменяемый набор Info по видам.
type InfoSet struct {
	byType map[Type]Info
}

// NewInfoSet собирает набор. Более поздние записи перекрывают ранние.
func NewInfoSet(infos ...Info) *InfoSet {
	set := &InfoSet{byType: make(map[Type]Info, len(infos))}
	for _, info := range infos {
		set.byType[info.Type] = info
	}
	return set
}

// Get возвращает Info для вида.
func (s *InfoSet) Get(t Type) (Info, bool) {
	info, ok := s.byType[t]
	return info, ok
}

// All возвращает Info в каноническом порядке видов.
func (s *InfoSet) All() []Info {
	out := make([]Info, 0, len(s.byType))
	for _, t := range AllTypes() {
		if info, ok := s.byType[t]; ok {
			out = append(out, info)
		}
	}
	return out
}
