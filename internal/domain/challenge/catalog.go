package challenge

import (
	"fmt"

	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/shared"
)

// Catalog - неизменяемый каталог определений, загружается один раз при старте.
// Безопасен для конкурентного чтения.
type Catalog struct {
	ordered []Definition
	byID    map[string]Definition
}

// NewCatalog проверяет определения и строит каталог.
// Порядок определений сохраняется.
func NewCatalog(defs []Definition) (*Catalog, error) {
	c := &Catalog{
		ordered: make([]Definition, 0, len(defs)),
		byID:    make(map[string]Definition, len(defs)),
	}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("%w: %s", shared.ErrDuplicateChallenge, d.ID)
		}
		c.byID[d.ID] = d
		c.ordered = append(c.ordered, d)
	}
	return c, nil
}

// All возвращает все определения.
func (c *Catalog) All() []Definition {
	out := make([]Definition, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// DefinitionsFor возвращает определения компаньона.
func (c *Catalog) DefinitionsFor(t companion.Type) []Definition {
	var out []Definition
	for _, d := range c.ordered {
		if d.Companion == t {
			out = append(out, d)
		}
	}
	return out
}

// DefinitionsForPeriod возвращает определения компаньона для периода.
func (c *Catalog) DefinitionsForPeriod(t companion.Type, p Period) []Definition {
	var out []Definition
	for _, d := range c.ordered {
		if d.Companion == t && d.Period == p {
			out = append(out, d)
		}
	}
	return out
}

// DefinitionByID возвращает определение или ErrChallengeNotFound.
func (c *Catalog) DefinitionByID(id string) (Definition, error) {
	d, ok := c.byID[id]
	if !ok {
		return Definition{}, shared.ErrChallengeNotFound
	}
	return d, nil
}

// Resolve как DefinitionByID, но дополнительно проверяет принадлежность
// компаньону. Несовпадение трактуется как NotFound.
func (c *Catalog) Resolve(t companion.Type, id string) (Definition, error) {
	d, err := c.DefinitionByID(id)
	if err != nil {
		return Definition{}, err
	}
	if d.Companion != t {
		return Definition{}, shared.ErrChallengeCompanionMismatch
	}
	return d, nil
}

// Len возвращает количество определений.
func (c *Catalog) Len() int {
	return len(c.ordered)
}
