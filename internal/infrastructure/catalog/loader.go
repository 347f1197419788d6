// Package catalog loads the companion and challenge catalog from YAML.
// The default catalog is embedded in the binary; an override file can
// replace it at startup.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/companion"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// Catalog bundles everything loaded from a catalog document.
type Catalog struct {
	Challenges *challenge.Catalog
	Companions *companion.InfoSet
}

type fileDTO struct {
	Companions []companionDTO `yaml:"companions"`
	Challenges []challengeDTO `yaml:"challenges"`
}

type companionDTO struct {
	Type        string            `yaml:"type"`
	Name        string            `yaml:"name"`
	Emoji       string            `yaml:"emoji"`
	Role        string            `yaml:"role"`
	Description string            `yaml:"description"`
	Stages      map[string]string `yaml:"stages"`
}

type challengeDTO struct {
	ID          string `yaml:"id"`
	Companion   string `yaml:"companion"`
	Period      string `yaml:"period"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Target      int    `yaml:"target"`
	XPReward    int    `yaml:"xp_reward"`
	Icon        string `yaml:"icon"`
}

// LoadEmbedded parses the catalog compiled into the binary.
func LoadEmbedded() (*Catalog, error) {
	return Parse(bytes.NewReader(embeddedCatalog))
}

// MustLoadEmbedded panics if the embedded catalog is broken. Used in tests
// and wiring where a broken build artifact is unrecoverable.
func MustLoadEmbedded() *Catalog {
	c, err := LoadEmbedded()
	if err != nil {
		panic(err)
	}
	return c
}

// LoadFile parses a catalog from disk. An empty path loads the embedded one.
func LoadFile(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return LoadEmbedded()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	defer f.Close()
	c, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a catalog document. Unknown fields are rejected.
func Parse(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc fileDTO
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty catalog document")
		}
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	infos := make([]companion.Info, 0, len(doc.Companions))
	for _, c := range doc.Companions {
		info, err := c.toDomain()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}

	defs := make([]challenge.Definition, 0, len(doc.Challenges))
	for _, c := range doc.Challenges {
		def, err := c.toDomain()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("catalog has no challenges")
	}

	challenges, err := challenge.NewCatalog(defs)
	if err != nil {
		return nil, err
	}

	return &Catalog{
		Challenges: challenges,
		Companions: companion.NewInfoSet(infos...),
	}, nil
}

func (d companionDTO) toDomain() (companion.Info, error) {
	t, err := companion.ParseType(d.Type)
	if err != nil {
		return companion.Info{}, fmt.Errorf("companion %q: %w", d.Type, err)
	}
	names := make(map[companion.Stage]string, len(d.Stages))
	for raw, name := range d.Stages {
		stage, err := companion.ParseStage(raw)
		if err != nil {
			return companion.Info{}, fmt.Errorf("companion %s stage %q: %w", t, raw, err)
		}
		names[stage] = name
	}
	return companion.Info{
		Type:        t,
		Name:        d.Name,
		Emoji:       d.Emoji,
		Role:        d.Role,
		Description: d.Description,
		StageNames:  names,
	}, nil
}

func (d challengeDTO) toDomain() (challenge.Definition, error) {
	t, err := companion.ParseType(d.Companion)
	if err != nil {
		return challenge.Definition{}, fmt.Errorf("challenge %s: %w", d.ID, err)
	}
	p, err := challenge.ParsePeriod(d.Period)
	if err != nil {
		return challenge.Definition{}, fmt.Errorf("challenge %s: %w", d.ID, err)
	}
	return challenge.Definition{
		ID:          strings.TrimSpace(d.ID),
		Companion:   t,
		Period:      p,
		Title:       d.Title,
		Description: d.Description,
		Target:      d.Target,
		XPReward:    d.XPReward,
		Icon:        d.Icon,
	}, nil
}
