package challenge

import (
	"fmt"
	"strings"

	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/shared"
)

// Definition - неизменяемое описание челленджа.
type Definition struct {
	ID          string         `json:"id"`
	Companion   companion.Type `json:"companion"`
	Period      Period         `json:"period"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Target      int            `json:"target"`
	XPReward    int            `json:"xp_reward"`
	Icon        string         `json:"icon,omitempty"`
}

// Validate проверяет определение.
func (d Definition) Validate() error {
	var problems []string
	if strings.TrimSpace(d.ID) == "" {
		problems = append(problems, "empty id")
	}
	if !d.Companion.IsValid() {
		problems = append(problems, fmt.Sprintf("unknown companion %q", d.Companion))
	}
	if !d.Period.IsValid() {
		problems = append(problems, fmt.Sprintf("unknown period %q", d.Period))
	}
	if d.Target <= 0 {
		problems = append(problems, "target must be positive")
	}
	if d.XPReward <= 0 {
		problems = append(problems, "xp reward must be positive")
	}
	if len(problems) > 0 {
		return shared.WrapError("challenge", "Validate", shared.ErrInvalidEntity,
			"invalid challenge definition "+d.ID, fmt.Errorf("%s", strings.Join(problems, "; ")))
	}
	return nil
}
