package evolution

import (
	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/shared"
)

// Requirements - что осталось до следующей стадии.
type Requirements struct {
	NextStage          companion.Stage   `json:"next_stage"`
	XPRequired         int               `json:"xp_required"`
	ChallengesRequired int               `json:"challenges_required"`
	XPNeeded           int               `json:"xp_needed"`
	ChallengesNeeded   int               `json:"challenges_needed"`
	XPProgress         shared.Percentage `json:"xp_progress"`
	ChallengeProgress  shared.Percentage `json:"challenge_progress"`
}

// NextRequirements возвращает требования к следующей стадии или nil,
// если компаньон уже guardian.
func (c *Calculator) NextRequirements(stage companion.Stage, xp shared.XP, count int) *Requirements {
	next, ok := stage.Next()
	if !ok {
		return nil
	}
	xpReq, countReq := c.thresholds(next)

	return &Requirements{
		NextStage:          next,
		XPRequired:         xpReq,
		ChallengesRequired: countReq,
		XPNeeded:           max(0, xpReq-xp.Int()),
		ChallengesNeeded:   max(0, countReq-count),
		XPProgress:         shared.PercentOf(xp.Int(), xpReq),
		ChallengeProgress:  shared.PercentOf(count, countReq),
	}
}
