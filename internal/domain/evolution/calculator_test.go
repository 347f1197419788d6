package evolution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/shared"
)

func calc(t *testing.T) *Calculator {
	t.Helper()
	c, err := NewCalculator(DefaultEconomy())
	require.NoError(t, err)
	return c
}

func TestLevelOf(t *testing.T) {
	c := calc(t)
	cases := map[shared.XP]int{0: 1, 49: 1, 50: 2, 99: 2, 100: 3, 305: 7}
	for xp, want := range cases {
		assert.Equal(t, want, c.LevelOf(xp), "xp=%d", xp)
	}
}

func TestStageOf_JointThresholds(t *testing.T) {
	c := calc(t)

	assert.Equal(t, companion.StageBaby, c.StageOf(99, 5))
	assert.Equal(t, companion.StageBaby, c.StageOf(100, 4))
	assert.Equal(t, companion.StageTeen, c.StageOf(100, 5))
	assert.Equal(t, companion.StageTeen, c.StageOf(1000, 14))
	assert.Equal(t, companion.StageTeen, c.StageOf(299, 100))
	assert.Equal(t, companion.StageGuardian, c.StageOf(300, 15))
}

func TestAdvance_NeverRegresses(t *testing.T) {
	c := calc(t)
	assert.Equal(t, companion.StageGuardian, c.Advance(companion.StageGuardian, 0, 0))
	assert.Equal(t, companion.StageTeen, c.Advance(companion.StageBaby, 100, 5))
}

func TestAward_TeenToGuardian(t *testing.T) {
	c := calc(t)
	p := companion.NewProgress("u1", companion.TypeDog)
	p.XP, p.ChallengesCompleted, p.Stage = 290, 14, companion.StageTeen

	next, changed := c.Award(p, 15)

	assert.True(t, changed)
	assert.Equal(t, shared.XP(305), next.XP)
	assert.Equal(t, 15, next.ChallengesCompleted)
	assert.Equal(t, companion.StageGuardian, next.Stage)
	assert.Equal(t, 7, next.Level)
}

func TestAward_NoStageChange(t *testing.T) {
	c := calc(t)
	p := companion.NewProgress("u1", companion.TypeCat)

	next, changed := c.Award(p, 15)

	assert.False(t, changed)
	assert.Equal(t, shared.XP(15), next.XP)
	assert.Equal(t, 1, next.ChallengesCompleted)
	assert.Equal(t, 1, next.Level)
}

func TestEconomy_Validate(t *testing.T) {
	require.NoError(t, DefaultEconomy().Validate())

	bad := DefaultEconomy()
	bad.XPPerLevel = 0
	assert.True(t, shared.IsValidation(bad.Validate()))

	inverted := DefaultEconomy()
	inverted.XPGuardian = 50
	_, err := NewCalculator(inverted)
	assert.Error(t, err)
}

func TestNextRequirements(t *testing.T) {
	c := calc(t)

	req := c.NextRequirements(companion.StageBaby, 40, 2)
	require.NotNil(t, req)
	assert.Equal(t, companion.StageTeen, req.NextStage)
	assert.Equal(t, 60, req.XPNeeded)
	assert.Equal(t, 3, req.ChallengesNeeded)
	assert.Equal(t, shared.Percentage(40), req.XPProgress)
	assert.Equal(t, shared.Percentage(40), req.ChallengeProgress)

	// stage stuck below thresholds reached on only one axis
	req = c.NextRequirements(companion.StageTeen, 500, 10)
	require.NotNil(t, req)
	assert.Equal(t, 0, req.XPNeeded)
	assert.Equal(t, 5, req.ChallengesNeeded)
	assert.Equal(t, shared.Percentage(100), req.XPProgress)

	assert.Nil(t, c.NextRequirements(companion.StageGuardian, 1000, 100))
}
