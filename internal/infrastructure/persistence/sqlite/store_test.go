package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/shared"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.db")
	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestCompanionProgressNeverRegresses(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	at := time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)

	newer := companion.Progress{UserID: "u1", Companion: companion.TypeCat, XP: 305, ChallengesCompleted: 15, Level: 7, Stage: companion.StageGuardian, UpdatedAt: at}
	older := companion.Progress{UserID: "u1", Companion: companion.TypeCat, XP: 290, ChallengesCompleted: 14, Level: 6, Stage: companion.StageTeen, UpdatedAt: at.Add(-time.Minute)}

	require.NoError(t, store.UpsertCompanionProgress(ctx, newer))
	require.NoError(t, store.UpsertCompanionProgress(ctx, older))

	got, err := store.LoadCompanionProgress(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 305, got[0].XP.Int())
	assert.Equal(t, 15, got[0].ChallengesCompleted)
	assert.Equal(t, companion.StageGuardian, got[0].Stage)
	assert.True(t, at.Equal(got[0].UpdatedAt))

	none, err := store.LoadCompanionProgress(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestChallengeProgressKeepsCompletion(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	done := time.Date(2024, 3, 13, 9, 30, 0, 0, time.UTC)

	completed := challenge.Progress{
		UserID: "u1", Companion: companion.TypeDog, ChallengeID: "dog_breathing_daily",
		PeriodKey: "2024-03-13", Progress: 3, Target: 3, Completed: true, CompletedAt: &done,
	}
	stale := completed
	stale.Progress, stale.Completed, stale.CompletedAt = 1, false, nil

	require.NoError(t, store.UpsertChallengeProgress(ctx, completed))
	require.NoError(t, store.UpsertChallengeProgress(ctx, stale))

	rows, err := store.LoadChallengeProgress(ctx, "u1", "2024-03-13")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].Progress)
	assert.True(t, rows[0].Completed)
	require.NotNil(t, rows[0].CompletedAt)
	assert.True(t, done.Equal(*rows[0].CompletedAt))

	other, err := store.LoadChallengeProgress(ctx, "u1", "2024-W11")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestUpsertRejectsInvalidRecords(t *testing.T) {
	store := openTestStore(t)
	err := store.UpsertCompanionProgress(context.Background(), companion.Progress{Companion: companion.TypeDog})
	assert.True(t, shared.IsValidation(err))
}

func TestExtractUp(t *testing.T) {
	sql := "-- +migrate Up\nCREATE TABLE a(x);\n-- +migrate Down\nDROP TABLE a;"
	assert.Equal(t, "\nCREATE TABLE a(x);\n", extractUp(sql))
	assert.Equal(t, "SELECT 1;", extractUp("SELECT 1;"))
}
