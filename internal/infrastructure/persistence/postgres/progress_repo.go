package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/pkg/retry"
)

// ProgressRepository implements companion.Repository and
// challenge.ProgressRepository for PostgreSQL.
type ProgressRepository struct {
	conn *Connection
}

// NewProgressRepository creates a new ProgressRepository.
func NewProgressRepository(conn *Connection) *ProgressRepository {
	return &ProgressRepository{conn: conn}
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPANION PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

// Upserts never lower a stored value: counters take GREATEST, so a stale
// write that arrives after a newer one is absorbed.
const upsertCompanionSQL = `
	INSERT INTO companion_progress (user_id, companion, xp, challenges_completed, level, stage, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (user_id, companion) DO UPDATE SET
		xp                   = GREATEST(companion_progress.xp, EXCLUDED.xp),
		challenges_completed = GREATEST(companion_progress.challenges_completed, EXCLUDED.challenges_completed),
		level                = GREATEST(companion_progress.level, EXCLUDED.level),
		stage                = GREATEST(companion_progress.stage, EXCLUDED.stage),
		updated_at           = GREATEST(companion_progress.updated_at, EXCLUDED.updated_at)
`

// UpsertCompanionProgress implements companion.Repository.
func (r *ProgressRepository) UpsertCompanionProgress(ctx context.Context, p companion.Progress) error {
	if err := p.Validate(); err != nil {
		return err
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := r.conn.Exec(ctx, upsertCompanionSQL,
		p.UserID.String(),
		p.Companion.String(),
		p.XP.Int(),
		p.ChallengesCompleted,
		p.Level,
		p.Stage.Rank(),
		updatedAt,
	)
	if err != nil {
		return wrapErr("UpsertCompanionProgress", err)
	}
	return nil
}

// LoadCompanionProgress implements companion.Repository.
func (r *ProgressRepository) LoadCompanionProgress(ctx context.Context, userID shared.UserID) ([]companion.Progress, error) {
	query := `
		SELECT companion, xp, challenges_completed, level, stage, updated_at
		FROM companion_progress
		WHERE user_id = $1
		ORDER BY companion
	`
	rows, err := r.conn.Query(ctx, query, userID.String())
	if err != nil {
		return nil, wrapErr("LoadCompanionProgress", err)
	}
	defer rows.Close()

	var out []companion.Progress
	for rows.Next() {
		var (
			kind      string
			xp        int
			count     int
			level     int
			stageRank int
			updatedAt time.Time
		)
		if err := rows.Scan(&kind, &xp, &count, &level, &stageRank, &updatedAt); err != nil {
			return nil, wrapErr("LoadCompanionProgress", fmt.Errorf("failed to scan companion row: %w", err))
		}
		t, err := companion.ParseType(kind)
		if err != nil {
			// rows for companions this build does not know are skipped
			continue
		}
		out = append(out, companion.Progress{
			UserID:              userID,
			Companion:           t,
			XP:                  shared.XP(xp),
			ChallengesCompleted: count,
			Level:               level,
			Stage:               companion.StageFromRank(stageRank),
			UpdatedAt:           updatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("LoadCompanionProgress", err)
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CHALLENGE PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

const upsertChallengeSQL = `
	INSERT INTO challenge_progress (user_id, companion, challenge_id, period_key, progress, target, completed, completed_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	ON CONFLICT (user_id, companion, challenge_id, period_key) DO UPDATE SET
		progress     = GREATEST(challenge_progress.progress, EXCLUDED.progress),
		target       = EXCLUDED.target,
		completed    = challenge_progress.completed OR EXCLUDED.completed,
		completed_at = COALESCE(LEAST(challenge_progress.completed_at, EXCLUDED.completed_at),
		                        challenge_progress.completed_at, EXCLUDED.completed_at),
		updated_at   = NOW()
`

// UpsertChallengeProgress implements challenge.ProgressRepository.
func (r *ProgressRepository) UpsertChallengeProgress(ctx context.Context, p challenge.Progress) error {
	if !p.UserID.IsValid() {
		return shared.ErrEmptyUserID
	}
	target := p.Target
	if target <= 0 {
		target = 1
	}
	_, err := r.conn.Exec(ctx, upsertChallengeSQL,
		p.UserID.String(),
		p.Companion.String(),
		p.ChallengeID,
		p.PeriodKey,
		p.Progress,
		target,
		p.Completed,
		p.CompletedAt,
	)
	if err != nil {
		return wrapErr("UpsertChallengeProgress", err)
	}
	return nil
}

// LoadChallengeProgress implements challenge.ProgressRepository.
func (r *ProgressRepository) LoadChallengeProgress(ctx context.Context, userID shared.UserID, periodKey string) ([]challenge.Progress, error) {
	query := `
		SELECT companion, challenge_id, progress, target, completed, completed_at
		FROM challenge_progress
		WHERE user_id = $1 AND period_key = $2
		ORDER BY challenge_id
	`
	rows, err := r.conn.Query(ctx, query, userID.String(), periodKey)
	if err != nil {
		return nil, wrapErr("LoadChallengeProgress", err)
	}
	defer rows.Close()

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (challenge.Progress, error) {
		var (
			kind string
			p    challenge.Progress
		)
		if err := row.Scan(&kind, &p.ChallengeID, &p.Progress, &p.Target, &p.Completed, &p.CompletedAt); err != nil {
			return p, err
		}
		p.UserID = userID
		p.Companion = companion.Type(kind)
		p.PeriodKey = periodKey
		return p, nil
	})
	if err != nil {
		return nil, wrapErr("LoadChallengeProgress", err)
	}
	return out, nil
}

// wrapErr tags store failures as persistence errors. Failures a retry cannot
// fix are marked permanent so the write-behind queue does not spin on them.
func wrapErr(op string, err error) error {
	if !IsTransient(err) {
		err = retry.Permanent(err)
	}
	return shared.WrapError("postgres", op, shared.ErrPersistence, "query failed", err)
}
