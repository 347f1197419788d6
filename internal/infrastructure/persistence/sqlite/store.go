// Package sqlite provides a single-file progression store for local and
// single-node deployments. It applies the same monotone upserts as the
// PostgreSQL store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/soulpet/companion-hub/internal/domain/challenge"
	"github.com/soulpet/companion-hub/internal/domain/companion"
	"github.com/soulpet/companion-hub/internal/domain/shared"
	"github.com/soulpet/companion-hub/internal/infrastructure/persistence/sqlite/migrations"
)

const migrationTable = "schema_migrations"

// Store persists progression state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// UpsertCompanionProgress implements companion.Repository.
func (s *Store) UpsertCompanionProgress(ctx context.Context, p companion.Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO companion_progress (user_id, companion, xp, challenges_completed, level, stage, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, companion) DO UPDATE SET
    xp = MAX(companion_progress.xp, excluded.xp),
    challenges_completed = MAX(companion_progress.challenges_completed, excluded.challenges_completed),
    level = MAX(companion_progress.level, excluded.level),
    stage = MAX(companion_progress.stage, excluded.stage),
    updated_at = MAX(companion_progress.updated_at, excluded.updated_at)
`,
		p.UserID.String(), p.Companion.String(), p.XP.Int(), p.ChallengesCompleted,
		p.Level, p.Stage.Rank(), toMillis(updatedAt),
	)
	if err != nil {
		return shared.WrapError("sqlite", "UpsertCompanionProgress", shared.ErrPersistence, "upsert companion progress", err)
	}
	return nil
}

// LoadCompanionProgress implements companion.Repository.
func (s *Store) LoadCompanionProgress(ctx context.Context, userID shared.UserID) ([]companion.Progress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT companion, xp, challenges_completed, level, stage, updated_at
FROM companion_progress
WHERE user_id = ?
ORDER BY companion
`, userID.String())
	if err != nil {
		return nil, shared.WrapError("sqlite", "LoadCompanionProgress", shared.ErrPersistence, "query companion progress", err)
	}
	defer rows.Close()

	var out []companion.Progress
	for rows.Next() {
		var (
			kind                    string
			xp, count, level, stage int
			updatedAt               int64
		)
		if err := rows.Scan(&kind, &xp, &count, &level, &stage, &updatedAt); err != nil {
			return nil, shared.WrapError("sqlite", "LoadCompanionProgress", shared.ErrPersistence, "scan companion progress", err)
		}
		t, err := companion.ParseType(kind)
		if err != nil {
			continue
		}
		out = append(out, companion.Progress{
			UserID:              userID,
			Companion:           t,
			XP:                  shared.XP(xp),
			ChallengesCompleted: count,
			Level:               level,
			Stage:               companion.StageFromRank(stage),
			UpdatedAt:           fromMillis(updatedAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, shared.WrapError("sqlite", "LoadCompanionProgress", shared.ErrPersistence, "iterate companion progress", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Companion < out[j].Companion })
	return out, nil
}

// UpsertChallengeProgress implements challenge.ProgressRepository.
func (s *Store) UpsertChallengeProgress(ctx context.Context, p challenge.Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.UserID.IsValid() {
		return shared.ErrEmptyUserID
	}
	var completedAt sql.NullInt64
	if p.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: toMillis(*p.CompletedAt), Valid: true}
	}
	target := max(p.Target, 1)
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO challenge_progress (user_id, companion, challenge_id, period_key, progress, target, completed, completed_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, companion, challenge_id, period_key) DO UPDATE SET
    progress = MAX(challenge_progress.progress, excluded.progress),
    target = excluded.target,
    completed = MAX(challenge_progress.completed, excluded.completed),
    completed_at = COALESCE(MIN(challenge_progress.completed_at, excluded.completed_at),
                            challenge_progress.completed_at, excluded.completed_at),
    updated_at = excluded.updated_at
`,
		p.UserID.String(), p.Companion.String(), p.ChallengeID, p.PeriodKey,
		p.Progress, target, boolToInt(p.Completed), completedAt, toMillis(time.Now()),
	)
	if err != nil {
		return shared.WrapError("sqlite", "UpsertChallengeProgress", shared.ErrPersistence, "upsert challenge progress", err)
	}
	return nil
}

// LoadChallengeProgress implements challenge.ProgressRepository.
func (s *Store) LoadChallengeProgress(ctx context.Context, userID shared.UserID, periodKey string) ([]challenge.Progress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT companion, challenge_id, progress, target, completed, completed_at
FROM challenge_progress
WHERE user_id = ? AND period_key = ?
ORDER BY challenge_id
`, userID.String(), periodKey)
	if err != nil {
		return nil, shared.WrapError("sqlite", "LoadChallengeProgress", shared.ErrPersistence, "query challenge progress", err)
	}
	defer rows.Close()

	var out []challenge.Progress
	for rows.Next() {
		var (
			kind        string
			p           challenge.Progress
			completed   int
			completedAt sql.NullInt64
		)
		if err := rows.Scan(&kind, &p.ChallengeID, &p.Progress, &p.Target, &completed, &completedAt); err != nil {
			return nil, shared.WrapError("sqlite", "LoadChallengeProgress", shared.ErrPersistence, "scan challenge progress", err)
		}
		p.UserID = userID
		p.Companion = companion.Type(kind)
		p.PeriodKey = periodKey
		p.Completed = completed != 0
		if completedAt.Valid {
			at := fromMillis(completedAt.Int64)
			p.CompletedAt = &at
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.WrapError("sqlite", "LoadChallengeProgress", shared.ErrPersistence, "iterate challenge progress", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// applyMigrations executes embedded migrations at most once per file.
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := sqlDB.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);`, migrationTable)); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var n int
		if err := sqlDB.QueryRow(fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE name = ?", migrationTable), file).Scan(&n); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if n > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := extractUp(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}

		tx, err := sqlDB.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin migration transaction %s: %w", file, err)
		}
		if _, err := tx.Exec(upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(
			fmt.Sprintf("INSERT OR IGNORE INTO %s (name, applied_at) VALUES (?, ?)", migrationTable),
			file, toMillis(time.Now()),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// extractUp returns the SQL in the -- +migrate Up section.
func extractUp(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}
