package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one schema step.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with sessions and trials",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add exports table for CSV export history",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id              TEXT PRIMARY KEY,
    participant_id          TEXT NOT NULL,
    platform_participant_id TEXT NOT NULL DEFAULT '',
    assignment_id           TEXT NOT NULL DEFAULT '',
    project_id              TEXT NOT NULL DEFAULT '',
    client_version          TEXT NOT NULL,
    started_ns              INTEGER NOT NULL,
    created_ns              INTEGER NOT NULL,
    trial_count             INTEGER NOT NULL,
    payload                 TEXT NOT NULL,
    hmac                    BLOB
);

CREATE INDEX IF NOT EXISTS idx_sessions_participant ON sessions(participant_id);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_ns);

CREATE TABLE IF NOT EXISTS trials (
    session_id      TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
    ordinal         INTEGER NOT NULL,
    trial_id        TEXT NOT NULL,
    block           TEXT NOT NULL,
    image           TEXT NOT NULL,
    sex             TEXT NOT NULL DEFAULT '',
    face_id         INTEGER NOT NULL DEFAULT 0,
    height_label    TEXT NOT NULL DEFAULT '',
    attract_label   TEXT NOT NULL DEFAULT '',
    rt_ms           REAL NOT NULL,
    responses       TEXT NOT NULL,
    interact_ms     TEXT NOT NULL,
    all_touched     INTEGER NOT NULL,
    PRIMARY KEY (session_id, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_trials_image ON trials(image);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_trials_image;
DROP TABLE IF EXISTS trials;
DROP INDEX IF EXISTS idx_sessions_created;
DROP INDEX IF EXISTS idx_sessions_participant;
DROP TABLE IF EXISTS sessions;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS exports (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    path        TEXT NOT NULL,
    row_count   INTEGER NOT NULL,
    created_ns  INTEGER NOT NULL
);
`

const migrationV2Down = `
DROP TABLE IF EXISTS exports;
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		m.Version, time.Now().UnixNano(), m.Description,
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}

// RollbackMigration rolls back the last applied migration.
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var m *Migration
	for i := range migrations {
		if migrations[i].Version == current {
			m = &migrations[i]
			break
		}
	}
	if m == nil {
		return fmt.Errorf("migration %d not found", current)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Down); err != nil {
		return fmt.Errorf("rollback migration %d: %w", current, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return fmt.Errorf("remove migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}
	return nil
}

// MigrationStatus describes applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// GetMigrationStatus reports the migration state of db.
func GetMigrationStatus(ctx context.Context, db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{LatestVersion: migrations[len(migrations)-1].Version}

	rows, err := db.QueryContext(ctx, "SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		// Table might not exist yet
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&am.Version, &appliedAt, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, appliedAt)
		status.Applied = append(status.Applied, am)
		applied[am.Version] = true
		if am.Version > status.CurrentVersion {
			status.CurrentVersion = am.Version
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}

	for _, m := range migrations {
		if !applied[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(ctx context.Context, db *sql.DB) error {
	for _, table := range []string{"sessions", "trials", "exports", "schema_migrations"} {
		var count int
		err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}
	return nil
}
