package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
)

// Migration represents a single schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema: review_cycles, gate_results, activity_log, run_history",
		SQL:         migration001SQL,
	},
	{
		Version:     2,
		Description: "add escalated_to column to gate_results",
		SQL:         migration002SQL,
	},
	{
		Version:     3,
		Description: "add strategy column to run_history",
		SQL:         migration003SQL,
	},
}

const migration001SQL = `
CREATE TABLE review_cycles (
    teammate_id TEXT NOT NULL,
    purpose     TEXT NOT NULL,
    count       INTEGER NOT NULL DEFAULT 0,
    updated_at  DATETIME NOT NULL,
    PRIMARY KEY (teammate_id, purpose)
);

CREATE TABLE gate_results (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    team_id         TEXT NOT NULL,
    session_id      TEXT NOT NULL,
    aggregate_score INTEGER NOT NULL,
    passed          INTEGER NOT NULL,
    cycle           INTEGER NOT NULL,
    max_cycles      INTEGER NOT NULL,
    stages          TEXT NOT NULL,
    created_at      DATETIME NOT NULL
);

CREATE TABLE activity_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    team_id     TEXT NOT NULL,
    session_id  TEXT,
    name        TEXT,
    action      TEXT NOT NULL,
    message     TEXT NOT NULL,
    created_at  DATETIME NOT NULL
);

CREATE TABLE run_history (
    id              TEXT PRIMARY KEY,
    objective       TEXT NOT NULL,
    start_time      DATETIME NOT NULL,
    end_time        DATETIME,
    state           TEXT NOT NULL,
    tasks_total     INTEGER NOT NULL DEFAULT 0,
    tasks_completed INTEGER NOT NULL DEFAULT 0,
    error           TEXT
);

CREATE INDEX idx_gate_results_team_time ON gate_results(team_id, created_at DESC);
CREATE INDEX idx_activity_log_team_time ON activity_log(team_id, created_at DESC);
CREATE INDEX idx_run_history_time ON run_history(start_time DESC);
`

const migration002SQL = `
ALTER TABLE gate_results ADD COLUMN escalated_to TEXT NOT NULL DEFAULT '';
`

const migration003SQL = `
ALTER TABLE run_history ADD COLUMN strategy TEXT NOT NULL DEFAULT '';
`

// Migrate runs all pending migrations inside transactions.
func Migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY, applied_at DATETIME)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	currentVersion, err := CurrentVersion(db)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec(migration.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, migration.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", migration.Version, err)
		}

		log.Printf("db: applied migration %d: %s", migration.Version, migration.Description)
		currentVersion = migration.Version
	}

	return nil
}

// CurrentVersion returns the current schema version (0 if no migrations applied).
func CurrentVersion(db *sql.DB) (int, error) {
	if db == nil {
		return 0, errors.New("db is nil")
	}

	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	var version int
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema_version: %w", err)
	}
	return version, nil
}
