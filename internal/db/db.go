// Package db manages foreman's SQLite database.
// Stores review-cycle counters (which must survive restarts), quality-gate
// results, the team activity log, and autonomous run history.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection and path.
type DB struct {
	sql  *sql.DB
	path string
}

// DefaultPath returns the default database path.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "foreman", "foreman.db")
}

// Open opens or creates the database at dbPath, falling back to
// DefaultPath when empty, and runs migrations.
func Open(dbPath string) (*DB, error) {
	if dbPath == "" {
		dbPath = DefaultPath()
	}
	resolved := expandPath(dbPath)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, fmt.Errorf("creating db dir: %w", err)
	}
	return openAt(resolved)
}

// OpenMemory opens an in-memory database for tests.
func OpenMemory() (*DB, error) {
	return openAt(":memory:")
}

// Concurrent writers are expected (coordinator, health monitor, run
// history), so WAL plus a busy timeout instead of the default journal.
var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA busy_timeout=5000;",
	"PRAGMA foreign_keys=ON;",
}

func openAt(dsn string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}
	if err := Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &DB{sql: sqlDB, path: dsn}, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// SQL returns the raw *sql.DB for advanced usage.
func (d *DB) SQL() *sql.DB {
	if d == nil {
		return nil
	}
	return d.sql
}

func expandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		return filepath.Join(home, rest)
	}
	return path
}
