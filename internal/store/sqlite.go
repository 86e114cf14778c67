package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/cloudbridge/internal/schema"
)

// Schema version tracking:
// 0 - no schema
// 1 - objects and commits tables
const currentSchemaVersion = 1

var sqliteDialect = dialect{
	name:        "sqlite",
	driver:      "sqlite3",
	placeholder: func(int) string { return "?" },
}

// OpenSQLite opens or creates a SQLite-backed store at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - a single connection, since the store has a single writer anyway
func OpenSQLite(path string, registry *schema.Registry, opts ...Option) (*Durable, error) {
	db, err := sqlOpen(sqliteDialect.driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	d, err := openDurable(db, sqliteDialect, registry, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := setUserVersion(db); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// setUserVersion records the schema version. Future migrations key off
// PRAGMA user_version.
func setUserVersion(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
