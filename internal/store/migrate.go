package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	apperrors "github.com/marcomamdouh99/newsync/internal/errors"
)

// Migration is one versioned, additive schema step. The table set grows
// over the product's life, so migrations only ever add tables and indexes;
// a later version must never touch data owned by an earlier one. Exported
// so other SQLite-backed stores (the central server) reuse the runner.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once, inside its own
// transaction. Append new versions at the end; never edit an applied one
// (the recorded checksum would no longer match).
var migrations = []Migration{
	{
		Version:     1,
		Description: "core_tables",
		SQL: `
		CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			data TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			branch_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			last_error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_operations_branch_ts ON operations(branch_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_operations_type ON operations(type);

		CREATE TABLE IF NOT EXISTS sync_state (
			id INTEGER PRIMARY KEY CHECK(id = 1),
			branch_id TEXT NOT NULL DEFAULT '',
			is_online INTEGER NOT NULL DEFAULT 0,
			last_pull_at INTEGER NOT NULL DEFAULT 0,
			last_push_at INTEGER NOT NULL DEFAULT 0,
			pending_operations INTEGER NOT NULL DEFAULT 0,
			last_pull_failed INTEGER NOT NULL DEFAULT 0,
			last_pull_error TEXT NOT NULL DEFAULT ''
		);
		INSERT OR IGNORE INTO sync_state (id) VALUES (1);

		CREATE TABLE IF NOT EXISTS orders (id TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at INTEGER NOT NULL);
		CREATE TABLE IF NOT EXISTS shifts (id TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at INTEGER NOT NULL);
		CREATE TABLE IF NOT EXISTS inventory (id TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at INTEGER NOT NULL);
		CREATE TABLE IF NOT EXISTS menu_items (id TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at INTEGER NOT NULL);
		CREATE TABLE IF NOT EXISTS categories (id TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at INTEGER NOT NULL);
		CREATE TABLE IF NOT EXISTS branches (id TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at INTEGER NOT NULL);
		CREATE TABLE IF NOT EXISTS waste_logs (id TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at INTEGER NOT NULL);
		CREATE TABLE IF NOT EXISTS users (id TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at INTEGER NOT NULL);
		`,
	},
	{
		Version:     2,
		Description: "customer_tables",
		SQL: `
		CREATE TABLE IF NOT EXISTS customers (id TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at INTEGER NOT NULL);
		CREATE TABLE IF NOT EXISTS customer_addresses (id TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at INTEGER NOT NULL);
		`,
	},
	{
		Version:     3,
		Description: "delivery_tables",
		SQL: `
		CREATE TABLE IF NOT EXISTS couriers (id TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at INTEGER NOT NULL);
		CREATE TABLE IF NOT EXISTS delivery_areas (id TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at INTEGER NOT NULL);
		`,
	},
	{
		Version:     4,
		Description: "ingredient_catalog",
		SQL: `
		CREATE TABLE IF NOT EXISTS ingredients (id TEXT PRIMARY KEY, data TEXT NOT NULL, updated_at INTEGER NOT NULL);
		`,
	},
}

// Migrate applies all pending schema migrations. Safe to call on every
// startup: applied versions are skipped, and existing tables' data is
// never destroyed.
func (db *DB) Migrate() error {
	return RunMigrations(db.DB, migrations)
}

// RunMigrations applies each pending migration in version order, one
// transaction per step, recording version, timestamp, description, and a
// checksum of the SQL in schema_migrations.
func RunMigrations(db *sql.DB, migs []Migration) error {
	if err := initMigrations(db); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "initialize migrations table", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "read applied migrations", err)
	}

	for _, mig := range migs {
		if applied[mig.Version] {
			continue
		}
		if err := applyMigration(db, mig); err != nil {
			return apperrors.Wrap(apperrors.ErrMigration,
				fmt.Sprintf("apply migration V%d (%s)", mig.Version, mig.Description), err)
		}
	}
	return nil
}

// SchemaVersion returns the current schema version (0 when unmigrated).
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

func initMigrations(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := db.Exec(query)
	return err
}

func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func applyMigration(db *sql.DB, mig Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	hash := sha256.Sum256([]byte(mig.SQL))
	checksum := hex.EncodeToString(hash[:])
	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, mig.Version, time.Now().Unix(), mig.Description, checksum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
