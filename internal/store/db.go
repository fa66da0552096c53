// Package store provides the durable on-device store for a branch:
// cached entity snapshots, the operation queue table, and the singleton
// sync-state record, backed by SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/marcomamdouh99/newsync/internal/errors"
	_ "modernc.org/sqlite"
)

// DB wraps the sql.DB with device-store configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens the branch-device SQLite database with:
// - WAL mode for concurrent reads during writes
// - foreign key constraints enabled
// - a single writer connection (SQLite does not support multiple writers)
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "branch.db")
	db, err := OpenFile(dbPath)
	if err != nil {
		return nil, err
	}
	return &DB{DB: db, path: dbPath}, nil
}

// OpenFile opens a SQLite database file with the store's standard
// configuration. Shared with the central server's store, which manages
// its own schema on top of the same connection setup.
func OpenFile(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// ClassifyErr maps SQLite failures onto the storage error taxonomy.
// Disk exhaustion and corruption are fatal and must be distinguishable
// from ordinary application errors, since no retry will fix them.
func ClassifyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "disk is full") || strings.Contains(msg, "disk full"):
		return apperrors.Wrap(apperrors.ErrStorageFull, op, err)
	case strings.Contains(msg, "malformed") || strings.Contains(msg, "not a database"):
		return apperrors.Wrap(apperrors.ErrStorageCorrupt, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
