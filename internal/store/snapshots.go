package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/marcomamdouh99/newsync/internal/errors"
	"github.com/marcomamdouh99/newsync/internal/models"
)

// Snapshots is the uniform read/write contract for cached entity tables.
// Every call is transactional: a batch either persists completely or not
// at all, so a reader can never observe a half-applied pull.
type Snapshots interface {
	Put(ctx context.Context, table, id string, record interface{}) error
	Get(ctx context.Context, table, id string, dst interface{}) error
	GetAll(ctx context.Context, table string) ([]models.Snapshot, error)
	Delete(ctx context.Context, table, id string) error
	Clear(ctx context.Context, table string) error
	PutBatch(ctx context.Context, table string, records map[string]json.RawMessage) error
}

var snapshotTables = func() map[string]bool {
	m := make(map[string]bool, len(models.SnapshotTables))
	for _, t := range models.SnapshotTables {
		m[t] = true
	}
	return m
}()

// checkTable guards against table names reaching SQL from request paths.
func checkTable(table string) error {
	if !snapshotTables[table] {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown snapshot table %q", table))
	}
	return nil
}

// Put upserts one record into a snapshot table, replacing any previous
// copy with the same server id.
func (db *DB) Put(ctx context.Context, table, id string, record interface{}) error {
	if err := checkTable(table); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", table, err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`, table)
	_, err = db.ExecContext(ctx, query, id, string(data), time.Now().Unix())
	return ClassifyErr("put "+table, err)
}

// Get reads one cached record into dst. Returns sql.ErrNoRows when the
// id is not cached.
func (db *DB) Get(ctx context.Context, table, id string, dst interface{}) error {
	if err := checkTable(table); err != nil {
		return err
	}
	var data string
	query := fmt.Sprintf("SELECT data FROM %s WHERE id = ?", table)
	if err := db.QueryRowContext(ctx, query, id).Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return err
		}
		return ClassifyErr("get "+table, err)
	}
	return json.Unmarshal([]byte(data), dst)
}

// GetAll returns every cached record in a snapshot table.
func (db *DB) GetAll(ctx context.Context, table string) ([]models.Snapshot, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT id, data, updated_at FROM %s ORDER BY updated_at DESC", table)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, ClassifyErr("list "+table, err)
	}
	defer rows.Close()

	var snapshots []models.Snapshot
	for rows.Next() {
		var snap models.Snapshot
		var data string
		if err := rows.Scan(&snap.ID, &data, &snap.UpdatedAt); err != nil {
			return nil, ClassifyErr("scan "+table, err)
		}
		snap.Data = json.RawMessage(data)
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// Delete removes one cached record. Removing a missing id is a no-op.
func (db *DB) Delete(ctx context.Context, table, id string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", table)
	_, err := db.ExecContext(ctx, query, id)
	return ClassifyErr("delete "+table, err)
}

// Clear empties a snapshot table.
func (db *DB) Clear(ctx context.Context, table string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s", table)
	_, err := db.ExecContext(ctx, query)
	return ClassifyErr("clear "+table, err)
}

// PutBatch upserts a set of records in one transaction. Used by pulls so
// a dataset refresh is all-or-nothing per table.
func (db *DB) PutBatch(ctx context.Context, table string, records map[string]json.RawMessage) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return ClassifyErr("begin batch put "+table, err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`, table)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return ClassifyErr("prepare batch put "+table, err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for id, data := range records {
		if _, err := stmt.ExecContext(ctx, id, string(data), now); err != nil {
			return ClassifyErr("batch put "+table, err)
		}
	}
	return tx.Commit()
}
