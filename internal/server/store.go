// Package server implements the central synchronization backend: the
// authoritative store, the idempotent batch processor, and the HTTP API
// branches sync against.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/marcomamdouh99/newsync/internal/errors"
	"github.com/marcomamdouh99/newsync/internal/models"
	"github.com/marcomamdouh99/newsync/internal/store"
)

// Datasets a branch always receives on pull, capped and newest first,
// because they churn constantly and version gating would never skip them.
var alwaysPulled = map[string]bool{
	models.EntityOrder:    true,
	models.EntityShift:    true,
	models.EntityWasteLog: true,
}

// serverMigrations define the central schema. Entity tables carry the
// owning branch and a synced flag; dataset_versions gates pulls; the
// branch_datasets table remembers what each branch last received.
var serverMigrations = []store.Migration{
	{
		Version:     1,
		Description: "central_core",
		SQL: `
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			branch_id TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_orders_branch ON orders(branch_id, created_at);

		CREATE TABLE IF NOT EXISTS order_items (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id),
			data TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id);

		CREATE TABLE IF NOT EXISTS shifts (id TEXT PRIMARY KEY, branch_id TEXT NOT NULL, data TEXT NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL, synced INTEGER NOT NULL DEFAULT 0);
		CREATE TABLE IF NOT EXISTS inventory (id TEXT PRIMARY KEY, branch_id TEXT NOT NULL, data TEXT NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL, synced INTEGER NOT NULL DEFAULT 0);
		CREATE TABLE IF NOT EXISTS menu_items (id TEXT PRIMARY KEY, branch_id TEXT NOT NULL, data TEXT NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL, synced INTEGER NOT NULL DEFAULT 0);
		CREATE TABLE IF NOT EXISTS categories (id TEXT PRIMARY KEY, branch_id TEXT NOT NULL, data TEXT NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL, synced INTEGER NOT NULL DEFAULT 0);
		CREATE TABLE IF NOT EXISTS branches (id TEXT PRIMARY KEY, branch_id TEXT NOT NULL, data TEXT NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL, synced INTEGER NOT NULL DEFAULT 0);
		CREATE TABLE IF NOT EXISTS waste_logs (id TEXT PRIMARY KEY, branch_id TEXT NOT NULL, data TEXT NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL, synced INTEGER NOT NULL DEFAULT 0);
		CREATE TABLE IF NOT EXISTS users (id TEXT PRIMARY KEY, branch_id TEXT NOT NULL, data TEXT NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL, synced INTEGER NOT NULL DEFAULT 0);

		CREATE TABLE IF NOT EXISTS dataset_versions (
			dataset TEXT PRIMARY KEY,
			version INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS branch_datasets (
			branch_id TEXT NOT NULL,
			dataset TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			pulled_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (branch_id, dataset)
		);

		CREATE TABLE IF NOT EXISTS conflicts (
			id TEXT PRIMARY KEY,
			branch_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			conflict_reason TEXT NOT NULL,
			branch_payload TEXT NOT NULL,
			central_payload TEXT NOT NULL,
			detected_at INTEGER NOT NULL,
			resolved_at INTEGER,
			resolved_by TEXT NOT NULL DEFAULT '',
			resolution TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflicts(branch_id, entity_type, entity_id);

		CREATE TABLE IF NOT EXISTS sync_history (
			id TEXT PRIMARY KEY,
			branch_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			records_affected INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			completed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_sync_history_branch ON sync_history(branch_id, started_at);
		`,
	},
	{
		Version:     2,
		Description: "central_customer_tables",
		SQL: `
		CREATE TABLE IF NOT EXISTS customers (id TEXT PRIMARY KEY, branch_id TEXT NOT NULL, data TEXT NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL, synced INTEGER NOT NULL DEFAULT 0);
		CREATE TABLE IF NOT EXISTS customer_addresses (id TEXT PRIMARY KEY, branch_id TEXT NOT NULL, data TEXT NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL, synced INTEGER NOT NULL DEFAULT 0);
		`,
	},
	{
		Version:     3,
		Description: "central_delivery_tables",
		SQL: `
		CREATE TABLE IF NOT EXISTS couriers (id TEXT PRIMARY KEY, branch_id TEXT NOT NULL, data TEXT NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL, synced INTEGER NOT NULL DEFAULT 0);
		CREATE TABLE IF NOT EXISTS delivery_areas (id TEXT PRIMARY KEY, branch_id TEXT NOT NULL, data TEXT NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL, synced INTEGER NOT NULL DEFAULT 0);
		`,
	},
	{
		Version:     4,
		Description: "central_ingredient_catalog",
		SQL: `
		CREATE TABLE IF NOT EXISTS ingredients (id TEXT PRIMARY KEY, branch_id TEXT NOT NULL, data TEXT NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL, synced INTEGER NOT NULL DEFAULT 0);
		`,
	},
	{
		Version:     5,
		Description: "history_failed_count",
		SQL: `
		ALTER TABLE sync_history ADD COLUMN records_failed INTEGER NOT NULL DEFAULT 0;
		`,
	},
}

var entityTables = func() map[string]bool {
	m := make(map[string]bool, len(models.SnapshotTables))
	for _, t := range models.SnapshotTables {
		m[t] = true
	}
	return m
}()

func checkDataset(dataset string) error {
	if !entityTables[dataset] {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown dataset %q", dataset))
	}
	return nil
}

// Store is the authoritative central database.
type Store struct {
	*sql.DB
	now func() time.Time
}

// OpenStore opens (and migrates) the central SQLite database.
func OpenStore(path string) (*Store, error) {
	db, err := store.OpenFile(path)
	if err != nil {
		return nil, err
	}
	if err := store.RunMigrations(db, serverMigrations); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{DB: db, now: time.Now}, nil
}

// EntityRow is one authoritative record with its sync bookkeeping.
type EntityRow struct {
	ID        string          `json:"id"`
	BranchID  string          `json:"branchId"`
	Data      json.RawMessage `json:"data"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
	Synced    bool            `json:"synced"`
}

// GetEntity returns one record, or nil when the id is unknown.
func (s *Store) GetEntity(ctx context.Context, dataset, id string) (*EntityRow, error) {
	if err := checkDataset(dataset); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT id, branch_id, data, created_at, updated_at, synced FROM %s WHERE id = ?", dataset)
	row := s.QueryRowContext(ctx, query, id)

	var rec EntityRow
	var data string
	var synced int
	if err := row.Scan(&rec.ID, &rec.BranchID, &data, &rec.CreatedAt, &rec.UpdatedAt, &synced); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, store.ClassifyErr("get "+dataset, err)
	}
	rec.Data = json.RawMessage(data)
	rec.Synced = synced != 0
	return &rec, nil
}

// InsertEntity creates a record and bumps the dataset version. New rows
// start unsynced until a branch acknowledges delivery. Fails with
// DUPLICATE when the id already exists.
func (s *Store) InsertEntity(ctx context.Context, dataset, id, branchID string, data json.RawMessage) error {
	if err := checkDataset(dataset); err != nil {
		return err
	}
	now := s.now().Unix()
	query := fmt.Sprintf(`INSERT INTO %s (id, branch_id, data, created_at, updated_at, synced)
		VALUES (?, ?, ?, ?, ?, 0)`, dataset)
	if _, err := s.ExecContext(ctx, query, id, branchID, string(data), now, now); err != nil {
		if isUniqueViolation(err) {
			return apperrors.New(apperrors.ErrDuplicate, dataset+" id "+id+" already exists")
		}
		return store.ClassifyErr("insert "+dataset, err)
	}
	return s.bumpVersion(ctx, dataset)
}

// UpdateEntity replaces a record's document and bumps the dataset
// version. Unknown ids fail with NOT_FOUND.
func (s *Store) UpdateEntity(ctx context.Context, dataset, id string, data json.RawMessage) error {
	if err := checkDataset(dataset); err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET data = ?, updated_at = ?, synced = 0 WHERE id = ?", dataset)
	res, err := s.ExecContext(ctx, query, string(data), s.now().Unix(), id)
	if err != nil {
		return store.ClassifyErr("update "+dataset, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, dataset+" id "+id+" not found")
	}
	return s.bumpVersion(ctx, dataset)
}

// ListEntities returns a dataset's records, branch-scoped when branchID
// is set, newest first, capped at limit (0 = uncapped). sinceDate
// restricts to records created at or after the given unix time.
func (s *Store) ListEntities(ctx context.Context, dataset, branchID string, sinceDate int64, limit int) ([]EntityRow, error) {
	if err := checkDataset(dataset); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT id, branch_id, data, created_at, updated_at, synced FROM %s WHERE 1=1", dataset)
	var args []interface{}
	if branchID != "" {
		query += " AND branch_id = ?"
		args = append(args, branchID)
	}
	if sinceDate > 0 {
		query += " AND created_at >= ?"
		args = append(args, sinceDate)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.ClassifyErr("list "+dataset, err)
	}
	defer rows.Close()

	var out []EntityRow
	for rows.Next() {
		var rec EntityRow
		var data string
		var synced int
		if err := rows.Scan(&rec.ID, &rec.BranchID, &data, &rec.CreatedAt, &rec.UpdatedAt, &synced); err != nil {
			return nil, store.ClassifyErr("scan "+dataset, err)
		}
		rec.Data = json.RawMessage(data)
		rec.Synced = synced != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkSynced flags a branch's rows in a dataset as synced, returning the
// affected count. With dryRun only the count is computed.
func (s *Store) MarkSynced(ctx context.Context, dataset, branchID string, dryRun bool) (int, error) {
	if err := checkDataset(dataset); err != nil {
		return 0, err
	}
	if dryRun {
		var n int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE branch_id = ? AND synced = 0", dataset)
		if err := s.QueryRowContext(ctx, query, branchID).Scan(&n); err != nil {
			return 0, store.ClassifyErr("count unsynced "+dataset, err)
		}
		return n, nil
	}
	query := fmt.Sprintf("UPDATE %s SET synced = 1 WHERE branch_id = ? AND synced = 0", dataset)
	res, err := s.ExecContext(ctx, query, branchID)
	if err != nil {
		return 0, store.ClassifyErr("mark synced "+dataset, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountUnsynced returns how many rows in a dataset are pending download
// for a branch.
func (s *Store) CountUnsynced(ctx context.Context, dataset, branchID string) (int, error) {
	if err := checkDataset(dataset); err != nil {
		return 0, err
	}
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE branch_id = ? AND synced = 0", dataset)
	err := s.QueryRowContext(ctx, query, branchID).Scan(&n)
	return n, err
}

// InsertOrderWithItems persists an order header and its line items in one
// transaction; a failure on any line leaves nothing behind.
func (s *Store) InsertOrderWithItems(ctx context.Context, id, branchID string, header json.RawMessage, items []models.OrderItem) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return store.ClassifyErr("begin order insert", err)
	}
	defer tx.Rollback()

	now := s.now().Unix()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, branch_id, data, created_at, updated_at, synced) VALUES (?, ?, ?, ?, ?, 0)`,
		id, branchID, string(header), now, now); err != nil {
		if isUniqueViolation(err) {
			return apperrors.New(apperrors.ErrDuplicate, "order id "+id+" already exists")
		}
		return store.ClassifyErr("insert order", err)
	}

	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal order item: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_items (id, order_id, data) VALUES (?, ?, ?)`,
			string(item.ID), id, string(data)); err != nil {
			return store.ClassifyErr("insert order item", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return store.ClassifyErr("commit order insert", err)
	}
	return s.bumpVersion(ctx, models.EntityOrder)
}

// ListOrderItems returns the stored line items of one order.
func (s *Store) ListOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	rows, err := s.QueryContext(ctx, "SELECT data FROM order_items WHERE order_id = ?", orderID)
	if err != nil {
		return nil, store.ClassifyErr("list order items", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var item models.OrderItem
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DatasetVersions returns the current version of every dataset.
func (s *Store) DatasetVersions(ctx context.Context) (map[string]int64, error) {
	rows, err := s.QueryContext(ctx, "SELECT dataset, version FROM dataset_versions")
	if err != nil {
		return nil, store.ClassifyErr("read dataset versions", err)
	}
	defer rows.Close()

	versions := make(map[string]int64)
	for rows.Next() {
		var dataset string
		var version int64
		if err := rows.Scan(&dataset, &version); err != nil {
			return nil, err
		}
		versions[dataset] = version
	}
	return versions, rows.Err()
}

// BranchVersions returns the dataset versions a branch last pulled.
func (s *Store) BranchVersions(ctx context.Context, branchID string) (map[string]int64, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT dataset, version FROM branch_datasets WHERE branch_id = ?", branchID)
	if err != nil {
		return nil, store.ClassifyErr("read branch versions", err)
	}
	defer rows.Close()

	versions := make(map[string]int64)
	for rows.Next() {
		var dataset string
		var version int64
		if err := rows.Scan(&dataset, &version); err != nil {
			return nil, err
		}
		versions[dataset] = version
	}
	return versions, rows.Err()
}

// RecordBranchPull remembers which dataset versions a branch received.
func (s *Store) RecordBranchPull(ctx context.Context, branchID string, versions map[string]int64) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return store.ClassifyErr("begin branch pull record", err)
	}
	defer tx.Rollback()

	now := s.now().Unix()
	for dataset, version := range versions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO branch_datasets (branch_id, dataset, version, pulled_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(branch_id, dataset) DO UPDATE SET version = excluded.version, pulled_at = excluded.pulled_at`,
			branchID, dataset, version, now); err != nil {
			return store.ClassifyErr("record branch pull", err)
		}
	}
	return tx.Commit()
}

func (s *Store) bumpVersion(ctx context.Context, dataset string) error {
	_, err := s.ExecContext(ctx,
		`INSERT INTO dataset_versions (dataset, version, updated_at) VALUES (?, 1, ?)
		 ON CONFLICT(dataset) DO UPDATE SET version = version + 1, updated_at = excluded.updated_at`,
		dataset, s.now().Unix())
	return store.ClassifyErr("bump dataset version", err)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
