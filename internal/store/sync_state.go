package store

import (
	"context"

	"github.com/marcomamdouh99/newsync/internal/models"
)

// SyncState persistence. The table holds exactly one row (id = 1) created
// by the first migration; it is never inserted into or deleted from here.

// GetSyncState reads the singleton sync-state record.
func (db *DB) GetSyncState(ctx context.Context) (*models.SyncState, error) {
	query := `
	SELECT branch_id, is_online, last_pull_at, last_push_at,
	       pending_operations, last_pull_failed, last_pull_error
	FROM sync_state WHERE id = 1
	`
	var s models.SyncState
	err := db.QueryRowContext(ctx, query).Scan(&s.BranchID, &s.IsOnline,
		&s.LastPullAt, &s.LastPushAt, &s.PendingOperations,
		&s.LastPullFailed, &s.LastPullError)
	if err != nil {
		return nil, ClassifyErr("get sync state", err)
	}
	return &s, nil
}

// UpdateSyncState applies a read-modify-write mutation to the singleton
// record inside one transaction, so concurrent state-affecting events
// never clobber each other's fields.
func (db *DB) UpdateSyncState(ctx context.Context, mutate func(*models.SyncState)) (*models.SyncState, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ClassifyErr("begin sync state update", err)
	}
	defer tx.Rollback()

	var s models.SyncState
	query := `
	SELECT branch_id, is_online, last_pull_at, last_push_at,
	       pending_operations, last_pull_failed, last_pull_error
	FROM sync_state WHERE id = 1
	`
	if err := tx.QueryRowContext(ctx, query).Scan(&s.BranchID, &s.IsOnline,
		&s.LastPullAt, &s.LastPushAt, &s.PendingOperations,
		&s.LastPullFailed, &s.LastPullError); err != nil {
		return nil, ClassifyErr("read sync state", err)
	}

	mutate(&s)

	update := `
	UPDATE sync_state SET branch_id = ?, is_online = ?, last_pull_at = ?,
		last_push_at = ?, pending_operations = ?, last_pull_failed = ?,
		last_pull_error = ?
	WHERE id = 1
	`
	if _, err := tx.ExecContext(ctx, update, s.BranchID, s.IsOnline,
		s.LastPullAt, s.LastPushAt, s.PendingOperations,
		s.LastPullFailed, s.LastPullError); err != nil {
		return nil, ClassifyErr("write sync state", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, ClassifyErr("commit sync state", err)
	}
	return &s, nil
}
