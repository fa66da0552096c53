package store

import (
	"context"
	"database/sql"

	"github.com/marcomamdouh99/newsync/internal/models"
)

// Operation persistence. The operations table is owned by the operation
// queue; these methods are its only writers.

// InsertOperation appends one operation to the durable queue.
func (db *DB) InsertOperation(ctx context.Context, op *models.SyncOperation) error {
	query := `
	INSERT INTO operations (id, type, data, timestamp, retry_count, branch_id, status, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		op.ID, string(op.Type), string(op.Data), op.Timestamp,
		op.RetryCount, op.BranchID, string(op.Status), op.LastError)
	return ClassifyErr("insert operation", err)
}

// ListOperations returns operations with the given status in ascending
// timestamp order (the order they must reach the server in).
func (db *DB) ListOperations(ctx context.Context, branchID string, status models.OperationStatus) ([]models.SyncOperation, error) {
	query := `
	SELECT id, type, data, timestamp, retry_count, branch_id, status, last_error
	FROM operations
	WHERE branch_id = ? AND status = ?
	ORDER BY timestamp ASC, id ASC
	`
	rows, err := db.QueryContext(ctx, query, branchID, string(status))
	if err != nil {
		return nil, ClassifyErr("list operations", err)
	}
	defer rows.Close()

	var ops []models.SyncOperation
	for rows.Next() {
		var op models.SyncOperation
		var typ, status, data string
		if err := rows.Scan(&op.ID, &typ, &data, &op.Timestamp,
			&op.RetryCount, &op.BranchID, &status, &op.LastError); err != nil {
			return nil, ClassifyErr("scan operation", err)
		}
		op.Type = models.OperationType(typ)
		op.Status = models.OperationStatus(status)
		op.Data = []byte(data)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// GetOperation reads one operation by id. Returns sql.ErrNoRows when absent.
func (db *DB) GetOperation(ctx context.Context, id string) (*models.SyncOperation, error) {
	query := `
	SELECT id, type, data, timestamp, retry_count, branch_id, status, last_error
	FROM operations WHERE id = ?
	`
	var op models.SyncOperation
	var typ, status, data string
	err := db.QueryRowContext(ctx, query, id).Scan(&op.ID, &typ, &data,
		&op.Timestamp, &op.RetryCount, &op.BranchID, &status, &op.LastError)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, ClassifyErr("get operation", err)
	}
	op.Type = models.OperationType(typ)
	op.Status = models.OperationStatus(status)
	op.Data = []byte(data)
	return &op, nil
}

// UpdateOperation persists retry-count bumps and status changes.
func (db *DB) UpdateOperation(ctx context.Context, op *models.SyncOperation) error {
	query := `
	UPDATE operations SET retry_count = ?, status = ?, last_error = ? WHERE id = ?
	`
	res, err := db.ExecContext(ctx, query, op.RetryCount, string(op.Status), op.LastError, op.ID)
	if err != nil {
		return ClassifyErr("update operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteOperation removes a confirmed operation from the queue.
func (db *DB) DeleteOperation(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, "DELETE FROM operations WHERE id = ?", id)
	if err != nil {
		return ClassifyErr("delete operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountOperations counts queued operations with the given status.
func (db *DB) CountOperations(ctx context.Context, branchID string, status models.OperationStatus) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM operations WHERE branch_id = ? AND status = ?",
		branchID, string(status)).Scan(&count)
	if err != nil {
		return 0, ClassifyErr("count operations", err)
	}
	return count, nil
}
