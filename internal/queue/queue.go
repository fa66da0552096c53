// Package queue provides the durable operation queue recorded while a
// branch is offline (or while an online write fails over).
//
// The queue exclusively owns the operations table: operations enter via
// Enqueue, leave only via Remove after the server confirms success, and
// are otherwise retained with an incremented retry count.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/marcomamdouh99/newsync/internal/errors"
	"github.com/marcomamdouh99/newsync/internal/logging"
	"github.com/marcomamdouh99/newsync/internal/models"
	"github.com/marcomamdouh99/newsync/internal/store"
	"github.com/marcomamdouh99/newsync/internal/uuid"
)

// OperationQueue manages pending sync operations for one branch.
type OperationQueue struct {
	db       *store.DB
	branchID string
	log      *logging.Logger

	// MaxRetries moves an operation to the dead status once its retry
	// count reaches the ceiling. 0 disables the ceiling: operations
	// retry until they succeed or an operator intervenes.
	maxRetries int

	now func() time.Time
}

// Config holds queue configuration.
type Config struct {
	BranchID   string
	MaxRetries int
}

// New creates an OperationQueue backed by the device store.
func New(db *store.DB, cfg Config) *OperationQueue {
	return &OperationQueue{
		db:         db,
		branchID:   cfg.BranchID,
		maxRetries: cfg.MaxRetries,
		log:        logging.Get().WithComponent("queue"),
		now:        time.Now,
	}
}

// Enqueue records an operation for later delivery and returns its id.
// It is a pure local write: network state never fails it. Only a local
// storage failure (disk full, corruption) can, and that is surfaced as-is
// because it is fatal rather than retryable.
func (q *OperationQueue) Enqueue(ctx context.Context, opType models.OperationType, data interface{}) (string, error) {
	if !opType.IsValid() {
		return "", apperrors.New(apperrors.ErrInvalidOperationType, string(opType))
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal operation payload: %w", err)
	}

	now := q.now()
	op := &models.SyncOperation{
		ID:         uuid.NewOperationID(string(opType), now),
		Type:       opType,
		Data:       payload,
		Timestamp:  now.Unix(),
		RetryCount: 0,
		BranchID:   q.branchID,
		Status:     models.OperationPending,
	}

	if err := q.db.InsertOperation(ctx, op); err != nil {
		return "", err
	}
	q.refreshPendingCount(ctx)

	q.log.Info("Operation queued", map[string]interface{}{
		"operation_id": op.ID,
		"type":         string(op.Type),
	})
	return op.ID, nil
}

// ListPending returns pending operations in ascending timestamp order.
func (q *OperationQueue) ListPending(ctx context.Context) ([]models.SyncOperation, error) {
	return q.db.ListOperations(ctx, q.branchID, models.OperationPending)
}

// ListDead returns operations parked after exceeding the retry ceiling.
func (q *OperationQueue) ListDead(ctx context.Context) ([]models.SyncOperation, error) {
	return q.db.ListOperations(ctx, q.branchID, models.OperationDead)
}

// Remove deletes a confirmed operation. Called only after the server
// reports success for the operation's id.
func (q *OperationQueue) Remove(ctx context.Context, id string) error {
	if err := q.db.DeleteOperation(ctx, id); err != nil {
		if err == sql.ErrNoRows {
			return apperrors.New(apperrors.ErrQueueItemNotFound, id)
		}
		return err
	}
	q.refreshPendingCount(ctx)
	return nil
}

// Update persists an externally mutated operation (retry bumps).
func (q *OperationQueue) Update(ctx context.Context, op *models.SyncOperation) error {
	if err := q.db.UpdateOperation(ctx, op); err != nil {
		if err == sql.ErrNoRows {
			return apperrors.New(apperrors.ErrQueueItemNotFound, op.ID)
		}
		return err
	}
	return nil
}

// MarkFailed increments the retry count after a failed delivery. The
// operation stays queued; with a retry ceiling configured it moves to the
// dead status once the ceiling is reached.
func (q *OperationQueue) MarkFailed(ctx context.Context, id string, cause string) error {
	op, err := q.db.GetOperation(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return apperrors.New(apperrors.ErrQueueItemNotFound, id)
		}
		return err
	}

	op.RetryCount++
	op.LastError = cause
	if q.maxRetries > 0 && op.RetryCount >= q.maxRetries {
		op.Status = models.OperationDead
		q.log.Warn("Operation dead-lettered", map[string]interface{}{
			"operation_id": id,
			"retry_count":  op.RetryCount,
			"error":        cause,
		})
	} else {
		q.log.Info("Operation retry scheduled", map[string]interface{}{
			"operation_id": id,
			"retry_count":  op.RetryCount,
		})
	}

	if err := q.db.UpdateOperation(ctx, op); err != nil {
		return err
	}
	q.refreshPendingCount(ctx)
	return nil
}

// CountPending returns the number of operations awaiting confirmation.
func (q *OperationQueue) CountPending(ctx context.Context) (int, error) {
	return q.db.CountOperations(ctx, q.branchID, models.OperationPending)
}

// refreshPendingCount keeps SyncState.pending_operations in step with the
// queue so status indicators are never stale by more than one operation.
func (q *OperationQueue) refreshPendingCount(ctx context.Context) {
	count, err := q.db.CountOperations(ctx, q.branchID, models.OperationPending)
	if err != nil {
		q.log.Error("Failed to count pending operations", err)
		return
	}
	if _, err := q.db.UpdateSyncState(ctx, func(s *models.SyncState) {
		s.PendingOperations = count
	}); err != nil {
		q.log.Error("Failed to refresh pending counter", err)
	}
}
