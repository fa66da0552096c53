package server

import (
	"context"
	"database/sql"

	"github.com/marcomamdouh99/newsync/internal/models"
	"github.com/marcomamdouh99/newsync/internal/store"
	"github.com/marcomamdouh99/newsync/internal/uuid"
)

// maxHistoryRows caps history responses regardless of requested limit.
const maxHistoryRows = 200

// RecordHistory appends one completed audit entry. recordsFailed counts
// operations the branch retained for retry after an upload.
func (s *Store) RecordHistory(ctx context.Context, branchID string, direction models.SyncDirection,
	status models.HistoryStatus, recordsAffected, recordsFailed int, errorDetails string, startedAt int64) (*models.SyncHistoryEntry, error) {

	completedAt := s.now().Unix()
	entry := &models.SyncHistoryEntry{
		ID:              models.UUID(uuid.New()),
		BranchID:        branchID,
		Direction:       direction,
		Status:          status,
		RecordsAffected: recordsAffected,
		RecordsFailed:   recordsFailed,
		StartedAt:       startedAt,
		CompletedAt:     &completedAt,
		ErrorDetails:    errorDetails,
	}

	_, err := s.ExecContext(ctx, `
		INSERT INTO sync_history (id, branch_id, direction, status, records_affected, records_failed, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.ID), entry.BranchID, string(entry.Direction), string(entry.Status),
		entry.RecordsAffected, entry.RecordsFailed, entry.ErrorDetails, entry.StartedAt, entry.CompletedAt)
	if err != nil {
		return nil, store.ClassifyErr("record sync history", err)
	}
	return entry, nil
}

// HistoryFilter narrows a history listing. Zero values mean no filter.
type HistoryFilter struct {
	BranchID  string
	Status    models.HistoryStatus
	Direction models.SyncDirection
	Limit     int
}

// ListHistory returns audit entries newest first, at most 200 rows.
func (s *Store) ListHistory(ctx context.Context, filter HistoryFilter) ([]models.SyncHistoryEntry, error) {
	query := `SELECT id, branch_id, direction, status, records_affected, records_failed, error, started_at, completed_at
		FROM sync_history WHERE 1=1`
	var args []interface{}
	if filter.BranchID != "" {
		query += " AND branch_id = ?"
		args = append(args, filter.BranchID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Direction != "" {
		query += " AND direction = ?"
		args = append(args, string(filter.Direction))
	}
	limit := filter.Limit
	if limit <= 0 || limit > maxHistoryRows {
		limit = maxHistoryRows
	}
	// rowid breaks ties between entries started in the same second.
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.ClassifyErr("list sync history", err)
	}
	defer rows.Close()

	var out []models.SyncHistoryEntry
	for rows.Next() {
		var entry models.SyncHistoryEntry
		var id, direction, status string
		var completedAt sql.NullInt64
		if err := rows.Scan(&id, &entry.BranchID, &direction, &status,
			&entry.RecordsAffected, &entry.RecordsFailed, &entry.ErrorDetails, &entry.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		entry.ID = models.UUID(id)
		entry.Direction = models.SyncDirection(direction)
		entry.Status = models.HistoryStatus(status)
		if completedAt.Valid {
			v := completedAt.Int64
			entry.CompletedAt = &v
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
