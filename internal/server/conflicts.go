package server

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/marcomamdouh99/newsync/internal/models"
	"github.com/marcomamdouh99/newsync/internal/store"
)

// The central store backs the conflict ledger.

func (s *Store) OpenConflict(ctx context.Context, branchID, entityType, entityID string) (*models.ConflictRecord, error) {
	row := s.QueryRowContext(ctx, `
		SELECT id, branch_id, entity_type, entity_id, conflict_reason,
		       branch_payload, central_payload, detected_at, resolved_at, resolved_by, resolution
		FROM conflicts
		WHERE branch_id = ? AND entity_type = ? AND entity_id = ? AND resolved_at IS NULL`,
		branchID, entityType, entityID)
	rec, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *Store) InsertConflict(ctx context.Context, rec *models.ConflictRecord) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO conflicts (id, branch_id, entity_type, entity_id, conflict_reason,
			branch_payload, central_payload, detected_at, resolved_at, resolved_by, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, '', '')`,
		string(rec.ID), rec.BranchID, rec.EntityType, rec.EntityID, rec.ConflictReason,
		string(rec.BranchPayload), string(rec.CentralPayload), rec.DetectedAt)
	return store.ClassifyErr("insert conflict", err)
}

func (s *Store) GetConflict(ctx context.Context, id string) (*models.ConflictRecord, error) {
	row := s.QueryRowContext(ctx, `
		SELECT id, branch_id, entity_type, entity_id, conflict_reason,
		       branch_payload, central_payload, detected_at, resolved_at, resolved_by, resolution
		FROM conflicts WHERE id = ?`, id)
	rec, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *Store) ListConflicts(ctx context.Context, branchID string, includeResolved bool) ([]models.ConflictRecord, error) {
	query := `
		SELECT id, branch_id, entity_type, entity_id, conflict_reason,
		       branch_payload, central_payload, detected_at, resolved_at, resolved_by, resolution
		FROM conflicts WHERE 1=1`
	var args []interface{}
	if branchID != "" {
		query += " AND branch_id = ?"
		args = append(args, branchID)
	}
	if !includeResolved {
		query += " AND resolved_at IS NULL"
	}
	query += " ORDER BY detected_at DESC"

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.ClassifyErr("list conflicts", err)
	}
	defer rows.Close()

	var out []models.ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) MarkResolved(ctx context.Context, rec *models.ConflictRecord) error {
	_, err := s.ExecContext(ctx,
		"UPDATE conflicts SET resolved_at = ?, resolved_by = ?, resolution = ? WHERE id = ?",
		rec.ResolvedAt, rec.ResolvedBy, string(rec.Resolution), string(rec.ID))
	return store.ClassifyErr("mark conflict resolved", err)
}

// ApplyResolution writes the winning payload as the authoritative copy.
func (s *Store) ApplyResolution(ctx context.Context, entityType, entityID string, payload json.RawMessage) error {
	return s.UpdateEntity(ctx, entityType, entityID, payload)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConflict(row rowScanner) (*models.ConflictRecord, error) {
	var rec models.ConflictRecord
	var id, branchPayload, centralPayload, resolution string
	var resolvedAt sql.NullInt64
	if err := row.Scan(&id, &rec.BranchID, &rec.EntityType, &rec.EntityID, &rec.ConflictReason,
		&branchPayload, &centralPayload, &rec.DetectedAt, &resolvedAt, &rec.ResolvedBy, &resolution); err != nil {
		return nil, err
	}
	rec.ID = models.UUID(id)
	rec.BranchPayload = json.RawMessage(branchPayload)
	rec.CentralPayload = json.RawMessage(centralPayload)
	rec.Resolution = models.Resolution(resolution)
	if resolvedAt.Valid {
		v := resolvedAt.Int64
		rec.ResolvedAt = &v
	}
	return &rec, nil
}
