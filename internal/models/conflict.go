package models

import (
	"encoding/json"
	"time"
)

// Resolution is the terminal outcome applied to a conflict record.
type Resolution string

const (
	ResolutionAcceptBranch  Resolution = "accept_branch"
	ResolutionAcceptCentral Resolution = "accept_central"
	ResolutionManualMerge   Resolution = "manual_merge"
)

// IsValid reports whether r is a known resolution strategy.
func (r Resolution) IsValid() bool {
	switch r {
	case ResolutionAcceptBranch, ResolutionAcceptCentral, ResolutionManualMerge:
		return true
	}
	return false
}

// ConflictRecord represents detected divergence between a branch payload
// and the authoritative record for the same entity. At most one unresolved
// record exists per (EntityType, EntityID); resolution is one-way and
// resolved records are archived, never deleted.
type ConflictRecord struct {
	ID             UUID            `db:"id" json:"id"`
	BranchID       string          `db:"branch_id" json:"branchId"`
	EntityType     string          `db:"entity_type" json:"entityType"`
	EntityID       string          `db:"entity_id" json:"entityId"`
	ConflictReason string          `db:"conflict_reason" json:"conflictReason"`
	BranchPayload  json.RawMessage `db:"branch_payload" json:"branchPayload"`
	CentralPayload json.RawMessage `db:"central_payload" json:"centralPayload"`
	DetectedAt     int64           `db:"detected_at" json:"detectedAt"`
	ResolvedAt     *int64          `db:"resolved_at" json:"resolvedAt,omitempty"`
	ResolvedBy     string          `db:"resolved_by" json:"resolvedBy,omitempty"`
	Resolution     Resolution      `db:"resolution" json:"resolution,omitempty"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflicts"
}

// IsResolved reports whether the conflict has reached its terminal state.
func (c *ConflictRecord) IsResolved() bool {
	return c.ResolvedAt != nil
}

// DetectedTime returns DetectedAt as time.Time.
func (c *ConflictRecord) DetectedTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
