package models

import "time"

// SyncDirection distinguishes uploads from downloads in the audit log.
type SyncDirection string

const (
	DirectionUp   SyncDirection = "up"
	DirectionDown SyncDirection = "down"
)

// HistoryStatus classifies the outcome of one sync pass.
type HistoryStatus string

const (
	HistorySuccess HistoryStatus = "success"
	HistoryPartial HistoryStatus = "partial"
	HistoryFailed  HistoryStatus = "failed"
)

// SyncHistoryEntry is an append-only audit record of one pull or push pass.
// Created at the start of the pass; completion fields are set exactly once
// at its end and never mutated afterward.
type SyncHistoryEntry struct {
	ID              UUID          `db:"id" json:"id"`
	BranchID        string        `db:"branch_id" json:"branchId"`
	Direction       SyncDirection `db:"direction" json:"direction"`
	Status          HistoryStatus `db:"status" json:"status"`
	RecordsAffected int           `db:"records_affected" json:"recordsAffected"`
	RecordsFailed   int           `db:"records_failed" json:"recordsFailed"`
	StartedAt       int64         `db:"started_at" json:"startedAt"`
	CompletedAt     *int64        `db:"completed_at" json:"completedAt,omitempty"`
	ErrorDetails    string        `db:"error_details" json:"errorDetails,omitempty"`
}

// TableName returns the table name for SyncHistoryEntry.
func (SyncHistoryEntry) TableName() string {
	return "sync_history"
}

// StartedTime returns StartedAt as time.Time.
func (h *SyncHistoryEntry) StartedTime() time.Time {
	return time.Unix(h.StartedAt, 0)
}
