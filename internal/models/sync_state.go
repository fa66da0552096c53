package models

import "time"

// SyncState is the single per-device record describing sync health.
// There is exactly one row; every state-affecting event read-modify-writes
// it atomically through the store.
type SyncState struct {
	BranchID          string `db:"branch_id" json:"branchId"`
	IsOnline          bool   `db:"is_online" json:"isOnline"`
	LastPullAt        int64  `db:"last_pull_at" json:"lastPullAt"`
	LastPushAt        int64  `db:"last_push_at" json:"lastPushAt"`
	PendingOperations int    `db:"pending_operations" json:"pendingOperations"`
	LastPullFailed    bool   `db:"last_pull_failed" json:"lastPullFailed"`
	LastPullError     string `db:"last_pull_error" json:"lastPullError,omitempty"`
}

// TableName returns the table name for SyncState.
func (SyncState) TableName() string {
	return "sync_state"
}

// LastPullTime returns LastPullAt as time.Time; zero time when never pulled.
func (s *SyncState) LastPullTime() time.Time {
	if s.LastPullAt == 0 {
		return time.Time{}
	}
	return time.Unix(s.LastPullAt, 0)
}

// LastPushTime returns LastPushAt as time.Time; zero time when never pushed.
func (s *SyncState) LastPushTime() time.Time {
	if s.LastPushAt == 0 {
		return time.Time{}
	}
	return time.Unix(s.LastPushAt, 0)
}
