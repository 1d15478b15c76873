package domain

import (
	"context"
	"time"
)

// SyncRun is the persisted summary of one sync pass.
type SyncRun struct {
	SyncID      string    `json:"sync_id"`
	OwnerID     string    `json:"owner_id"`
	State       string    `json:"state"`
	Fetched     int       `json:"fetched"`
	Normalized  int       `json:"normalized"`
	Skipped     int       `json:"skipped"`
	Unsupported int       `json:"unsupported"`
	Invalid     int       `json:"invalid"`
	Created     int       `json:"created"`
	Updated     int       `json:"updated"`
	Failed      int       `json:"failed"`
	Truncated   bool      `json:"truncated"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// SyncRunStore keeps the sync history per owner.
type SyncRunStore interface {
	RecordSyncRun(ctx context.Context, run SyncRun) error
	ListSyncRuns(ctx context.Context, ownerID string, limit int) ([]SyncRun, error)
}
