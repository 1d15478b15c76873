// Package events defines the payloads published through the outbox.
package events

import "time"

const (
	// TypeActivityUpserted is emitted once per written activity.
	TypeActivityUpserted = "activity.upserted"
	// TypeSyncCompleted is emitted once per recorded sync pass, successful or not.
	TypeSyncCompleted = "sync.completed"
)

// ActivityUpserted announces that a normalized activity row was created or overwritten.
type ActivityUpserted struct {
	OwnerID          string    `json:"owner_id"`
	VendorActivityID string    `json:"vendor_activity_id"`
	Discipline       string    `json:"discipline"`
	ActivityDate     string    `json:"activity_date"`
	DistanceM        *float64  `json:"distance_m"`
	MovingTimeS      *int      `json:"moving_time_s"`
	Created          bool      `json:"created"`
	SyncID           string    `json:"sync_id"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// SyncCompleted summarises a sync pass for downstream consumers.
type SyncCompleted struct {
	SyncID     string    `json:"sync_id"`
	OwnerID    string    `json:"owner_id"`
	State      string    `json:"state"`
	Fetched    int       `json:"fetched"`
	Normalized int       `json:"normalized"`
	Skipped    int       `json:"skipped"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Failed     int       `json:"failed"`
	Truncated  bool      `json:"truncated"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}
