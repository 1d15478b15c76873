package api

import (
	"time"

	"example.com/trisync/internal/domain"
)

// ActivityView exposes a stored activity.
type ActivityView struct {
	OwnerID string `json:"owner_id"`
	domain.NormalizedActivity
	SyncID    string    `json:"sync_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisciplineTotals aggregates one discipline on the returned page.
type DisciplineTotals struct {
	Count       int     `json:"count"`
	DistanceM   float64 `json:"distance_m"`
	MovingTimeS int64   `json:"moving_time_s"`
}

// ListActivitiesResponse packages list results.
type ListActivitiesResponse struct {
	Items      []ActivityView                         `json:"items"`
	NextCursor string                                 `json:"next_cursor,omitempty"`
	Totals     map[domain.Discipline]DisciplineTotals `json:"totals"`
}

// NormalizeResponse is the result of POST /v1/activities/normalize.
type NormalizeResponse struct {
	Supported       bool                       `json:"supported"`
	Activity        *domain.NormalizedActivity `json:"activity"`
	UnsupportedType string                     `json:"unsupported_type,omitempty"`
	Reason          string                     `json:"reason,omitempty"`
}

func toActivityView(row domain.StoredActivity) ActivityView {
	return ActivityView{
		OwnerID:            row.OwnerID,
		NormalizedActivity: row.NormalizedActivity,
		SyncID:             row.SyncID,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
}
