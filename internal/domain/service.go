// Package domain defines the activity sync model, its error taxonomy and the
// read-side service used by the API.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrOwnerRequired is returned when a store call is missing the owner scope.
var ErrOwnerRequired = errors.New("owner id is required")

// ActivityStore captures persistence operations for normalized activities.
type ActivityStore interface {
	// UpsertActivity inserts or overwrites the row keyed by (ownerID, activity.VendorID)
	// and reports whether a new row was created.
	UpsertActivity(ctx context.Context, ownerID string, activity NormalizedActivity, syncID string) (bool, error)
	ListByOwner(ctx context.Context, ownerID string, cursor *Cursor, limit int) ([]StoredActivity, *Cursor, error)
}

// Cursor models the pagination token for owner listings.
type Cursor struct {
	Date     string
	VendorID VendorID
}

// Service serves read queries over synced activities.
type Service struct {
	store ActivityStore
}

// NewService constructs a Service.
func NewService(store ActivityStore) *Service {
	return &Service{store: store}
}

// ListActivities returns the owner's activities newest first with cursor pagination.
func (s *Service) ListActivities(ctx context.Context, ownerID string, cursor *Cursor, limit int) ([]StoredActivity, *Cursor, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, nil, ErrOwnerRequired
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return s.store.ListByOwner(ctx, ownerID, cursor, limit)
}

// Summary aggregates stored activities per discipline.
type Summary struct {
	Count      int
	Distance   float64
	MovingTime time.Duration
}

// Summarize folds a page of activities into per-discipline totals.
func Summarize(activities []StoredActivity) map[Discipline]Summary {
	out := make(map[Discipline]Summary, 3)
	for _, a := range activities {
		s := out[a.Discipline]
		s.Count++
		if a.Distance != nil {
			s.Distance += *a.Distance
		}
		if a.MovingTime != nil {
			s.MovingTime += time.Duration(*a.MovingTime) * time.Second
		}
		out[a.Discipline] = s
	}
	return out
}
