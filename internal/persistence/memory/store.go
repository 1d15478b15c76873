// Package memory keeps synced activities in process for tests and local development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"example.com/trisync/internal/domain"
)

type key struct {
	owner string
	id    domain.VendorID
}

// Store is a mutex-guarded domain.ActivityStore.
type Store struct {
	mu      sync.RWMutex
	rows    map[key]domain.StoredActivity
	now     func() time.Time
	failure func(ownerID string, activity domain.NormalizedActivity) error
	writes  int
	runs    []domain.SyncRun
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{rows: make(map[key]domain.StoredActivity), now: time.Now}
}

// FailWith installs a hook consulted before every upsert; a non-nil result is
// returned instead of writing. Passing nil clears it.
func (s *Store) FailWith(fn func(ownerID string, activity domain.NormalizedActivity) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = fn
}

// UpsertActivity implements domain.ActivityStore.
func (s *Store) UpsertActivity(ctx context.Context, ownerID string, activity domain.NormalizedActivity, syncID string) (bool, error) {
	if strings.TrimSpace(ownerID) == "" {
		return false, domain.ErrOwnerRequired
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		if err := s.failure(ownerID, activity); err != nil {
			return false, err
		}
	}

	k := key{owner: ownerID, id: activity.VendorID}
	now := s.now().UTC()
	existing, found := s.rows[k]
	row := domain.StoredActivity{
		OwnerID:            ownerID,
		NormalizedActivity: activity,
		SyncID:             syncID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if found {
		row.CreatedAt = existing.CreatedAt
	}
	s.rows[k] = row
	s.writes++
	return !found, nil
}

// ListByOwner implements domain.ActivityStore, newest date first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string, cursor *domain.Cursor, limit int) ([]domain.StoredActivity, *domain.Cursor, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, nil, domain.ErrOwnerRequired
	}
	s.mu.RLock()
	out := make([]domain.StoredActivity, 0, len(s.rows))
	for k, row := range s.rows {
		if k.owner != ownerID {
			continue
		}
		if cursor != nil && !before(row, *cursor) {
			continue
		}
		out = append(out, row)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].VendorID > out[j].VendorID
	})

	var next *domain.Cursor
	if limit > 0 && len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = &domain.Cursor{Date: last.Date, VendorID: last.VendorID}
	}
	return out, next, nil
}

// Get returns one row.
func (s *Store) Get(ownerID string, id domain.VendorID) (domain.StoredActivity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[key{owner: ownerID, id: id}]
	return row, ok
}

// Len counts rows across all owners.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Writes counts successful upserts since creation.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// RecordSyncRun implements domain.SyncRunStore.
func (s *Store) RecordSyncRun(_ context.Context, run domain.SyncRun) error {
	if strings.TrimSpace(run.OwnerID) == "" {
		return domain.ErrOwnerRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

// ListSyncRuns implements domain.SyncRunStore, most recent first.
func (s *Store) ListSyncRuns(_ context.Context, ownerID string, limit int) ([]domain.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SyncRun
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].OwnerID != ownerID {
			continue
		}
		out = append(out, s.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func before(row domain.StoredActivity, c domain.Cursor) bool {
	if row.Date != c.Date {
		return row.Date < c.Date
	}
	return row.VendorID < c.VendorID
}
