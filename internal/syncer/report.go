package syncer

import (
	"time"

	"example.com/trisync/internal/domain"
	"example.com/trisync/internal/observability"
	"example.com/trisync/internal/writer"
)

// State is the orchestrator phase.
type State string

const (
	StateIdle       State = "idle"
	StateTokenCheck State = "token_check"
	StateFetching   State = "fetching"
	StateWriting    State = "writing"
	StateFailed     State = "failed"
)

// Written mirrors the writer counts.
type Written struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Failure identifies one record that needs manual reconciliation.
type Failure struct {
	VendorID domain.VendorID `json:"vendor_id"`
	Error    string          `json:"error"`
}

// Report is the outcome of one pass. Skipped always equals Fetched - Normalized.
type Report struct {
	SyncID           string            `json:"sync_id"`
	State            State             `json:"state"`
	Fetched          int               `json:"fetched"`
	Normalized       int               `json:"normalized"`
	Skipped          int               `json:"skipped"`
	Unsupported      int               `json:"unsupported"`
	Invalid          int               `json:"invalid"`
	UnsupportedTypes map[string]int    `json:"unsupported_types,omitempty"`
	Written          Written           `json:"written"`
	Failures         []Failure         `json:"failures,omitempty"`
	Truncated        bool              `json:"truncated"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at"`
	Token            *domain.TokenPair `json:"token,omitempty"`
	Error            string            `json:"error,omitempty"`
}

func (r *Report) applyWrite(res writer.Result) {
	r.Written = Written{Created: res.Created, Updated: res.Updated, Skipped: res.Skipped, Failed: res.Failed}
	for _, f := range res.Failures() {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		r.Failures = append(r.Failures, Failure{VendorID: f.VendorID, Error: msg})
	}
	observability.RecordSyncActivities("created", res.Created)
	observability.RecordSyncActivities("updated", res.Updated)
	observability.RecordSyncActivities("skipped", res.Skipped)
	observability.RecordSyncActivities("failed", res.Failed)
}

// Run converts the report into its persisted summary.
func (r Report) Run(ownerID string) domain.SyncRun {
	return domain.SyncRun{
		SyncID:      r.SyncID,
		OwnerID:     ownerID,
		State:       string(r.State),
		Fetched:     r.Fetched,
		Normalized:  r.Normalized,
		Skipped:     r.Skipped,
		Unsupported: r.Unsupported,
		Invalid:     r.Invalid,
		Created:     r.Written.Created,
		Updated:     r.Written.Updated,
		Failed:      r.Written.Failed,
		Truncated:   r.Truncated,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
}
