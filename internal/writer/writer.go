// Package writer upserts normalized activities with per-record outcomes.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"example.com/trisync/internal/domain"
)

// Status is the fate of one record in a batch.
type Status string

const (
	StatusCreated Status = "created"
	StatusUpdated Status = "updated"
	// StatusSkipped marks an earlier in-batch duplicate superseded by a later record.
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// RecordOutcome reports one input record, in input order.
type RecordOutcome struct {
	VendorID domain.VendorID
	Status   Status
	Err      error
}

// Result aggregates a batch. Counts always equal the tally of Outcomes.
type Result struct {
	Outcomes []RecordOutcome
	Created  int
	Updated  int
	Skipped  int
	Failed   int
}

// Failures lists every failed record with its cause.
func (r Result) Failures() []domain.WriteFailure {
	var out []domain.WriteFailure
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			out = append(out, domain.WriteFailure{VendorID: o.VendorID, Err: o.Err})
		}
	}
	return out
}

func (r *Result) add(o RecordOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Status {
	case StatusCreated:
		r.Created++
	case StatusUpdated:
		r.Updated++
	case StatusSkipped:
		r.Skipped++
	case StatusFailed:
		r.Failed++
	}
}

// Option customises a Writer.
type Option func(*Writer)

// WithLogger sets the logger used for per-record failures.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithStoreTimeout bounds every single upsert. Non-positive values keep the default.
func WithStoreTimeout(d time.Duration) Option {
	return func(w *Writer) {
		if d > 0 {
			w.timeout = d
		}
	}
}

const defaultStoreTimeout = 10 * time.Second

// Writer is the only component with store side effects.
type Writer struct {
	store   domain.ActivityStore
	logger  *slog.Logger
	timeout time.Duration
}

// New builds a Writer over store.
func New(store domain.ActivityStore, opts ...Option) *Writer {
	w := &Writer{store: store, logger: slog.Default(), timeout: defaultStoreTimeout}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write upserts records for ownerID. Records are independent: a failing record
// never blocks its siblings. A store-wide failure stops the batch and returns
// the partial Result together with a *domain.FatalStoreError.
func (w *Writer) Write(ctx context.Context, ownerID, syncID string, records []domain.NormalizedActivity) (Result, error) {
	var result Result
	if strings.TrimSpace(ownerID) == "" {
		return result, domain.ErrOwnerRequired
	}
	result.Outcomes = make([]RecordOutcome, 0, len(records))

	// Only a valid record can supersede an earlier one.
	last := make(map[domain.VendorID]int, len(records))
	for i, rec := range records {
		if validate(rec) == nil {
			last[rec.VendorID] = i
		}
	}

	for i, rec := range records {
		if err := validate(rec); err != nil {
			result.add(RecordOutcome{VendorID: rec.VendorID, Status: StatusFailed, Err: err})
			continue
		}
		if last[rec.VendorID] != i {
			result.add(RecordOutcome{VendorID: rec.VendorID, Status: StatusSkipped})
			continue
		}

		created, err := w.upsert(ctx, ownerID, rec, syncID)
		if err != nil {
			result.add(RecordOutcome{VendorID: rec.VendorID, Status: StatusFailed, Err: err})
			if fatal(err) {
				remaining := len(records) - i - 1
				w.logger.Error("store unavailable, aborting batch",
					"owner_id", ownerID, "sync_id", syncID, "vendor_activity_id", rec.VendorID,
					"remaining", remaining, "error", err)
				return result, &domain.FatalStoreError{Err: err, Remaining: remaining}
			}
			w.logger.Warn("activity write failed",
				"owner_id", ownerID, "sync_id", syncID, "vendor_activity_id", rec.VendorID, "error", err)
			continue
		}
		status := StatusUpdated
		if created {
			status = StatusCreated
		}
		result.add(RecordOutcome{VendorID: rec.VendorID, Status: status})
	}
	return result, nil
}

// upsert runs one store call under the writer timeout. An expired call with a
// live parent context is reported as a store outage rather than a cancellation.
func (w *Writer) upsert(ctx context.Context, ownerID string, rec domain.NormalizedActivity, syncID string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	created, err := w.store.UpsertActivity(callCtx, ownerID, rec, syncID)
	if err != nil && ctx.Err() == nil && callCtx.Err() != nil {
		return false, fmt.Errorf("%w: upsert exceeded %s", domain.ErrStoreUnavailable, w.timeout)
	}
	return created, err
}

func validate(rec domain.NormalizedActivity) error {
	switch {
	case strings.TrimSpace(string(rec.VendorID)) == "":
		return fmt.Errorf("%w: missing vendor activity id", domain.ErrInvalidRecord)
	case !rec.Discipline.Valid():
		return fmt.Errorf("%w: discipline %q", domain.ErrInvalidRecord, rec.Discipline)
	case rec.Date == "":
		return fmt.Errorf("%w: missing date", domain.ErrInvalidRecord)
	}
	return nil
}

func fatal(err error) bool {
	return errors.Is(err, domain.ErrStoreUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
