package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/trisync/internal/domain"
	"example.com/trisync/internal/persistence/memory"
)

func ptr[T any](v T) *T { return &v }

func record(id string, d domain.Discipline) domain.NormalizedActivity {
	return domain.NormalizedActivity{
		VendorID:   domain.VendorID(id),
		Discipline: d,
		SportType:  string(d),
		Date:       "2024-01-15",
		Distance:   ptr(1000.0),
		MovingTime: ptr(600),
	}
}

func quietWriter(store domain.ActivityStore) *Writer {
	return New(store, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestWriteIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	w := quietWriter(store)
	batch := []domain.NormalizedActivity{record("1", domain.DisciplineSwim), record("7", domain.DisciplineBike)}

	first, err := w.Write(context.Background(), "owner", "sync-1", batch)
	require.NoError(t, err)
	require.Equal(t, 2, first.Created)
	require.Zero(t, first.Updated)

	second, err := w.Write(context.Background(), "owner", "sync-2", batch)
	require.NoError(t, err)
	require.Zero(t, second.Created)
	require.Equal(t, 2, second.Updated)
	require.Zero(t, second.Failed)
	require.Equal(t, 2, store.Len())
}

func TestWriteOverwritesExistingRow(t *testing.T) {
	store := memory.NewStore()
	w := quietWriter(store)

	_, err := w.Write(context.Background(), "owner", "s1", []domain.NormalizedActivity{record("1", domain.DisciplineRun)})
	require.NoError(t, err)

	changed := record("1", domain.DisciplineRun)
	changed.Distance = ptr(4200.0)
	res, err := w.Write(context.Background(), "owner", "s2", []domain.NormalizedActivity{changed})
	require.NoError(t, err)
	require.Equal(t, 1, res.Updated)

	row, ok := store.Get("owner", "1")
	require.True(t, ok)
	require.Equal(t, 4200.0, *row.Distance)
}

func TestWriteDedupsWithinBatchLastWins(t *testing.T) {
	store := memory.NewStore()
	w := quietWriter(store)

	older := record("1", domain.DisciplineRun)
	newer := record("1", domain.DisciplineRun)
	newer.Distance = ptr(5000.0)

	res, err := w.Write(context.Background(), "owner", "s", []domain.NormalizedActivity{older, record("2", domain.DisciplineBike), newer})
	require.NoError(t, err)
	require.Equal(t, 2, res.Created)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, StatusSkipped, res.Outcomes[0].Status)
	require.Equal(t, 2, store.Writes())

	row, _ := store.Get("owner", "1")
	require.Equal(t, 5000.0, *row.Distance)
}

func TestWriteIsolatesPerRecordFailures(t *testing.T) {
	store := memory.NewStore()
	violation := errors.New("violates check constraint")
	store.FailWith(func(_ string, a domain.NormalizedActivity) error {
		if a.VendorID == "2" {
			return violation
		}
		return nil
	})
	w := quietWriter(store)

	res, err := w.Write(context.Background(), "owner", "s", []domain.NormalizedActivity{
		record("1", domain.DisciplineSwim),
		record("2", domain.DisciplineBike),
		record("3", domain.DisciplineRun),
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Created)
	require.Equal(t, 1, res.Failed)

	failures := res.Failures()
	require.Len(t, failures, 1)
	require.Equal(t, domain.VendorID("2"), failures[0].VendorID)
	require.ErrorIs(t, failures[0].Err, violation)

	_, ok := store.Get("owner", "3")
	require.True(t, ok, "siblings after a failing record are still written")
}

func TestWriteRejectsInvalidRecordsWithoutStoreCall(t *testing.T) {
	store := memory.NewStore()
	w := quietWriter(store)

	bad := record("", domain.DisciplineRun)
	other := record("9", "yoga")
	res, err := w.Write(context.Background(), "owner", "s", []domain.NormalizedActivity{bad, other, record("10", domain.DisciplineRun)})
	require.NoError(t, err)
	require.Equal(t, 2, res.Failed)
	require.Equal(t, 1, res.Created)
	for _, f := range res.Failures() {
		require.ErrorIs(t, f.Err, domain.ErrInvalidRecord)
	}
	require.Equal(t, 1, store.Writes())
}

func TestWriteAbortsOnStoreUnavailable(t *testing.T) {
	store := memory.NewStore()
	store.FailWith(func(_ string, a domain.NormalizedActivity) error {
		if a.VendorID == "2" {
			return fmt.Errorf("acquire connection: %w", domain.ErrStoreUnavailable)
		}
		return nil
	})
	w := quietWriter(store)

	res, err := w.Write(context.Background(), "owner", "s", []domain.NormalizedActivity{
		record("1", domain.DisciplineSwim),
		record("2", domain.DisciplineBike),
		record("3", domain.DisciplineRun),
		record("4", domain.DisciplineRun),
	})
	var fatalErr *domain.FatalStoreError
	require.True(t, errors.As(err, &fatalErr))
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.Equal(t, 2, fatalErr.Remaining)

	require.Equal(t, 1, res.Created)
	require.Equal(t, 1, res.Failed)
	require.Len(t, res.Outcomes, 2)
	_, ok := store.Get("owner", "3")
	require.False(t, ok)
}

func TestWriteAbortsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := quietWriter(memory.NewStore()).Write(ctx, "owner", "s", []domain.NormalizedActivity{record("1", domain.DisciplineRun)})
	var fatalErr *domain.FatalStoreError
	require.True(t, errors.As(err, &fatalErr))
	require.ErrorIs(t, err, context.Canceled)
}

func TestWriteEmptyBatch(t *testing.T) {
	res, err := quietWriter(memory.NewStore()).Write(context.Background(), "owner", "s", nil)
	require.NoError(t, err)
	require.Empty(t, res.Outcomes)
	require.Zero(t, res.Created+res.Updated+res.Skipped+res.Failed)
}

func TestWriteRequiresOwner(t *testing.T) {
	_, err := quietWriter(memory.NewStore()).Write(context.Background(), "", "s", []domain.NormalizedActivity{record("1", domain.DisciplineRun)})
	require.ErrorIs(t, err, domain.ErrOwnerRequired)
}

func TestWriteInvalidDuplicateDoesNotSupersedeValidRecord(t *testing.T) {
	store := memory.NewStore()
	w := quietWriter(store)

	broken := record("1", domain.DisciplineRun)
	broken.Date = ""
	res, err := w.Write(context.Background(), "owner", "s", []domain.NormalizedActivity{record("1", domain.DisciplineRun), broken})
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)
	require.Equal(t, 1, res.Failed)
	require.Zero(t, res.Skipped)
	require.Equal(t, StatusCreated, res.Outcomes[0].Status)
	require.ErrorIs(t, res.Outcomes[1].Err, domain.ErrInvalidRecord)

	_, ok := store.Get("owner", "1")
	require.True(t, ok)
}

type blockingStore struct {
	domain.ActivityStore
}

func (blockingStore) UpsertActivity(ctx context.Context, _ string, _ domain.NormalizedActivity, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func TestWriteBoundsEachStoreCall(t *testing.T) {
	w := New(blockingStore{},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithStoreTimeout(20*time.Millisecond))

	start := time.Now()
	res, err := w.Write(context.Background(), "owner", "s", []domain.NormalizedActivity{
		record("1", domain.DisciplineRun),
		record("2", domain.DisciplineRun),
	})
	require.Less(t, time.Since(start), time.Second)

	var fatalErr *domain.FatalStoreError
	require.True(t, errors.As(err, &fatalErr))
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "a store timeout is an outage, not a cancelled request")
	require.Equal(t, 1, fatalErr.Remaining)
	require.Equal(t, 1, res.Failed)
}
