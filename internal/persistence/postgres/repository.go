package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/trisync/internal/domain"
	"example.com/trisync/internal/observability"
	platformevents "example.com/trisync/internal/platform/events"
)

// Repository provides Postgres-backed persistence for synced activities, sync
// runs and their outbox events.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

const upsertActivity = `INSERT INTO synced_activities (
        owner_id, vendor_activity_id, discipline, sport_type, activity_date, distance_m, moving_time_s,
        name, elapsed_time_s, average_speed, max_speed, elevation_gain, average_heartrate, max_heartrate,
        average_power, average_cadence, trainer, start_lat, start_lng, kudos_count, comment_count,
        achievement_count, sync_id, created_at, updated_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$24)
    ON CONFLICT (owner_id, vendor_activity_id) DO UPDATE SET
        discipline = EXCLUDED.discipline,
        sport_type = EXCLUDED.sport_type,
        activity_date = EXCLUDED.activity_date,
        distance_m = EXCLUDED.distance_m,
        moving_time_s = EXCLUDED.moving_time_s,
        name = EXCLUDED.name,
        elapsed_time_s = EXCLUDED.elapsed_time_s,
        average_speed = EXCLUDED.average_speed,
        max_speed = EXCLUDED.max_speed,
        elevation_gain = EXCLUDED.elevation_gain,
        average_heartrate = EXCLUDED.average_heartrate,
        max_heartrate = EXCLUDED.max_heartrate,
        average_power = EXCLUDED.average_power,
        average_cadence = EXCLUDED.average_cadence,
        trainer = EXCLUDED.trainer,
        start_lat = EXCLUDED.start_lat,
        start_lng = EXCLUDED.start_lng,
        kudos_count = EXCLUDED.kudos_count,
        comment_count = EXCLUDED.comment_count,
        achievement_count = EXCLUDED.achievement_count,
        sync_id = EXCLUDED.sync_id,
        updated_at = EXCLUDED.updated_at
    RETURNING (xmax = 0)`

// UpsertActivity implements domain.ActivityStore. The row and its outbox event
// commit together.
func (r *Repository) UpsertActivity(ctx context.Context, ownerID string, activity domain.NormalizedActivity, syncID string) (created bool, err error) {
	if ownerID == "" {
		return false, domain.ErrOwnerRequired
	}
	date, err := time.Parse("2006-01-02", activity.Date)
	if err != nil {
		return false, fmt.Errorf("%w: activity date %q", domain.ErrInvalidRecord, activity.Date)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, classify(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.owner_id', $1, true)", ownerID); err != nil {
		return false, classify(err)
	}

	var lat, lng *float64
	if activity.StartLatLng != nil {
		lat, lng = &activity.StartLatLng.Lat, &activity.StartLatLng.Lng
	}
	now := r.now().UTC()

	err = tx.QueryRow(ctx, upsertActivity,
		ownerID,
		string(activity.VendorID),
		string(activity.Discipline),
		activity.SportType,
		date,
		activity.Distance,
		activity.MovingTime,
		activity.Name,
		activity.ElapsedTime,
		activity.AverageSpeed,
		activity.MaxSpeed,
		activity.ElevationGain,
		activity.AverageHeartrate,
		activity.MaxHeartrate,
		activity.AveragePower,
		activity.AverageCadence,
		activity.Trainer,
		lat,
		lng,
		activity.KudosCount,
		activity.CommentCount,
		activity.AchievementCount,
		syncID,
		now,
	).Scan(&created)
	if err != nil {
		return false, classify(err)
	}

	if err = r.insertOutbox(ctx, tx, ownerID, string(activity.VendorID), platformevents.TypeActivityUpserted,
		fmt.Sprintf("%s:%s:%s", syncID, ownerID, activity.VendorID),
		platformevents.ActivityUpserted{
			OwnerID:          ownerID,
			VendorActivityID: string(activity.VendorID),
			Discipline:       string(activity.Discipline),
			ActivityDate:     activity.Date,
			DistanceM:        activity.Distance,
			MovingTimeS:      activity.MovingTime,
			Created:          created,
			SyncID:           syncID,
			OccurredAt:       now,
		}); err != nil {
		return false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return false, classify(err)
	}
	observability.RecordActivityPersisted(now)
	return created, nil
}

// insertOutbox returns encoding errors unclassified; they are programming
// errors, not store outages.
func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, ownerID, aggregateID, eventType, dedupeKey string, payload interface{}) error {
	meta, body, err := encodeEvent(eventType, payload)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (owner_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		ownerID,
		meta.AggregateType,
		aggregateID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		ownerID,
		body,
		dedupeKey,
	)
	return classify(err)
}

func encodeEvent(eventType string, payload interface{}) (EventMetadata, []byte, error) {
	meta := eventCatalog[eventType]
	if meta.Topic == "" {
		return EventMetadata{}, nil, fmt.Errorf("unknown event type: %s", eventType)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return EventMetadata{}, nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return meta, body, nil
}

const selectActivity = `SELECT owner_id, vendor_activity_id, discipline, sport_type, activity_date::text, distance_m, moving_time_s,
        name, elapsed_time_s, average_speed, max_speed, elevation_gain, average_heartrate, max_heartrate,
        average_power, average_cadence, trainer, start_lat, start_lng, kudos_count, comment_count,
        achievement_count, sync_id, created_at, updated_at
    FROM synced_activities`

// ListByOwner returns activities for an owner, newest date first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string, cursor *domain.Cursor, limit int) ([]domain.StoredActivity, *domain.Cursor, error) {
	// One extra row tells whether another page exists.
	args := []interface{}{ownerID, limit + 1}
	query := selectActivity + ` WHERE owner_id=$1`

	if cursor != nil {
		query += ` AND (activity_date, vendor_activity_id) < ($3::date, $4)`
		args = append(args, cursor.Date, string(cursor.VendorID))
	}

	query += ` ORDER BY activity_date DESC, vendor_activity_id DESC LIMIT $2`

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.owner_id', $1, true)", ownerID); err != nil {
		return nil, nil, classify(err)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer rows.Close()

	results := make([]domain.StoredActivity, 0, limit+1)
	for rows.Next() {
		row, err := scanActivity(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, classify(err)
	}

	var nextCursor *domain.Cursor
	if limit > 0 && len(results) > limit {
		results = results[:limit]
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{Date: last.Date, VendorID: last.VendorID}
	}
	return results, nextCursor, nil
}

func scanActivity(rows pgx.Rows) (domain.StoredActivity, error) {
	var (
		out        domain.StoredActivity
		vendorID   string
		discipline string
		lat, lng   *float64
	)
	err := rows.Scan(
		&out.OwnerID, &vendorID, &discipline, &out.SportType, &out.Date, &out.Distance, &out.MovingTime,
		&out.Name, &out.ElapsedTime, &out.AverageSpeed, &out.MaxSpeed, &out.ElevationGain, &out.AverageHeartrate, &out.MaxHeartrate,
		&out.AveragePower, &out.AverageCadence, &out.Trainer, &lat, &lng, &out.KudosCount, &out.CommentCount,
		&out.AchievementCount, &out.SyncID, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return domain.StoredActivity{}, err
	}
	out.VendorID = domain.VendorID(vendorID)
	out.Discipline = domain.Discipline(discipline)
	if lat != nil && lng != nil {
		out.StartLatLng = &domain.LatLng{Lat: *lat, Lng: *lng}
	}
	return out, nil
}

// RecordSyncRun implements domain.SyncRunStore and emits sync.completed.
func (r *Repository) RecordSyncRun(ctx context.Context, run domain.SyncRun) (err error) {
	if run.OwnerID == "" {
		return domain.ErrOwnerRequired
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.owner_id', $1, true)", run.OwnerID); err != nil {
		return classify(err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO sync_runs (sync_id, owner_id, state, fetched, normalized, skipped, unsupported, invalid, created, updated, failed, truncated, error, started_at, finished_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		run.SyncID, run.OwnerID, run.State, run.Fetched, run.Normalized, run.Skipped, run.Unsupported, run.Invalid,
		run.Created, run.Updated, run.Failed, run.Truncated, nullIfEmpty(run.Error), run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return classify(err)
	}

	if err = r.insertOutbox(ctx, tx, run.OwnerID, run.SyncID, platformevents.TypeSyncCompleted, run.SyncID+":"+platformevents.TypeSyncCompleted,
		platformevents.SyncCompleted{
			SyncID:     run.SyncID,
			OwnerID:    run.OwnerID,
			State:      run.State,
			Fetched:    run.Fetched,
			Normalized: run.Normalized,
			Skipped:    run.Skipped,
			Created:    run.Created,
			Updated:    run.Updated,
			Failed:     run.Failed,
			Truncated:  run.Truncated,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
			Error:      run.Error,
		}); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// ListSyncRuns returns the most recent sync runs for an owner.
func (r *Repository) ListSyncRuns(ctx context.Context, ownerID string, limit int) ([]domain.SyncRun, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, classify(err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.owner_id', $1, true)", ownerID); err != nil {
		return nil, classify(err)
	}

	rows, err := tx.Query(ctx,
		`SELECT sync_id, owner_id, state, fetched, normalized, skipped, unsupported, invalid, created, updated, failed, truncated, COALESCE(error, ''), started_at, finished_at
           FROM sync_runs WHERE owner_id=$1 ORDER BY started_at DESC LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	runs := make([]domain.SyncRun, 0, limit)
	for rows.Next() {
		var run domain.SyncRun
		if err := rows.Scan(&run.SyncID, &run.OwnerID, &run.State, &run.Fetched, &run.Normalized, &run.Skipped, &run.Unsupported, &run.Invalid,
			&run.Created, &run.Updated, &run.Failed, &run.Truncated, &run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return runs, tx.Commit(ctx)
}

// classify marks connection-level failures as domain.ErrStoreUnavailable so the
// writer can tell them from per-row constraint and data errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) < 2 {
			return err
		}
		switch pgErr.Code[:2] {
		case "08", "53", "57":
			return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
		}
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

// EventMetadata describes how to route an outbox event. Every event is
// partitioned by owner so per-owner ordering holds on the topic.
type EventMetadata struct {
	AggregateType string
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	platformevents.TypeActivityUpserted: {
		AggregateType: "synced_activity",
		Topic:         "activity_synced",
		SchemaSubject: "activity_synced-value",
	},
	platformevents.TypeSyncCompleted: {
		AggregateType: "sync_run",
		Topic:         "sync_completed",
		SchemaSubject: "sync_completed-value",
	},
}
