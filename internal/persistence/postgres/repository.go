// Package postgres implements the engine's persistence port on pgx.
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

	"example.com/ingestion/internal/domain"
	"example.com/ingestion/internal/events"
	"example.com/ingestion/internal/observability"
)

const uniqueViolation = "23505"

const activityColumns = `activity_id, user_id, source, external_id, activity_type, name, started_at, duration_sec,
        avg_heart_rate, dedup_hash, source_set, has_heart_rate, has_gps, has_power, device_meta, richness, created_at, updated_at`

// Repository provides Postgres-backed persistence for canonical
// activities, stream attachments, the ingestion audit log, and the
// outbox rows delivered to Kafka. Each exported method is one atomic
// unit: the engine's rollback guarantee reduces to never committing a
// half-done transaction here.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindByHash performs the authoritative exact-match lookup. A miss is
// (nil, nil), not an error.
func (r *Repository) FindByHash(ctx context.Context, userID, dedupHash string) (*domain.CanonicalActivity, error) {
	query := `SELECT ` + activityColumns + ` FROM activities WHERE user_id=$1 AND dedup_hash=$2`

	row := r.pool.QueryRow(ctx, query, userID, dedupHash)
	record, err := scanActivity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// FindCandidates returns the user's activities starting within the
// window around the given instant, ordered for deterministic ranking.
func (r *Repository) FindCandidates(ctx context.Context, userID string, around time.Time, window time.Duration) ([]domain.CanonicalActivity, error) {
	query := `SELECT ` + activityColumns + ` FROM activities
        WHERE user_id=$1 AND started_at BETWEEN $2 AND $3
        ORDER BY richness DESC, updated_at DESC, activity_id DESC`

	rows, err := r.pool.Query(ctx, query, userID, around.Add(-window), around.Add(window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CanonicalActivity
	for rows.Next() {
		record, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *record)
	}
	return out, rows.Err()
}

// Insert persists a new canonical record and its outbox events in a
// single transaction. A unique-constraint hit on (user_id, dedup_hash)
// maps to domain.ErrDuplicateHash so the engine can converge the race.
func (r *Repository) Insert(ctx context.Context, activity domain.CanonicalActivity, txID string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const stmt = `INSERT INTO activities (` + activityColumns + `, ingest_tx_id)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`

	_, err = tx.Exec(ctx, stmt, activityArgs(activity, txID)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			err = fmt.Errorf("%w: user=%s", domain.ErrDuplicateHash, activity.UserID)
			return err
		}
		return err
	}

	if err = r.insertOutboxEvents(ctx, tx, activity, string(domain.StatusImported)); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordActivityPersisted(activity.UpdatedAt)
	return nil
}

// Update rewrites an existing record in place; the activity_id and
// dedup hash never change.
func (r *Repository) Update(ctx context.Context, activity domain.CanonicalActivity, txID string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const stmt = `UPDATE activities SET
            source=$2, external_id=$3, activity_type=$4, name=$5, started_at=$6, duration_sec=$7,
            avg_heart_rate=$8, source_set=$9, has_heart_rate=$10, has_gps=$11, has_power=$12,
            device_meta=$13, richness=$14, updated_at=$15, ingest_tx_id=$16
        WHERE activity_id=$1`

	var tag pgconn.CommandTag
	tag, err = tx.Exec(ctx, stmt,
		activity.ID,
		activity.Source,
		activity.ExternalID,
		activity.ActivityType,
		activity.Name,
		activity.StartedAt,
		activity.DurationSec,
		activity.AvgHeartRate,
		activity.SourceSet,
		activity.HasHeartRate,
		activity.HasGPS,
		activity.HasPower,
		activity.DeviceMeta,
		activity.Richness,
		activity.UpdatedAt,
		txID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = domain.ErrActivityNotFound
		return err
	}

	if err = r.insertOutboxEvents(ctx, tx, activity, string(domain.StatusUpdated)); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordActivityPersisted(activity.UpdatedAt)
	return nil
}

// AttachStreams writes every stream row for one activity in a single
// transaction: all stream types attach or none do.
func (r *Repository) AttachStreams(ctx context.Context, activityID string, streams []domain.StreamAttachment, txID string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const stmt = `INSERT INTO activity_streams (activity_id, stream_type, samples, ingest_tx_id, created_at)
        VALUES ($1,$2,$3,$4,NOW())
        ON CONFLICT (activity_id, stream_type) DO UPDATE
            SET samples = EXCLUDED.samples, ingest_tx_id = EXCLUDED.ingest_tx_id`

	for _, stream := range streams {
		var samples []byte
		samples, err = json.Marshal(stream.Samples)
		if err != nil {
			return err
		}
		if _, err = tx.Exec(ctx, stmt, activityID, stream.StreamType, samples, txID); err != nil {
			return err
		}
	}

	err = tx.Commit(ctx)
	return err
}

// AppendLog appends one audit row per entry. Append-only; rows are
// never mutated after creation.
func (r *Repository) AppendLog(ctx context.Context, entries []domain.IngestionLogEntry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const stmt = `INSERT INTO ingestion_log (user_id, source, external_id, status, ingest_tx_id, created_at)
        VALUES ($1,$2,$3,$4,$5,$6)`

	for _, entry := range entries {
		if _, err = tx.Exec(ctx, stmt, entry.UserID, entry.Source, entry.ExternalID, string(entry.Status), entry.TransactionID, entry.CreatedAt); err != nil {
			return err
		}
	}

	err = tx.Commit(ctx)
	return err
}

// Get retrieves an activity by id, scoped to its owner.
func (r *Repository) Get(ctx context.Context, userID, activityID string) (*domain.CanonicalActivity, error) {
	query := `SELECT ` + activityColumns + ` FROM activities WHERE user_id=$1 AND activity_id=$2`

	row := r.pool.QueryRow(ctx, query, userID, activityID)
	record, err := scanActivity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// ListByUser returns activities for a user ordered by start time with
// keyset pagination.
func (r *Repository) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.CanonicalActivity, *domain.Cursor, error) {
	args := []interface{}{userID, limit}
	query := `SELECT ` + activityColumns + ` FROM activities WHERE user_id=$1`

	if cursor != nil {
		query += ` AND (started_at, activity_id) < ($3, $4)`
		args = append(args, cursor.StartedAt, cursor.ID)
	}
	query += ` ORDER BY started_at DESC, activity_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.CanonicalActivity, 0, limit)
	for rows.Next() {
		record, err := scanActivity(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{StartedAt: last.StartedAt, ID: last.ID}
	}
	return results, next, nil
}

// ListStreams returns the stream attachments of one activity.
func (r *Repository) ListStreams(ctx context.Context, activityID string) ([]domain.StreamAttachment, error) {
	const query = `SELECT activity_id, stream_type, samples FROM activity_streams WHERE activity_id=$1 ORDER BY stream_type`

	rows, err := r.pool.Query(ctx, query, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StreamAttachment
	for rows.Next() {
		var attachment domain.StreamAttachment
		var samples []byte
		if err := rows.Scan(&attachment.ActivityID, &attachment.StreamType, &samples); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(samples, &attachment.Samples); err != nil {
			return nil, err
		}
		out = append(out, attachment)
	}
	return out, rows.Err()
}

// ListLog returns the most recent audit entries for a user.
func (r *Repository) ListLog(ctx context.Context, userID string, limit int) ([]domain.IngestionLogEntry, error) {
	const query = `SELECT user_id, source, external_id, status, ingest_tx_id, created_at
        FROM ingestion_log WHERE user_id=$1 ORDER BY log_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.IngestionLogEntry
	for rows.Next() {
		var entry domain.IngestionLogEntry
		var status string
		if err := rows.Scan(&entry.UserID, &entry.Source, &entry.ExternalID, &status, &entry.TransactionID, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Status = domain.Status(status)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (r *Repository) insertOutboxEvents(ctx context.Context, tx pgx.Tx, activity domain.CanonicalActivity, status string) error {
	occurred := activity.UpdatedAt

	if err := r.insertOutbox(ctx, tx, activity, "activity.ingested", events.ActivityIngested{
		ActivityID: activity.ID,
		UserID:     activity.UserID,
		ExternalID: activity.ExternalID,
		Source:     activity.Source,
		Status:     status,
		Richness:   activity.Richness,
		StartedAt:  activity.StartedAt,
		OccurredAt: occurred,
	}); err != nil {
		return err
	}

	return r.insertOutbox(ctx, tx, activity, "activity.dates_affected", events.DatesAffected{
		UserID:     activity.UserID,
		Dates:      []string{activity.StartedAt.UTC().Format("2006-01-02")},
		OccurredAt: occurred,
	})
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, activity domain.CanonicalActivity, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta := eventCatalog[eventType]
	if meta.Topic == "" {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	dedupeKey := fmt.Sprintf("%s:%s:%d", activity.ID, eventType, activity.UpdatedAt.UnixNano())

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = tx.Exec(ctx, stmt,
		"activity",
		activity.ID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		meta.PartitionKeyFn(activity),
		body,
		dedupeKey,
	)
	return err
}

func activityArgs(activity domain.CanonicalActivity, txID string) []interface{} {
	return []interface{}{
		activity.ID,
		activity.UserID,
		activity.Source,
		activity.ExternalID,
		activity.ActivityType,
		activity.Name,
		activity.StartedAt,
		activity.DurationSec,
		activity.AvgHeartRate,
		activity.DedupHash,
		activity.SourceSet,
		activity.HasHeartRate,
		activity.HasGPS,
		activity.HasPower,
		activity.DeviceMeta,
		activity.Richness,
		activity.CreatedAt,
		activity.UpdatedAt,
		txID,
	}
}

func scanActivity(row pgx.Row) (*domain.CanonicalActivity, error) {
	var record domain.CanonicalActivity
	if err := row.Scan(
		&record.ID,
		&record.UserID,
		&record.Source,
		&record.ExternalID,
		&record.ActivityType,
		&record.Name,
		&record.StartedAt,
		&record.DurationSec,
		&record.AvgHeartRate,
		&record.DedupHash,
		&record.SourceSet,
		&record.HasHeartRate,
		&record.HasGPS,
		&record.HasPower,
		&record.DeviceMeta,
		&record.Richness,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &record, nil
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(domain.CanonicalActivity) string
}

var eventCatalog = map[string]EventMetadata{
	"activity.ingested": {
		Topic:         "ingestion_events",
		SchemaSubject: "ingestion_events-value",
		PartitionKeyFn: func(a domain.CanonicalActivity) string {
			return a.UserID
		},
	},
	"activity.dates_affected": {
		Topic:         "aggregate_recalc",
		SchemaSubject: "aggregate_recalc-value",
		PartitionKeyFn: func(a domain.CanonicalActivity) string {
			return a.UserID
		},
	},
}
