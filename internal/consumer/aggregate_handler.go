package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/ingestion/internal/events"
)

// AggregateHandler recomputes daily_aggregates rows when ingestion reports
// affected dates. Recalculation reads the canonical activities table, so
// replaying the same event is harmless.
type AggregateHandler struct {
	pool *pgxpool.Pool
}

// NewAggregateHandler constructs a handler backed by the provided pool.
func NewAggregateHandler(pool *pgxpool.Pool) *AggregateHandler {
	return &AggregateHandler{pool: pool}
}

// Handle recomputes aggregates for each (user, date) pair named by the event.
// Event types other than activity.dates_affected are acknowledged untouched.
func (h *AggregateHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != "activity.dates_affected" {
		return nil
	}

	var event events.DatesAffected
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("decode dates_affected payload: %w", err)
	}
	if event.UserID == "" {
		return fmt.Errorf("dates_affected event missing user_id")
	}

	for _, date := range event.Dates {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return fmt.Errorf("invalid date %q in dates_affected event: %w", date, err)
		}
		if err := h.recalculate(ctx, event.UserID, date); err != nil {
			return fmt.Errorf("recalculate aggregates for %s/%s: %w", event.UserID, date, err)
		}
		aggregatesRecalculatedCounter.Inc()
	}
	return nil
}

func (h *AggregateHandler) recalculate(ctx context.Context, userID, date string) error {
	const stmt = `INSERT INTO daily_aggregates (user_id, activity_date, activity_count, total_duration_sec, avg_richness, recalculated_at)
        SELECT $1, $2::date,
               COUNT(*),
               COALESCE(SUM(duration_sec), 0),
               COALESCE(AVG(richness), 0),
               NOW()
          FROM activities
         WHERE user_id = $1
           AND (started_at AT TIME ZONE 'UTC')::date = $2::date
        ON CONFLICT (user_id, activity_date) DO UPDATE
           SET activity_count     = EXCLUDED.activity_count,
               total_duration_sec = EXCLUDED.total_duration_sec,
               avg_richness       = EXCLUDED.avg_richness,
               recalculated_at    = EXCLUDED.recalculated_at`

	_, err := h.pool.Exec(ctx, stmt, userID, date)
	return err
}
