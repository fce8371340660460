// Package events defines the payloads emitted through the outbox.
package events

import "time"

// ActivityIngested is emitted whenever a dedup transaction commits a
// write (imported, updated or merged). Skipped duplicates commit
// nothing and emit nothing.
type ActivityIngested struct {
	ActivityID string    `json:"activity_id"`
	UserID     string    `json:"user_id"`
	ExternalID string    `json:"external_id"`
	Source     string    `json:"source"`
	Status     string    `json:"status"`
	Richness   float64   `json:"richness"`
	StartedAt  time.Time `json:"started_at"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DatesAffected notifies downstream aggregate recalculation that the
// given calendar dates were touched by committed writes.
type DatesAffected struct {
	UserID     string    `json:"user_id"`
	Dates      []string  `json:"dates"`
	OccurredAt time.Time `json:"occurred_at"`
}
