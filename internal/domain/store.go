package domain

import (
	"context"
	"time"
)

// Store is the persistence port for the ingestion engine. Each call is
// individually atomic; the engine does not assume a multi-statement
// transaction primitive spanning calls. A miss on FindByHash is
// reported as (nil, nil), not an error.
type Store interface {
	// FindByHash performs the authoritative exact-match lookup.
	FindByHash(ctx context.Context, userID, dedupHash string) (*CanonicalActivity, error)

	// FindCandidates returns the user's activities starting within
	// [around-window, around+window], the raw material for fuzzy
	// duplicate detection.
	FindCandidates(ctx context.Context, userID string, around time.Time, window time.Duration) ([]CanonicalActivity, error)

	// Insert persists a new canonical record. Returns ErrDuplicateHash
	// if another writer committed the same (user, dedup hash) first.
	Insert(ctx context.Context, activity CanonicalActivity, txID string) error

	// Update rewrites an existing canonical record in place. The
	// record's identity never changes.
	Update(ctx context.Context, activity CanonicalActivity, txID string) error

	// AttachStreams writes all stream rows for one activity as a unit:
	// either every stream type attaches or none do.
	AttachStreams(ctx context.Context, activityID string, streams []StreamAttachment, txID string) error

	// AppendLog appends audit rows for a processed batch. Fail-fast; a
	// failure here never unwinds earlier committed writes.
	AppendLog(ctx context.Context, entries []IngestionLogEntry) error
}

// Cursor models the pagination token for activity listings.
type Cursor struct {
	StartedAt time.Time
	ID        string
}

// Querier exposes the read side consumed by the HTTP API. Kept separate
// from Store so the engine depends only on what it writes through.
type Querier interface {
	Get(ctx context.Context, userID, activityID string) (*CanonicalActivity, error)
	ListByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]CanonicalActivity, *Cursor, error)
	ListStreams(ctx context.Context, activityID string) ([]StreamAttachment, error)
	ListLog(ctx context.Context, userID string, limit int) ([]IngestionLogEntry, error)
}
