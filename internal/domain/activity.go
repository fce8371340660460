// Package domain implements the activity deduplication and ingestion
// transaction engine.
package domain

import (
	"sort"
	"sync"
	"time"
)

// Status classifies the outcome of one ingestion transaction.
type Status string

const (
	StatusImported   Status = "imported"
	StatusUpdated    Status = "updated"
	StatusMerged     Status = "merged"
	StatusSkippedDup Status = "skipped_dup"
)

// RawPayload carries the provider fields the richness scorer inspects.
// It is never persisted verbatim; only the derived flags survive in the
// canonical schema.
type RawPayload struct {
	HasHeartRate     bool    `json:"hasHeartRate"`
	AverageHeartRate float64 `json:"averageHeartRate,omitempty"`
	HasGPSOrDistance bool    `json:"hasGpsOrDistance"`
	HasPowerMeter    bool    `json:"hasPowerMeter"`
	DeviceMetadata   string  `json:"deviceMetadata,omitempty"`
}

// NormalizedActivity is one workout record as delivered by a provider
// adapter, already normalized. Immutable for the duration of an
// ingestion call.
type NormalizedActivity struct {
	Source       string
	ExternalID   string
	ActivityType string
	Name         string
	StartedAt    time.Time
	DurationSec  int
	AvgHeartRate *int
	DedupHash    string
	Raw          RawPayload
}

// CanonicalActivity is the single persisted record representing one
// real-world workout, regardless of how many sources reported it. For a
// given user at most one row exists per dedup hash.
type CanonicalActivity struct {
	ID           string
	UserID       string
	Source       string
	ExternalID   string
	ActivityType string
	Name         string
	StartedAt    time.Time
	DurationSec  int
	AvgHeartRate *int
	DedupHash    string
	SourceSet    []string
	HasHeartRate bool
	HasGPS       bool
	HasPower     bool
	DeviceMeta   string
	Richness     float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasSource reports whether the given provider already contributed to
// this record.
func (c *CanonicalActivity) HasSource(source string) bool {
	for _, s := range c.SourceSet {
		if s == source {
			return true
		}
	}
	return false
}

// StreamSample is one point of a per-activity time series.
type StreamSample struct {
	Offset int     `json:"offset"`
	Value  float64 `json:"value"`
}

// StreamAttachment is a time-series payload keyed by stream type,
// owned by exactly one canonical activity.
type StreamAttachment struct {
	ActivityID string
	StreamType string
	Samples    []StreamSample
}

// IngestionLogEntry is one append-only audit row per processed item.
// Never consulted for dedup decisions.
type IngestionLogEntry struct {
	UserID        string
	Source        string
	ExternalID    string
	Status        Status
	TransactionID string
	CreatedAt     time.Time
}

// IngestResult is the per-item output contract.
type IngestResult struct {
	ID         string  `json:"id"`
	ExternalID string  `json:"externalId"`
	Status     Status  `json:"status"`
	Richness   float64 `json:"richness"`
}

// ItemFailure records one item that was rolled back while its siblings
// continued.
type ItemFailure struct {
	ExternalID string `json:"externalId"`
	Reason     string `json:"reason"`
}

// DateSet accumulates the calendar dates touched by committed writes.
// Safe for concurrent use; dates are only added after a commit, so a
// rolled-back item never leaks a date.
type DateSet struct {
	mu    sync.Mutex
	dates map[string]struct{}
}

// NewDateSet returns an empty set.
func NewDateSet() *DateSet {
	return &DateSet{dates: make(map[string]struct{})}
}

// Add records the UTC calendar date of ts.
func (d *DateSet) Add(ts time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dates[ts.UTC().Format("2006-01-02")] = struct{}{}
}

// Len reports the number of distinct dates.
func (d *DateSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dates)
}

// Values returns the dates sorted ascending.
func (d *DateSet) Values() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.dates))
	for date := range d.dates {
		out = append(out, date)
	}
	sort.Strings(out)
	return out
}
