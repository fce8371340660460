package domain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"example.com/ingestion/internal/observability"
)

// Engine orchestrates matcher, finder, resolver and persistence writes
// for one logical unit of work at a time. Concurrent calls are safe;
// the engine converges racing imports of the same workout instead of
// locking across calls.
type Engine struct {
	store  Store
	opts   Options
	logger *log.Logger
	now    func() time.Time
}

// EngineOption configures optional behaviour on the Engine.
type EngineOption func(*Engine)

// WithLogger overrides the logger used for rollback diagnostics.
func WithLogger(logger *log.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine constructs an Engine around the injected persistence port.
func NewEngine(store Store, opts Options, options ...EngineOption) *Engine {
	if opts.DurationTolerance <= 0 {
		opts.DurationTolerance = DefaultOptions().DurationTolerance
	}
	if opts.CandidateWindow <= 0 {
		opts.CandidateWindow = DefaultOptions().CandidateWindow
	}
	e := &Engine{
		store:  store,
		opts:   opts,
		logger: log.New(log.Writer(), "[ingest] ", log.LstdFlags),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// ExecuteDedupTransaction processes one normalized activity: exact-hash
// match, then fuzzy search on a miss, then the resolver's write. The
// activity's calendar date is added to dates only after the write
// commits; on any failure the set is untouched and the original cause
// is returned wrapped with the transaction id.
func (e *Engine) ExecuteDedupTransaction(ctx context.Context, userID string, activity NormalizedActivity, dates *DateSet) (IngestResult, error) {
	txID := uuid.NewString()

	result, err := e.execute(ctx, txID, userID, activity, dates)
	if err != nil {
		e.logger.Printf("transaction %s rolled back (user=%s, source=%s, external_id=%s): %v",
			txID, userID, activity.Source, activity.ExternalID, err)
		observability.RecordIngestFailure()
		return IngestResult{}, fmt.Errorf("dedup transaction %s: %w", txID, err)
	}

	observability.RecordIngestOutcome(string(result.Status), result.Richness)
	return result, nil
}

func (e *Engine) execute(ctx context.Context, txID, userID string, activity NormalizedActivity, dates *DateSet) (IngestResult, error) {
	existing, err := e.store.FindByHash(ctx, userID, activity.DedupHash)
	if err != nil {
		return IngestResult{}, err
	}
	if existing != nil {
		return e.resolveExact(ctx, txID, *existing, activity, dates)
	}

	candidates, err := e.findLikelyDuplicates(ctx, userID, activity)
	if err != nil {
		if !IsValidation(err) {
			return IngestResult{}, err
		}
		// The pair cannot be evaluated; fall through to "no candidates".
		candidates = nil
	}
	if len(candidates) > 0 {
		return e.mergeInto(ctx, txID, candidates[0], activity, dates)
	}

	record := e.newCanonical(userID, activity)
	if err := e.store.Insert(ctx, record, txID); err != nil {
		if errors.Is(err, ErrDuplicateHash) {
			// A concurrent writer won the insert race; converge through
			// the exact-match path instead of failing the import.
			won, ferr := e.store.FindByHash(ctx, userID, activity.DedupHash)
			if ferr != nil {
				return IngestResult{}, ferr
			}
			if won == nil {
				return IngestResult{}, err
			}
			return e.resolveExact(ctx, txID, *won, activity, dates)
		}
		return IngestResult{}, err
	}

	dates.Add(activity.StartedAt)
	return IngestResult{
		ID:         record.ID,
		ExternalID: activity.ExternalID,
		Status:     StatusImported,
		Richness:   record.Richness,
	}, nil
}

// resolveExact decides between updated and skipped_dup for an
// authoritative hash match. The existing record's identity is always
// preserved.
func (e *Engine) resolveExact(ctx context.Context, txID string, existing CanonicalActivity, activity NormalizedActivity, dates *DateSet) (IngestResult, error) {
	incoming := ScoreRichness(activity.Raw)
	if incoming <= existing.Richness {
		return IngestResult{
			ID:         existing.ID,
			ExternalID: activity.ExternalID,
			Status:     StatusSkippedDup,
			Richness:   existing.Richness,
		}, nil
	}

	updated := e.mergeFields(existing, activity, true)
	if err := e.store.Update(ctx, updated, txID); err != nil {
		return IngestResult{}, err
	}

	dates.Add(activity.StartedAt)
	return IngestResult{
		ID:         existing.ID,
		ExternalID: activity.ExternalID,
		Status:     StatusUpdated,
		Richness:   updated.Richness,
	}, nil
}

// mergeInto folds the incoming activity into the best fuzzy candidate.
func (e *Engine) mergeInto(ctx context.Context, txID string, target CanonicalActivity, activity NormalizedActivity, dates *DateSet) (IngestResult, error) {
	incoming := ScoreRichness(activity.Raw)
	merged := e.mergeFields(target, activity, incoming > target.Richness)
	if err := e.store.Update(ctx, merged, txID); err != nil {
		return IngestResult{}, err
	}

	dates.Add(activity.StartedAt)
	return IngestResult{
		ID:         target.ID,
		ExternalID: activity.ExternalID,
		Status:     StatusMerged,
		Richness:   merged.Richness,
	}, nil
}

// mergeFields unions the best available fields of both records. Data
// flags only ever accumulate, so the recomputed richness is >= both
// inputs. The record id and dedup hash never change.
func (e *Engine) mergeFields(existing CanonicalActivity, activity NormalizedActivity, preferIncoming bool) CanonicalActivity {
	merged := existing

	merged.HasHeartRate = merged.HasHeartRate || activity.Raw.HasHeartRate || activity.Raw.AverageHeartRate > 0
	merged.HasGPS = merged.HasGPS || activity.Raw.HasGPSOrDistance
	merged.HasPower = merged.HasPower || activity.Raw.HasPowerMeter
	if merged.DeviceMeta == "" {
		merged.DeviceMeta = activity.Raw.DeviceMetadata
	}
	if merged.AvgHeartRate == nil && activity.AvgHeartRate != nil {
		hr := *activity.AvgHeartRate
		merged.AvgHeartRate = &hr
	}
	if !merged.HasSource(activity.Source) {
		merged.SourceSet = append(append([]string(nil), merged.SourceSet...), activity.Source)
		sort.Strings(merged.SourceSet)
	}

	if preferIncoming {
		if activity.Name != "" {
			merged.Name = activity.Name
		}
		if activity.ActivityType != "" {
			merged.ActivityType = activity.ActivityType
		}
		if activity.DurationSec > 0 {
			merged.DurationSec = activity.DurationSec
		}
		if activity.AvgHeartRate != nil {
			hr := *activity.AvgHeartRate
			merged.AvgHeartRate = &hr
		}
	}

	merged.Richness = recordRichness(&merged)
	if merged.Richness < existing.Richness {
		merged.Richness = existing.Richness
	}
	merged.UpdatedAt = e.now()
	return merged
}

// findLikelyDuplicates runs the tolerance-based search. Only invoked
// when the exact-hash lookup misses.
func (e *Engine) findLikelyDuplicates(ctx context.Context, userID string, activity NormalizedActivity) ([]CanonicalActivity, error) {
	if activity.DurationSec <= 0 {
		return nil, &ValidationError{Field: "durationSeconds", Reason: "missing duration disqualifies fuzzy comparison"}
	}

	window := time.Duration(e.opts.CandidateWindow) * time.Hour
	records, err := e.store.FindCandidates(ctx, userID, activity.StartedAt, window)
	if err != nil {
		return nil, err
	}

	matches := make([]CanonicalActivity, 0, len(records))
	for _, candidate := range records {
		if candidate.DedupHash == activity.DedupHash {
			continue
		}
		if likelyDuplicate(activity, candidate, e.opts) {
			matches = append(matches, candidate)
		}
	}
	rankCandidates(matches)
	return matches, nil
}

func (e *Engine) newCanonical(userID string, activity NormalizedActivity) CanonicalActivity {
	now := e.now()
	record := CanonicalActivity{
		ID:           uuid.NewString(),
		UserID:       userID,
		Source:       activity.Source,
		ExternalID:   activity.ExternalID,
		ActivityType: activity.ActivityType,
		Name:         activity.Name,
		StartedAt:    activity.StartedAt.UTC(),
		DurationSec:  activity.DurationSec,
		DedupHash:    activity.DedupHash,
		SourceSet:    []string{activity.Source},
		HasHeartRate: activity.Raw.HasHeartRate || activity.Raw.AverageHeartRate > 0,
		HasGPS:       activity.Raw.HasGPSOrDistance,
		HasPower:     activity.Raw.HasPowerMeter,
		DeviceMeta:   activity.Raw.DeviceMetadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if activity.AvgHeartRate != nil {
		hr := *activity.AvgHeartRate
		record.AvgHeartRate = &hr
	}
	record.Richness = recordRichness(&record)
	return record
}
