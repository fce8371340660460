package domain

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *log.Logger {
	return log.New(logWriter{t}, "", 0)
}

type logWriter struct{ t *testing.T }

func (w logWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testEngine(t *testing.T, store Store) *Engine {
	return NewEngine(store, DefaultOptions(), WithLogger(testLogger(t)))
}

func rideAt(start time.Time, durationSec int, hash string, raw RawPayload) NormalizedActivity {
	return NormalizedActivity{
		Source:       "strava",
		ExternalID:   "ext-" + hash,
		ActivityType: "Ride",
		Name:         "Morning Ride",
		StartedAt:    start,
		DurationSec:  durationSec,
		DedupHash:    hash,
		Raw:          raw,
	}
}

func TestImportIntoEmptyStore(t *testing.T) {
	store := newFakeStore()
	engine := testEngine(t, store)
	dates := NewDateSet()
	start := time.Date(2026, time.April, 2, 6, 15, 0, 0, time.UTC)

	result, err := engine.ExecuteDedupTransaction(context.Background(), "user-1",
		rideAt(start, 1800, "abc123", RawPayload{HasHeartRate: true}), dates)
	require.NoError(t, err)

	require.Equal(t, StatusImported, result.Status)
	require.InDelta(t, 0.4, result.Richness, 1e-9)
	require.NotEmpty(t, result.ID)
	require.Equal(t, 1, store.recordCount())
	require.Equal(t, []string{"2026-04-02"}, dates.Values())
}

func TestIdempotentConvergenceRicherSecondCall(t *testing.T) {
	store := newFakeStore()
	engine := testEngine(t, store)
	dates := NewDateSet()
	start := time.Date(2026, time.April, 2, 6, 15, 0, 0, time.UTC)
	ctx := context.Background()

	first, err := engine.ExecuteDedupTransaction(ctx, "user-1",
		rideAt(start, 1800, "abc123", RawPayload{HasHeartRate: true}), dates)
	require.NoError(t, err)
	require.Equal(t, StatusImported, first.Status)

	second, err := engine.ExecuteDedupTransaction(ctx, "user-1",
		rideAt(start, 1800, "abc123", RawPayload{HasHeartRate: true, HasPowerMeter: true}), dates)
	require.NoError(t, err)

	require.Equal(t, StatusUpdated, second.Status)
	require.Equal(t, first.ID, second.ID, "identity is preserved across updates")
	require.InDelta(t, 0.6, second.Richness, 1e-9)
	require.Equal(t, 1, store.recordCount())
}

func TestIdempotentConvergenceNotRicherSkips(t *testing.T) {
	store := newFakeStore()
	engine := testEngine(t, store)
	dates := NewDateSet()
	start := time.Date(2026, time.April, 2, 6, 15, 0, 0, time.UTC)
	ctx := context.Background()

	first, err := engine.ExecuteDedupTransaction(ctx, "user-1",
		rideAt(start, 1800, "abc123", RawPayload{HasHeartRate: true, HasPowerMeter: true}), dates)
	require.NoError(t, err)

	datesBefore := dates.Len()
	second, err := engine.ExecuteDedupTransaction(ctx, "user-1",
		rideAt(start, 1800, "abc123", RawPayload{HasHeartRate: true}), dates)
	require.NoError(t, err)

	require.Equal(t, StatusSkippedDup, second.Status)
	require.Equal(t, first.ID, second.ID)
	require.InDelta(t, first.Richness, second.Richness, 1e-9)
	require.Equal(t, 1, store.recordCount())
	require.Equal(t, datesBefore, dates.Len(), "a skipped duplicate commits nothing")
}

func TestRichnessMonotonicAcrossUpdateAndMerge(t *testing.T) {
	store := newFakeStore()
	engine := testEngine(t, store)
	dates := NewDateSet()
	start := time.Date(2026, time.April, 2, 6, 15, 0, 0, time.UTC)
	ctx := context.Background()

	first, err := engine.ExecuteDedupTransaction(ctx, "user-1",
		rideAt(start, 1800, "hash-a", RawPayload{HasHeartRate: true}), dates)
	require.NoError(t, err)

	// Same hash, different signal mix: update must not lose heart rate.
	updated, err := engine.ExecuteDedupTransaction(ctx, "user-1",
		rideAt(start, 1800, "hash-a", RawPayload{HasHeartRate: true, HasGPSOrDistance: true}), dates)
	require.NoError(t, err)
	require.Equal(t, StatusUpdated, updated.Status)
	require.GreaterOrEqual(t, updated.Richness, first.Richness)

	// Different hash, near-identical duration: merge into the existing
	// record, and the union keeps the best of both.
	garmin := rideAt(start.Add(30*time.Second), 1850, "hash-b", RawPayload{HasPowerMeter: true})
	garmin.Source = "garmin"
	merged, err := engine.ExecuteDedupTransaction(ctx, "user-1", garmin, dates)
	require.NoError(t, err)

	require.Equal(t, StatusMerged, merged.Status)
	require.Equal(t, first.ID, merged.ID)
	require.GreaterOrEqual(t, merged.Richness, updated.Richness)
	require.GreaterOrEqual(t, merged.Richness, ScoreRichness(garmin.Raw))
	require.Equal(t, 1, store.recordCount(), "merge never creates a second row")

	record, ok := store.record(merged.ID)
	require.True(t, ok)
	require.ElementsMatch(t, []string{"strava", "garmin"}, record.SourceSet)
}

func TestDurationBoundarySeparatesMergeFromImport(t *testing.T) {
	start := time.Date(2026, time.April, 2, 6, 15, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("ten percent apart merges", func(t *testing.T) {
		store := newFakeStore()
		engine := testEngine(t, store)
		dates := NewDateSet()

		poor, err := engine.ExecuteDedupTransaction(ctx, "user-1",
			rideAt(start, 1800, "hash-poor", RawPayload{}), dates)
		require.NoError(t, err)

		rich, err := engine.ExecuteDedupTransaction(ctx, "user-1",
			rideAt(start.Add(time.Minute), 1980, "hash-rich", RawPayload{HasHeartRate: true, HasGPSOrDistance: true}), dates)
		require.NoError(t, err)
		require.Equal(t, StatusMerged, rich.Status, "1800s vs 1980s is within tolerance")
		require.Equal(t, poor.ID, rich.ID)
		require.Equal(t, 1, store.recordCount())
	})

	t.Run("boundary pair imports separately", func(t *testing.T) {
		store := newFakeStore()
		engine := testEngine(t, store)
		dates := NewDateSet()

		poor, err := engine.ExecuteDedupTransaction(ctx, "user-1",
			rideAt(start, 1800, "hash-poor", RawPayload{}), dates)
		require.NoError(t, err)

		outside, err := engine.ExecuteDedupTransaction(ctx, "user-1",
			rideAt(start.Add(2*time.Minute), 2000, "hash-outside", RawPayload{}), dates)
		require.NoError(t, err)
		require.Equal(t, StatusImported, outside.Status, "1800s vs 2000s sits outside tolerance")
		require.NotEqual(t, poor.ID, outside.ID)
		require.Equal(t, 2, store.recordCount())
	})
}

func TestFuzzyMergePicksRichestCandidate(t *testing.T) {
	start := time.Date(2026, time.April, 2, 6, 15, 0, 0, time.UTC)

	store := newFakeStore()
	seedCandidate := func(id, hash string, richness float64, hasHR bool, updatedAt time.Time) {
		record := CanonicalActivity{
			ID:           id,
			UserID:       "user-1",
			Source:       "manual",
			ActivityType: "Ride",
			StartedAt:    start,
			DurationSec:  1850,
			DedupHash:    hash,
			SourceSet:    []string{"manual"},
			HasHeartRate: hasHR,
			Richness:     richness,
			UpdatedAt:    updatedAt,
		}
		store.records[id] = record
		store.byHash[hashKey("user-1", hash)] = id
	}
	seedCandidate("cand-poor", "hash-1", 0, false, start)
	seedCandidate("cand-rich", "hash-2", 0.4, true, start.Add(-time.Hour))

	engine := testEngine(t, store)
	dates := NewDateSet()

	result, err := engine.ExecuteDedupTransaction(context.Background(), "user-1",
		rideAt(start.Add(time.Minute), 1800, "hash-new", RawPayload{HasPowerMeter: true}), dates)
	require.NoError(t, err)

	require.Equal(t, StatusMerged, result.Status)
	require.Equal(t, "cand-rich", result.ID, "the richest candidate becomes the merge target")
	require.InDelta(t, 0.6, result.Richness, 1e-9, "heart rate and power union")
	require.Equal(t, 2, store.recordCount())
}

func TestMissingDurationSkipsFuzzyPathOnly(t *testing.T) {
	store := newFakeStore()
	engine := testEngine(t, store)
	dates := NewDateSet()
	start := time.Date(2026, time.April, 2, 6, 15, 0, 0, time.UTC)
	ctx := context.Background()

	_, err := engine.ExecuteDedupTransaction(ctx, "user-1",
		rideAt(start, 1800, "hash-a", RawPayload{}), dates)
	require.NoError(t, err)

	// No duration: the fuzzy comparison cannot be evaluated, so the
	// item imports as new instead of aborting.
	noDuration := rideAt(start.Add(time.Minute), 0, "hash-b", RawPayload{})
	result, err := engine.ExecuteDedupTransaction(ctx, "user-1", noDuration, dates)
	require.NoError(t, err)
	require.Equal(t, StatusImported, result.Status)
	require.Equal(t, 2, store.recordCount())
}

func TestRollbackLeavesAffectedDatesUntouched(t *testing.T) {
	store := newFakeStore()
	cause := errors.New("connection reset")
	store.insertErr = cause

	engine := testEngine(t, store)
	dates := NewDateSet()
	dates.Add(time.Date(2026, time.March, 30, 0, 0, 0, 0, time.UTC))
	before := dates.Len()

	_, err := engine.ExecuteDedupTransaction(context.Background(), "user-1",
		rideAt(time.Date(2026, time.April, 2, 6, 15, 0, 0, time.UTC), 1800, "abc123", RawPayload{}), dates)

	require.Error(t, err)
	require.ErrorIs(t, err, cause, "the original cause survives wrapping")
	require.Equal(t, before, dates.Len(), "no partial dates leak from a rolled-back item")
	require.Equal(t, 0, store.recordCount())
}

func TestConcurrentSameHashImportsConverge(t *testing.T) {
	store := newFakeStore()

	// Hold both writers at the check-then-act boundary so each misses
	// the other's in-flight insert, exactly the race the engine must
	// converge rather than prevent.
	var hashLookups, candidateScans int32
	var hashBarrier, scanBarrier sync.WaitGroup
	hashBarrier.Add(2)
	scanBarrier.Add(2)
	store.afterFind = func() {
		if atomic.AddInt32(&hashLookups, 1) <= 2 {
			hashBarrier.Done()
			hashBarrier.Wait()
		}
	}
	store.afterCandidates = func() {
		if atomic.AddInt32(&candidateScans, 1) <= 2 {
			scanBarrier.Done()
			scanBarrier.Wait()
		}
	}

	engine := testEngine(t, store)
	dates := NewDateSet()
	start := time.Date(2026, time.April, 2, 6, 15, 0, 0, time.UTC)
	activity := rideAt(start, 1800, "abc123", RawPayload{HasHeartRate: true})

	results := make([]IngestResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = engine.ExecuteDedupTransaction(context.Background(), "user-1", activity, dates)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, 1, store.recordCount(), "exactly one canonical record after the race")
	require.Equal(t, results[0].ID, results[1].ID)

	statuses := map[Status]int{results[0].Status: 1}
	statuses[results[1].Status]++
	require.Equal(t, 1, statuses[StatusImported], "exactly one writer imports")
	require.Equal(t, 1, statuses[StatusUpdated]+statuses[StatusSkippedDup], "the loser converges")
}

func TestStoreErrorPropagatesFromLookup(t *testing.T) {
	store := newFakeStore()
	cause := errors.New("store unavailable")
	store.findErr = cause

	engine := testEngine(t, store)
	dates := NewDateSet()

	_, err := engine.ExecuteDedupTransaction(context.Background(), "user-1",
		rideAt(time.Date(2026, time.April, 2, 6, 15, 0, 0, time.UTC), 1800, "abc123", RawPayload{}), dates)
	require.ErrorIs(t, err, cause)
	require.Equal(t, 0, dates.Len())
}
