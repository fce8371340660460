package domain

import "sort"

// Options tunes duplicate detection.
type Options struct {
	// DurationTolerance is the fraction of the larger duration two
	// activities may differ by and still be considered the same
	// workout. Pairs sitting exactly on the boundary are not
	// duplicates: 1800s vs 1980s qualifies, 1800s vs 2000s does not.
	DurationTolerance float64

	// RequireSameDay additionally demands both activities start on the
	// same UTC calendar day. Off by default; the observed provider
	// behavior does not confirm it, so it stays an explicit opt-in.
	RequireSameDay bool

	// RequireSameType additionally demands matching activity types.
	RequireSameType bool

	// CandidateWindow bounds the store scan around the incoming
	// activity's start time when searching for fuzzy candidates.
	CandidateWindow int // hours on each side
}

// DefaultOptions returns the production dedup tuning.
func DefaultOptions() Options {
	return Options{
		DurationTolerance: 0.10,
		RequireSameDay:    false,
		RequireSameType:   false,
		CandidateWindow:   48,
	}
}

// withinDurationTolerance reports whether two durations describe the
// same workout. A missing or non-positive duration on either side
// disqualifies the pair outright: the comparison cannot be evaluated.
func withinDurationTolerance(a, b int, tolerance float64) bool {
	if a <= 0 || b <= 0 {
		return false
	}
	larger := a
	if b > larger {
		larger = b
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) < tolerance*float64(larger)
}

// likelyDuplicate applies the fuzzy matching predicate between an
// incoming activity and an existing canonical record.
func likelyDuplicate(incoming NormalizedActivity, candidate CanonicalActivity, opts Options) bool {
	if !withinDurationTolerance(incoming.DurationSec, candidate.DurationSec, opts.DurationTolerance) {
		return false
	}
	if opts.RequireSameType && incoming.ActivityType != candidate.ActivityType {
		return false
	}
	if opts.RequireSameDay {
		a := incoming.StartedAt.UTC().Format("2006-01-02")
		b := candidate.StartedAt.UTC().Format("2006-01-02")
		if a != b {
			return false
		}
	}
	return true
}

// rankCandidates orders fuzzy candidates so the resolver can
// deterministically pick the best merge target: richest first, then
// most recently updated, then id as a final stable tie-break.
func rankCandidates(candidates []CanonicalActivity) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Richness != candidates[j].Richness {
			return candidates[i].Richness > candidates[j].Richness
		}
		if !candidates[i].UpdatedAt.Equal(candidates[j].UpdatedAt) {
			return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
		}
		return candidates[i].ID > candidates[j].ID
	})
}
