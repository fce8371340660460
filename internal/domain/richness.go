package domain

// Richness weights. Heart rate dominates because downstream training
// load models are HR-driven; the sum of all four is short of the cap so
// future signals can contribute without rebalancing.
const (
	weightHeartRate = 0.4
	weightGPS       = 0.2
	weightPower     = 0.2
	weightDevice    = 0.1

	richnessCeiling = 1.0
)

// ScoreRichness computes a [0,1] data-quality score for a provider
// payload. Pure and deterministic; used both to rank which of two
// conflicting records survives and to pick the best merge target among
// near-duplicate candidates.
func ScoreRichness(raw RawPayload) float64 {
	score := 0.0
	if raw.HasHeartRate || raw.AverageHeartRate > 0 {
		score += weightHeartRate
	}
	if raw.HasGPSOrDistance {
		score += weightGPS
	}
	if raw.HasPowerMeter {
		score += weightPower
	}
	if raw.DeviceMetadata != "" {
		score += weightDevice
	}
	if score > richnessCeiling {
		score = richnessCeiling
	}
	return score
}

// recordRichness recomputes the score from the flags persisted on a
// canonical record, keeping stored and derived richness consistent.
func recordRichness(c *CanonicalActivity) float64 {
	return ScoreRichness(RawPayload{
		HasHeartRate:     c.HasHeartRate,
		HasGPSOrDistance: c.HasGPS,
		HasPowerMeter:    c.HasPower,
		DeviceMetadata:   c.DeviceMeta,
	})
}
