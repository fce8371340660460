package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ingestOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingestion_service",
		Subsystem: "dedup",
		Name:      "outcomes_total",
		Help:      "Number of committed dedup transactions grouped by outcome status.",
	}, []string{"status"})

	ingestFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ingestion_service",
		Subsystem: "dedup",
		Name:      "rollbacks_total",
		Help:      "Number of dedup transactions rolled back due to store errors.",
	})

	richnessHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ingestion_service",
		Subsystem: "dedup",
		Name:      "richness_score",
		Help:      "Richness score distribution of committed activity records.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})

	streamsAttachedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ingestion_service",
		Subsystem: "streams",
		Name:      "attached_total",
		Help:      "Number of time-series stream payloads attached to activities.",
	})

	activityPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ingestion_service",
		Subsystem: "persistence",
		Name:      "last_activity_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity write committed to Postgres.",
	})
)

func init() {
	prometheus.MustRegister(ingestOutcomeCounter, ingestFailureCounter, richnessHistogram, streamsAttachedCounter, activityPersistGauge)
}

// RecordIngestOutcome counts a committed dedup transaction and samples
// the resulting record's richness.
func RecordIngestOutcome(status string, richness float64) {
	ingestOutcomeCounter.WithLabelValues(status).Inc()
	richnessHistogram.Observe(richness)
}

// RecordIngestFailure counts a rolled-back dedup transaction.
func RecordIngestFailure() {
	ingestFailureCounter.Inc()
}

// RecordStreamsAttached counts stream payloads committed for one activity.
func RecordStreamsAttached(count int) {
	streamsAttachedCounter.Add(float64(count))
}

// RecordActivityPersisted updates the persistence watermark gauge.
func RecordActivityPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityPersistGauge.Set(float64(ts.Unix()))
}
