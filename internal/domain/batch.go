package domain

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"example.com/ingestion/internal/observability"
)

// BatchInput is one provider delivery: normalized activities plus
// optional per-activity stream payloads keyed by external id and
// stream type.
type BatchInput struct {
	UserID     string
	Provider   string
	Activities []NormalizedActivity
	Streams    map[string]map[string][]StreamSample
}

// BatchOutcome reports what a batch actually committed. Failures list
// items that were rolled back while their siblings continued.
type BatchOutcome struct {
	Results       []IngestResult `json:"results"`
	Failures      []ItemFailure  `json:"failures,omitempty"`
	AffectedDates []string       `json:"affectedDates"`
}

// IngestBatch processes a provider batch end to end: one dedup
// transaction per activity, stream attachment for the committed
// records, then the audit log. Each of the three phases owns its own
// transaction boundary; a stream or log failure is surfaced as the
// returned error but never unwinds the committed activity writes, and
// the outcome still reflects them.
func (e *Engine) IngestBatch(ctx context.Context, input BatchInput) (BatchOutcome, error) {
	dates := NewDateSet()
	results := make([]IngestResult, 0, len(input.Activities))
	var failures []ItemFailure
	committed := make(map[string]string, len(input.Activities))
	seen := make(map[string]struct{}, len(input.Activities))

	for _, activity := range input.Activities {
		seen[activity.ExternalID] = struct{}{}
		result, err := e.ExecuteDedupTransaction(ctx, input.UserID, activity, dates)
		if err != nil {
			failures = append(failures, ItemFailure{ExternalID: activity.ExternalID, Reason: err.Error()})
			continue
		}
		results = append(results, result)
		committed[activity.ExternalID] = result.ID
	}

	outcome := BatchOutcome{
		Results:       results,
		Failures:      failures,
		AffectedDates: dates.Values(),
	}

	batchTx := uuid.NewString()

	if len(input.Streams) > 0 {
		if err := e.attachBatchStreams(ctx, input.Streams, committed, seen, batchTx); err != nil {
			return outcome, fmt.Errorf("stream attachment %s: %w", batchTx, err)
		}
	}

	if len(results) > 0 {
		if err := e.logIngestion(ctx, input.UserID, input.Provider, results, batchTx); err != nil {
			return outcome, fmt.Errorf("ingestion log %s: %w", batchTx, err)
		}
	}

	return outcome, nil
}

// attachBatchStreams resolves each stream payload to its committed
// activity and writes one all-or-nothing attachment per activity.
// Payloads for items that failed earlier in the batch are skipped; a
// payload that never belonged to the batch is an error.
func (e *Engine) attachBatchStreams(ctx context.Context, streams map[string]map[string][]StreamSample, committed map[string]string, seen map[string]struct{}, txID string) error {
	externalIDs := make([]string, 0, len(streams))
	for externalID := range streams {
		externalIDs = append(externalIDs, externalID)
	}
	sort.Strings(externalIDs)

	for _, externalID := range externalIDs {
		activityID, ok := committed[externalID]
		if !ok {
			if _, attempted := seen[externalID]; attempted {
				continue
			}
			return fmt.Errorf("%w: %s", ErrUnknownActivity, externalID)
		}

		byType := streams[externalID]
		streamTypes := make([]string, 0, len(byType))
		for streamType := range byType {
			streamTypes = append(streamTypes, streamType)
		}
		sort.Strings(streamTypes)

		attachments := make([]StreamAttachment, 0, len(streamTypes))
		for _, streamType := range streamTypes {
			attachments = append(attachments, StreamAttachment{
				ActivityID: activityID,
				StreamType: streamType,
				Samples:    byType[streamType],
			})
		}

		if err := e.store.AttachStreams(ctx, activityID, attachments, txID); err != nil {
			return err
		}
		observability.RecordStreamsAttached(len(attachments))
	}
	return nil
}

// logIngestion appends one audit row per result. Strictly an audit
// trail; never consulted for dedup decisions.
func (e *Engine) logIngestion(ctx context.Context, userID, provider string, results []IngestResult, txID string) error {
	now := e.now()
	entries := make([]IngestionLogEntry, 0, len(results))
	for _, result := range results {
		entries = append(entries, IngestionLogEntry{
			UserID:        userID,
			Source:        provider,
			ExternalID:    result.ExternalID,
			Status:        result.Status,
			TransactionID: txID,
			CreatedAt:     now,
		})
	}
	return e.store.AppendLog(ctx, entries)
}
