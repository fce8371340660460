// Package api exposes HTTP handlers for the ingestion service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/ingestion/internal/auth"
	"example.com/ingestion/internal/domain"
	"example.com/ingestion/internal/persistence"
)

// Handler coordinates HTTP requests with the ingestion engine.
type Handler struct {
	engine  *domain.Engine
	querier domain.Querier
}

// NewHandler builds a Handler.
func NewHandler(engine *domain.Engine, querier domain.Querier) *Handler {
	return &Handler{engine: engine, querier: querier}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/ingest", h.ingest)
	mux.HandleFunc("/v1/activities", h.listActivities)
	mux.HandleFunc("/v1/activities/", h.activityByID)
	mux.HandleFunc("/v1/ingestions", h.listIngestions)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeIngestWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope ingest:write required")
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	input := req.toBatchInput(claims.Subject)

	outcome, err := h.engine.IngestBatch(r.Context(), input)
	if err != nil {
		// Activity writes that committed are still reported; the error
		// covers the stream or log phase that followed them.
		resp := IngestResponse{
			Results:       outcome.Results,
			Failures:      outcome.Failures,
			AffectedDates: outcome.AffectedDates,
			Error:         err.Error(),
		}
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	resp := IngestResponse{
		Results:       outcome.Results,
		Failures:      outcome.Failures,
		AffectedDates: outcome.AffectedDates,
	}

	status := http.StatusOK
	if len(outcome.Failures) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

func (h *Handler) activityByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/activities/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing activity id")
		return
	}

	if id, ok := strings.CutSuffix(rest, "/streams"); ok {
		h.getStreams(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	h.getActivity(w, r, rest)
}

func (h *Handler) getActivity(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := h.requireRead(w, r)
	if !ok {
		return
	}

	activity, err := h.querier.Get(r.Context(), claims.Subject, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if activity == nil {
		writeError(w, http.StatusNotFound, "not_found", "activity not found")
		return
	}

	writeJSON(w, http.StatusOK, toActivityView(*activity))
}

func (h *Handler) getStreams(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := h.requireRead(w, r)
	if !ok {
		return
	}

	// Ownership check before exposing stream payloads.
	activity, err := h.querier.Get(r.Context(), claims.Subject, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if activity == nil {
		writeError(w, http.StatusNotFound, "not_found", "activity not found")
		return
	}

	streams, err := h.querier.ListStreams(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	views := make([]StreamView, 0, len(streams))
	for _, stream := range streams {
		views = append(views, StreamView{
			StreamType: stream.StreamType,
			Samples:    stream.Samples,
		})
	}
	writeJSON(w, http.StatusOK, StreamsResponse{ActivityID: id, Streams: views})
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := h.requireRead(w, r)
	if !ok {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	activities, next, err := h.querier.ListByUser(r.Context(), claims.Subject, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]ActivityView, 0, len(activities))
	for _, activity := range activities {
		items = append(items, toActivityView(activity))
	}

	writeJSON(w, http.StatusOK, ListActivitiesResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) listIngestions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := h.requireRead(w, r)
	if !ok {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 200 {
				parsed = 200
			}
			limit = parsed
		}
	}

	entries, err := h.querier.ListLog(r.Context(), claims.Subject, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]IngestionLogView, 0, len(entries))
	for _, entry := range entries {
		items = append(items, IngestionLogView{
			Source:        entry.Source,
			ExternalID:    entry.ExternalID,
			Status:        string(entry.Status),
			TransactionID: entry.TransactionID,
			CreatedAt:     entry.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, ListIngestionsResponse{Items: items})
}

func (h *Handler) requireRead(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(auth.ScopeActivitiesRead) && !claims.HasScope(auth.ScopeIngestWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope activities:read required")
		return nil, false
	}
	return claims, true
}

// IngestRequest is the payload for POST /v1/ingest.
type IngestRequest struct {
	Source     string                                      `json:"source"`
	Activities []IngestActivity                            `json:"activities"`
	Streams    map[string]map[string][]domain.StreamSample `json:"streams,omitempty"`
}

// IngestActivity is one normalized workout within an ingest request.
type IngestActivity struct {
	ExternalID       string            `json:"externalId"`
	Type             string            `json:"type"`
	Name             string            `json:"name,omitempty"`
	StartTimestamp   time.Time         `json:"startTimestamp"`
	DurationSeconds  int               `json:"durationSeconds"`
	AverageHeartRate *int              `json:"averageHeartRate,omitempty"`
	DedupHash        string            `json:"dedupHash"`
	RawPayload       domain.RawPayload `json:"rawPayload"`
}

// Validate ensures request correctness.
func (r IngestRequest) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return errors.New("source is required")
	}
	if len(r.Activities) == 0 {
		return errors.New("activities must not be empty")
	}
	for i, activity := range r.Activities {
		if strings.TrimSpace(activity.ExternalID) == "" {
			return errors.New("activities[" + strconv.Itoa(i) + "].externalId is required")
		}
		if strings.TrimSpace(activity.DedupHash) == "" {
			return errors.New("activities[" + strconv.Itoa(i) + "].dedupHash is required")
		}
		if activity.StartTimestamp.IsZero() {
			return errors.New("activities[" + strconv.Itoa(i) + "].startTimestamp is required")
		}
	}
	return nil
}

func (r IngestRequest) toBatchInput(userID string) domain.BatchInput {
	activities := make([]domain.NormalizedActivity, 0, len(r.Activities))
	for _, item := range r.Activities {
		activities = append(activities, domain.NormalizedActivity{
			Source:       r.Source,
			ExternalID:   item.ExternalID,
			ActivityType: item.Type,
			Name:         item.Name,
			StartedAt:    item.StartTimestamp,
			DurationSec:  item.DurationSeconds,
			AvgHeartRate: item.AverageHeartRate,
			DedupHash:    item.DedupHash,
			Raw:          item.RawPayload,
		})
	}
	return domain.BatchInput{
		UserID:     userID,
		Provider:   r.Source,
		Activities: activities,
		Streams:    r.Streams,
	}
}

// IngestResponse describes the response body for ingest.
type IngestResponse struct {
	Results       []domain.IngestResult `json:"results"`
	Failures      []domain.ItemFailure  `json:"failures,omitempty"`
	AffectedDates []string              `json:"affectedDates"`
	Error         string                `json:"error,omitempty"`
}

// ActivityView exposes full details about a canonical activity.
type ActivityView struct {
	ActivityID   string    `json:"activity_id"`
	Source       string    `json:"source"`
	ExternalID   string    `json:"external_id"`
	ActivityType string    `json:"activity_type"`
	Name         string    `json:"name,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	DurationSec  int       `json:"duration_sec"`
	AvgHeartRate *int      `json:"avg_heart_rate,omitempty"`
	SourceSet    []string  `json:"source_set"`
	Richness     float64   `json:"richness"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListActivitiesResponse packages list results.
type ListActivitiesResponse struct {
	Items      []ActivityView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// StreamView is one attached time series.
type StreamView struct {
	StreamType string                `json:"stream_type"`
	Samples    []domain.StreamSample `json:"samples"`
}

// StreamsResponse packages the streams of one activity.
type StreamsResponse struct {
	ActivityID string       `json:"activity_id"`
	Streams    []StreamView `json:"streams"`
}

// IngestionLogView is one audit row.
type IngestionLogView struct {
	Source        string    `json:"source"`
	ExternalID    string    `json:"external_id"`
	Status        string    `json:"status"`
	TransactionID string    `json:"transaction_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListIngestionsResponse packages audit log results.
type ListIngestionsResponse struct {
	Items []IngestionLogView `json:"items"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toActivityView(activity domain.CanonicalActivity) ActivityView {
	return ActivityView{
		ActivityID:   activity.ID,
		Source:       activity.Source,
		ExternalID:   activity.ExternalID,
		ActivityType: activity.ActivityType,
		Name:         activity.Name,
		StartedAt:    activity.StartedAt,
		DurationSec:  activity.DurationSec,
		AvgHeartRate: activity.AvgHeartRate,
		SourceSet:    activity.SourceSet,
		Richness:     activity.Richness,
		CreatedAt:    activity.CreatedAt,
		UpdatedAt:    activity.UpdatedAt,
	}
}
